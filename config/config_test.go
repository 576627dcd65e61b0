package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paragon-intelligence/agentle"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.LLM.BaseURL != "https://api.openai.com/v1" || cfg.LLM.Model != "gpt-4.1-mini" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.LLM.Timeout.Std() != 120*time.Second {
		t.Errorf("timeout = %v", cfg.LLM.Timeout.Std())
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.BaseDelay.Std() != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("max_turns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Batching.ErrorStrategy != "RETRY" || cfg.Batching.Backpressure != "REJECT" {
		t.Errorf("batching = %+v", cfg.Batching)
	}
	if cfg.Security.MaxMessageLength != 4096 || cfg.Security.FloodMaxMessages != 10 {
		t.Errorf("security = %+v", cfg.Security)
	}
	if cfg.Telemetry.BatchSize != 64 || cfg.Telemetry.FlushInterval.Std() != 5*time.Second {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentle.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
[llm]
api_key = "sk-file"
model = "gpt-4o"
timeout = "30s"

[retry]
max_retries = 5
base_delay = "250ms"

[agent]
max_turns = 3
parallel_tool_calls = true

[batching]
silence_threshold = "1500ms"
error_strategy = "DEAD_LETTER"

[security]
blocked_patterns = ["(?i)ssn", "password"]

[telemetry]
endpoint = "https://collector.example.com"
flush_interval = "2s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-file" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.LLM.Timeout.Std() != 30*time.Second {
		t.Errorf("timeout = %v", cfg.LLM.Timeout.Std())
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BaseDelay.Std() != 250*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	// Fields the file omits keep their defaults.
	if cfg.Retry.Factor != 2 {
		t.Errorf("factor = %v, want default preserved", cfg.Retry.Factor)
	}
	if cfg.Agent.MaxTurns != 3 || !cfg.Agent.ParallelToolCalls {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Batching.SilenceThreshold.Std() != 1500*time.Millisecond || cfg.Batching.ErrorStrategy != "DEAD_LETTER" {
		t.Errorf("batching = %+v", cfg.Batching)
	}
	if len(cfg.Security.BlockedPatterns) != 2 || cfg.Security.BlockedPatterns[0] != "(?i)ssn" {
		t.Errorf("patterns = %v", cfg.Security.BlockedPatterns)
	}
	if cfg.Telemetry.Endpoint != "https://collector.example.com" || cfg.Telemetry.FlushInterval.Std() != 2*time.Second {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gpt-4.1-mini" {
		t.Errorf("model = %q, want default", cfg.LLM.Model)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeFile(t, "[llm\napi_key = ")
	_, err := Load(path)
	var cfgErr *agentle.ErrConfiguration
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadBadDurationRejected(t *testing.T) {
	path := writeFile(t, "[llm]\ntimeout = \"fast\"")
	if _, err := Load(path); err == nil {
		t.Error("unparseable duration accepted")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "[llm]\napi_key = \"sk-file\"\nmodel = \"gpt-4o\"")
	t.Setenv("AGENTLE_API_KEY", "sk-env")
	t.Setenv("AGENTLE_MODEL", "gpt-4.1")
	t.Setenv("AGENTLE_MAX_TURNS", "7")
	t.Setenv("AGENTLE_TELEMETRY_ENDPOINT", "https://env.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-env" || cfg.LLM.Model != "gpt-4.1" {
		t.Errorf("llm = %+v, want env to win", cfg.LLM)
	}
	if cfg.Agent.MaxTurns != 7 {
		t.Errorf("max_turns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Telemetry.Endpoint != "https://env.example.com" {
		t.Errorf("endpoint = %q", cfg.Telemetry.Endpoint)
	}
}

func TestEnvInvalidMaxTurnsIgnored(t *testing.T) {
	t.Setenv("AGENTLE_MAX_TURNS", "zero")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("max_turns = %d, want default kept", cfg.Agent.MaxTurns)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1h30m")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if d.Std() != 90*time.Minute {
		t.Errorf("d = %v", d.Std())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("bad duration accepted")
	}
}

func TestRetryConfigPolicy(t *testing.T) {
	rc := RetryConfig{MaxRetries: 4, BaseDelay: Duration(time.Second), Factor: 3, Jitter: 0.1}
	p := rc.Policy()
	if p.MaxRetries != 4 || p.BaseDelay != time.Second || p.Factor != 3 || p.Jitter != 0.1 {
		t.Errorf("policy = %+v", p)
	}
}

func TestAgentConfigOptions(t *testing.T) {
	ac := AgentConfig{MaxTurns: 7}
	if got := len(ac.Options()); got != 1 {
		t.Errorf("options = %d, want just max turns", got)
	}
	ac.ParallelToolCalls = true
	if got := len(ac.Options()); got != 2 {
		t.Errorf("options = %d, want max turns plus parallel tool calls", got)
	}
}
