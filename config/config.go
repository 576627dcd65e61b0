// Package config loads agentle runtime configuration: defaults, then an
// optional TOML file, then AGENTLE_* environment variables (env wins).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/paragon-intelligence/agentle"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Retry     RetryConfig     `toml:"retry"`
	Agent     AgentConfig     `toml:"agent"`
	Batching  BatchingConfig  `toml:"batching"`
	Security  SecurityConfig  `toml:"security"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// LLMConfig configures the Responder transport.
type LLMConfig struct {
	APIKey  string   `toml:"api_key"`
	BaseURL string   `toml:"base_url"`
	Model   string   `toml:"model"`
	Timeout Duration `toml:"timeout"`
}

// RetryConfig configures transport retry.
type RetryConfig struct {
	MaxRetries int      `toml:"max_retries"`
	BaseDelay  Duration `toml:"base_delay"`
	Factor     float64  `toml:"factor"`
	Jitter     float64  `toml:"jitter"`
}

// Policy converts to the runtime retry policy.
func (r RetryConfig) Policy() agentle.RetryPolicy {
	return agentle.RetryPolicy{
		MaxRetries: r.MaxRetries,
		BaseDelay:  r.BaseDelay.Std(),
		Factor:     r.Factor,
		Jitter:     r.Jitter,
	}
}

// AgentConfig configures turn-loop behavior.
type AgentConfig struct {
	MaxTurns          int  `toml:"max_turns"`
	ParallelToolCalls bool `toml:"parallel_tool_calls"`
}

// Options converts to agent construction options.
func (c AgentConfig) Options() []agentle.AgentOption {
	opts := []agentle.AgentOption{agentle.WithMaxTurns(c.MaxTurns)}
	if c.ParallelToolCalls {
		opts = append(opts, agentle.WithParallelToolCalls())
	}
	return opts
}

// BatchingConfig configures the per-user message batcher.
type BatchingConfig struct {
	MaxBatchSize       int      `toml:"max_batch_size"`
	MaxWait            Duration `toml:"max_wait"`
	SilenceThreshold   Duration `toml:"silence_threshold"`
	MaxConcurrentUsers int      `toml:"max_concurrent_users"`
	ErrorStrategy      string   `toml:"error_strategy"` // RETRY, DEAD_LETTER, DROP, IGNORE
	Backpressure       string   `toml:"backpressure"`   // REJECT, BLOCK, DROP_OLDEST
}

// SecurityConfig configures inbound message checks.
type SecurityConfig struct {
	WebhookVerifyToken string   `toml:"webhook_verify_token"`
	AppSecret          string   `toml:"app_secret"`
	ValidateSignatures bool     `toml:"validate_signatures"`
	MaxMessageLength   int      `toml:"max_message_length"`
	BlockedPatterns    []string `toml:"blocked_patterns"`
	FloodWindow        Duration `toml:"flood_window"`
	FloodMaxMessages   int      `toml:"flood_max_messages"`
}

// TelemetryConfig configures the OTLP span exporter.
type TelemetryConfig struct {
	Endpoint      string   `toml:"endpoint"`
	PublicKey     string   `toml:"public_key"`
	SecretKey     string   `toml:"secret_key"`
	BearerToken   string   `toml:"bearer_token"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval Duration `toml:"flush_interval"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4.1-mini",
			Timeout: Duration(120 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  Duration(500 * time.Millisecond),
			Factor:     2,
			Jitter:     0.2,
		},
		Agent: AgentConfig{MaxTurns: 10},
		Batching: BatchingConfig{
			MaxBatchSize:       10,
			MaxWait:            Duration(30 * time.Second),
			SilenceThreshold:   Duration(3 * time.Second),
			MaxConcurrentUsers: 10,
			ErrorStrategy:      "RETRY",
			Backpressure:       "REJECT",
		},
		Security: SecurityConfig{
			MaxMessageLength: 4096,
			FloodWindow:      Duration(10 * time.Second),
			FloodMaxMessages: 10,
		},
		Telemetry: TelemetryConfig{
			BatchSize:     64,
			FlushInterval: Duration(5 * time.Second),
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "agentle.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, &agentle.ErrConfiguration{Field: path, Message: err.Error()}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv layers AGENTLE_* environment variables over cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTLE_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGENTLE_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("AGENTLE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AGENTLE_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxTurns = n
		}
	}
	if v := os.Getenv("AGENTLE_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("AGENTLE_TELEMETRY_PUBLIC_KEY"); v != "" {
		cfg.Telemetry.PublicKey = v
	}
	if v := os.Getenv("AGENTLE_TELEMETRY_SECRET_KEY"); v != "" {
		cfg.Telemetry.SecretKey = v
	}
	if v := os.Getenv("AGENTLE_APP_SECRET"); v != "" {
		cfg.Security.AppSecret = v
	}
	if v := os.Getenv("AGENTLE_WEBHOOK_VERIFY_TOKEN"); v != "" {
		cfg.Security.WebhookVerifyToken = v
	}
}
