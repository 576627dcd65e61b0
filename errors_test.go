package agentle

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  string
		retryable bool
	}{
		{401, "authentication_error", false},
		{403, "authentication_error", false},
		{429, "rate_limit_error", true},
		{400, "invalid_request_error", false},
		{404, "invalid_request_error", false},
		{500, "server_error", true},
		{503, "server_error", true},
	}
	for _, tt := range tests {
		err := ClassifyHTTP(tt.status, "body", 0)
		if got := ErrorCode(err); got != tt.wantCode {
			t.Errorf("status %d: code = %q, want %q", tt.status, got, tt.wantCode)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestClassifyHTTPRateLimitCarriesRetryAfter(t *testing.T) {
	err := ClassifyHTTP(429, "slow down", 3*time.Second)
	var rl *ErrRateLimit
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimit, got %T", err)
	}
	if rl.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", rl.RetryAfter)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{" 10 ", 10 * time.Second},
		{"-3", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(30 * time.Second).UTC().Format(time.RFC1123)
	got := ParseRetryAfter(future)
	if got < 25*time.Second || got > 31*time.Second {
		t.Errorf("ParseRetryAfter(future date) = %v, want about 30s", got)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", got)
	}
}

func TestErrorCodeUnwrapsChains(t *testing.T) {
	inner := &ErrRateLimit{Body: "limit"}
	wrapped := fmt.Errorf("call failed: %w", inner)
	if got := ErrorCode(wrapped); got != "rate_limit_error" {
		t.Errorf("ErrorCode(wrapped) = %q, want rate_limit_error", got)
	}
	if !IsRetryable(wrapped) {
		t.Error("IsRetryable(wrapped rate limit) = false, want true")
	}
	if got := ErrorCode(errors.New("plain")); got != "internal_error" {
		t.Errorf("ErrorCode(plain) = %q, want internal_error", got)
	}
}

func TestAgentExecutionRetryableFollowsCause(t *testing.T) {
	retryable := &ErrAgentExecution{Agent: "a", Phase: PhaseLLMCall, Cause: &ErrServer{Status: 502}}
	if !retryable.Retryable() {
		t.Error("server-caused agent failure should be retryable")
	}
	terminal := &ErrAgentExecution{Agent: "a", Phase: PhaseInputGuardrail, Cause: &ErrGuardrail{Violation: ViolationInput}}
	if terminal.Retryable() {
		t.Error("guardrail-caused agent failure should not be retryable")
	}
	foreign := &ErrAgentExecution{Agent: "a", Phase: PhaseLLMCall, Cause: errors.New("boom")}
	if foreign.Retryable() {
		t.Error("foreign-caused agent failure should not be retryable")
	}
}

func TestStreamingErrorNotRetryable(t *testing.T) {
	err := &ErrStreaming{PartialOutput: "partial", BytesReceived: 42, Cause: errors.New("reset")}
	if IsRetryable(err) {
		t.Error("streaming errors must not be retryable")
	}
	if ErrorCode(err) != "streaming_error" {
		t.Errorf("code = %q", ErrorCode(err))
	}
}

func TestConnectionErrorRetryable(t *testing.T) {
	err := &ErrConnection{Cause: errors.New("refused")}
	if !IsRetryable(err) {
		t.Error("connection errors should be retryable")
	}
}

func TestErrorSuggestionsNonEmpty(t *testing.T) {
	errs := []error{
		&ErrAuthentication{Status: 401},
		&ErrRateLimit{},
		&ErrInvalidRequest{Status: 400},
		&ErrServer{Status: 500},
		&ErrConnection{Cause: errors.New("x")},
		&ErrStreaming{Cause: errors.New("x")},
		&ErrConfiguration{Field: "f", Message: "m"},
		&ErrGuardrail{Violation: ViolationInput},
		&ErrToolExecution{Tool: "t", Cause: errors.New("x")},
		&ErrToolPlan{Message: "m"},
	}
	for _, err := range errs {
		var c CodedError
		if !errors.As(err, &c) {
			t.Fatalf("%T does not implement CodedError", err)
		}
		if c.Suggestion() == "" {
			t.Errorf("%T has empty suggestion", err)
		}
		if c.Code() == "" {
			t.Errorf("%T has empty code", err)
		}
	}
}
