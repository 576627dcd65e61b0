package agentle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CodedError is implemented by every error type in this package. Code is a
// stable machine-readable identifier, Retryable tells the caller whether the
// same call may succeed if repeated, and Suggestion is a human hint that may
// be empty.
type CodedError interface {
	error
	Code() string
	Retryable() bool
	Suggestion() string
}

// ErrAuthentication is an HTTP 401/403 from the model API.
type ErrAuthentication struct {
	Status int
	Body   string
}

func (e *ErrAuthentication) Error() string {
	return fmt.Sprintf("authentication failed (http %d): %s", e.Status, e.Body)
}
func (e *ErrAuthentication) Code() string    { return "authentication_error" }
func (e *ErrAuthentication) Retryable() bool { return false }
func (e *ErrAuthentication) Suggestion() string {
	return "check the API key and base URL configuration"
}

// ErrRateLimit is an HTTP 429. RetryAfter is the parsed Retry-After header,
// or zero when the server did not send one.
type ErrRateLimit struct {
	Body       string
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (http 429, retry after %s): %s", e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("rate limited (http 429): %s", e.Body)
}
func (e *ErrRateLimit) Code() string    { return "rate_limit_error" }
func (e *ErrRateLimit) Retryable() bool { return true }
func (e *ErrRateLimit) Suggestion() string {
	return "reduce request rate or wait for the Retry-After interval"
}

// ErrInvalidRequest is any 4xx other than 401/403/429.
type ErrInvalidRequest struct {
	Status int
	Body   string
}

func (e *ErrInvalidRequest) Error() string {
	return fmt.Sprintf("invalid request (http %d): %s", e.Status, e.Body)
}
func (e *ErrInvalidRequest) Code() string    { return "invalid_request_error" }
func (e *ErrInvalidRequest) Retryable() bool { return false }
func (e *ErrInvalidRequest) Suggestion() string {
	return "inspect the request payload for invalid fields"
}

// ErrServer is an HTTP 5xx.
type ErrServer struct {
	Status int
	Body   string
}

func (e *ErrServer) Error() string {
	return fmt.Sprintf("server error (http %d): %s", e.Status, e.Body)
}
func (e *ErrServer) Code() string       { return "server_error" }
func (e *ErrServer) Retryable() bool    { return true }
func (e *ErrServer) Suggestion() string { return "retry; the upstream service is failing" }

// ErrConnection is a transport-level I/O failure before a status line was
// received.
type ErrConnection struct {
	Cause error
}

func (e *ErrConnection) Error() string {
	return fmt.Sprintf("connection failed: %v", e.Cause)
}
func (e *ErrConnection) Unwrap() error      { return e.Cause }
func (e *ErrConnection) Code() string       { return "connection_error" }
func (e *ErrConnection) Retryable() bool    { return true }
func (e *ErrConnection) Suggestion() string { return "check network reachability of the base URL" }

// ErrStreaming is a mid-stream failure after at least one frame was
// delivered. PartialOutput is the concatenation of all text deltas received
// before the drop; BytesReceived counts raw body bytes. Not retryable because
// the upstream protocol cannot resume a stream; the caller decides whether to
// restart from scratch.
type ErrStreaming struct {
	PartialOutput string
	BytesReceived int64
	Cause         error
}

func (e *ErrStreaming) Error() string {
	return fmt.Sprintf("stream interrupted after %d bytes: %v", e.BytesReceived, e.Cause)
}
func (e *ErrStreaming) Unwrap() error      { return e.Cause }
func (e *ErrStreaming) Code() string       { return "streaming_error" }
func (e *ErrStreaming) Retryable() bool    { return false }
func (e *ErrStreaming) Suggestion() string { return "restart the request; partial output is preserved" }

// ErrConfiguration reports invalid builder or payload input before any
// network activity.
type ErrConfiguration struct {
	Field   string
	Message string
}

func (e *ErrConfiguration) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return "configuration error: " + e.Message
}
func (e *ErrConfiguration) Code() string       { return "configuration_error" }
func (e *ErrConfiguration) Retryable() bool    { return false }
func (e *ErrConfiguration) Suggestion() string { return "fix the named field before calling again" }

// ViolationType says which guardrail list produced a block.
type ViolationType string

const (
	ViolationInput  ViolationType = "INPUT"
	ViolationOutput ViolationType = "OUTPUT"
)

// ErrGuardrail is returned when a guardrail vetoes an input or output.
type ErrGuardrail struct {
	Violation ViolationType
	Guardrail string
	Reason    string
}

func (e *ErrGuardrail) Error() string {
	if e.Guardrail != "" {
		return fmt.Sprintf("%s guardrail %q blocked: %s", strings.ToLower(string(e.Violation)), e.Guardrail, e.Reason)
	}
	return fmt.Sprintf("%s guardrail blocked: %s", strings.ToLower(string(e.Violation)), e.Reason)
}
func (e *ErrGuardrail) Code() string       { return "guardrail_error" }
func (e *ErrGuardrail) Retryable() bool    { return false }
func (e *ErrGuardrail) Suggestion() string { return "revise the content that triggered the block" }

// ErrToolExecution wraps an error thrown from a tool body.
type ErrToolExecution struct {
	Tool      string
	CallID    string
	Arguments string
	Cause     error
}

func (e *ErrToolExecution) Error() string {
	return fmt.Sprintf("tool %q (call %s) failed: %v", e.Tool, e.CallID, e.Cause)
}
func (e *ErrToolExecution) Unwrap() error   { return e.Cause }
func (e *ErrToolExecution) Code() string    { return "tool_execution_error" }
func (e *ErrToolExecution) Retryable() bool { return false }
func (e *ErrToolExecution) Suggestion() string {
	return "inspect the tool arguments and the wrapped cause"
}

// ErrToolPlan reports plan validation failures, dependency cycles, and
// skipped steps. StepID is empty for plan-wide failures such as cycles.
type ErrToolPlan struct {
	StepID  string
	Message string
}

func (e *ErrToolPlan) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("tool plan step %q: %s", e.StepID, e.Message)
	}
	return "tool plan: " + e.Message
}
func (e *ErrToolPlan) Code() string    { return "tool_plan_error" }
func (e *ErrToolPlan) Retryable() bool { return false }
func (e *ErrToolPlan) Suggestion() string {
	return "fix the plan definition; see the step id and message"
}

// Phase names the turn-loop stage an agent failure happened in.
type Phase string

const (
	PhaseInputGuardrail   Phase = "INPUT_GUARDRAIL"
	PhaseLLMCall          Phase = "LLM_CALL"
	PhaseToolExecution    Phase = "TOOL_EXECUTION"
	PhaseOutputGuardrail  Phase = "OUTPUT_GUARDRAIL"
	PhaseHandoff          Phase = "HANDOFF"
	PhaseParsing          Phase = "PARSING"
	PhaseMaxTurnsExceeded Phase = "MAX_TURNS_EXCEEDED"
)

// ErrAgentExecution wraps any failure inside the turn loop with agent
// context. Retryable follows the wrapped cause.
type ErrAgentExecution struct {
	Agent          string
	Phase          Phase
	TurnsCompleted int
	LastResponseID string
	Cause          error
}

func (e *ErrAgentExecution) Error() string {
	return fmt.Sprintf("agent %q failed in %s after %d turn(s): %v", e.Agent, e.Phase, e.TurnsCompleted, e.Cause)
}
func (e *ErrAgentExecution) Unwrap() error { return e.Cause }
func (e *ErrAgentExecution) Code() string  { return "agent_execution_error" }
func (e *ErrAgentExecution) Retryable() bool {
	var c CodedError
	return errors.As(e.Cause, &c) && c.Retryable()
}
func (e *ErrAgentExecution) Suggestion() string {
	var c CodedError
	if errors.As(e.Cause, &c) && c.Suggestion() != "" {
		return c.Suggestion()
	}
	return "see the wrapped cause and the failing phase"
}

// ClassifyHTTP maps a non-2xx status to the error taxonomy. retryAfter is
// only consulted for 429.
func ClassifyHTTP(status int, body string, retryAfter time.Duration) error {
	switch {
	case status == 401 || status == 403:
		return &ErrAuthentication{Status: status, Body: body}
	case status == 429:
		return &ErrRateLimit{Body: body, RetryAfter: retryAfter}
	case status >= 400 && status < 500:
		return &ErrInvalidRequest{Status: status, Body: body}
	default:
		return &ErrServer{Status: status, Body: body}
	}
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds or
// an HTTP-date. Returns 0 when the value is absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrorCode returns err's taxonomy code, or "internal_error" for foreign
// errors.
func ErrorCode(err error) string {
	var c CodedError
	if errors.As(err, &c) {
		return c.Code()
	}
	return "internal_error"
}

// IsRetryable reports whether err is marked retryable anywhere in its chain.
// Foreign errors are not retryable unless wrapped in ErrConnection.
func IsRetryable(err error) bool {
	var c CodedError
	return errors.As(err, &c) && c.Retryable()
}

// compile-time checks
var (
	_ CodedError = (*ErrAuthentication)(nil)
	_ CodedError = (*ErrRateLimit)(nil)
	_ CodedError = (*ErrInvalidRequest)(nil)
	_ CodedError = (*ErrServer)(nil)
	_ CodedError = (*ErrConnection)(nil)
	_ CodedError = (*ErrStreaming)(nil)
	_ CodedError = (*ErrConfiguration)(nil)
	_ CodedError = (*ErrGuardrail)(nil)
	_ CodedError = (*ErrToolExecution)(nil)
	_ CodedError = (*ErrToolPlan)(nil)
	_ CodedError = (*ErrAgentExecution)(nil)
)
