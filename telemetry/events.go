// Package telemetry is the typed event bus agent and responder executions
// report into. Events fan out to registered processors without blocking the
// hot path; the package ships an OTLP/JSON exporter and a Langfuse preset.
//
// The package is deliberately self-contained so both the core runtime and
// providers can emit into it without import cycles.
package telemetry

// Usage mirrors the token accounting a model response carries.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Event is the sum type every telemetry record implements. Kind is a stable
// snake_case discriminator.
type Event interface {
	Kind() string
	Trace() (traceID, spanID, parentSpanID string)
	UnixNano() int64
}

// ResponseStarted is emitted before the HTTP call to the model.
type ResponseStarted struct {
	SessionID     string
	TraceID       string
	SpanID        string
	ParentSpanID  string
	TimestampNano int64
	Model         string
}

func (e *ResponseStarted) Kind() string { return "response_started" }
func (e *ResponseStarted) Trace() (string, string, string) {
	return e.TraceID, e.SpanID, e.ParentSpanID
}
func (e *ResponseStarted) UnixNano() int64 { return e.TimestampNano }

// ResponseCompleted is emitted on terminal success, carrying usage and cost.
type ResponseCompleted struct {
	SessionID     string
	TraceID       string
	SpanID        string
	ParentSpanID  string
	TimestampNano int64
	Model         string
	ResponseID    string
	Usage         Usage
	CostUSD       float64
	DurationNano  int64
}

func (e *ResponseCompleted) Kind() string { return "response_completed" }
func (e *ResponseCompleted) Trace() (string, string, string) {
	return e.TraceID, e.SpanID, e.ParentSpanID
}
func (e *ResponseCompleted) UnixNano() int64 { return e.TimestampNano }

// ResponseFailed is emitted on terminal failure after retries are exhausted.
type ResponseFailed struct {
	SessionID     string
	TraceID       string
	SpanID        string
	ParentSpanID  string
	TimestampNano int64
	Model         string
	ErrorCode     string
	ErrorMessage  string
	HTTPStatus    int
	Retryable     bool
}

func (e *ResponseFailed) Kind() string { return "response_failed" }
func (e *ResponseFailed) Trace() (string, string, string) {
	return e.TraceID, e.SpanID, e.ParentSpanID
}
func (e *ResponseFailed) UnixNano() int64 { return e.TimestampNano }

// AgentFailed is emitted when a turn loop fails, naming the phase.
type AgentFailed struct {
	SessionID      string
	TraceID        string
	SpanID         string
	ParentSpanID   string
	TimestampNano  int64
	Agent          string
	Phase          string
	TurnsCompleted int
	ErrorCode      string
	ErrorMessage   string
	Retryable      bool
}

func (e *AgentFailed) Kind() string { return "agent_failed" }
func (e *AgentFailed) Trace() (string, string, string) {
	return e.TraceID, e.SpanID, e.ParentSpanID
}
func (e *AgentFailed) UnixNano() int64 { return e.TimestampNano }

// Emitter is the narrow emit-only surface the runtime holds.
type Emitter interface {
	Emit(Event)
}

// Processor consumes events from the bus. Process must be safe for calls
// from the bus dispatch goroutine; long work belongs behind the processor's
// own buffering.
type Processor interface {
	Process(Event) error
	IsRunning() bool
	Shutdown() error
}

// compile-time checks
var (
	_ Event = (*ResponseStarted)(nil)
	_ Event = (*ResponseCompleted)(nil)
	_ Event = (*ResponseFailed)(nil)
	_ Event = (*AgentFailed)(nil)
)
