package agentle

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/paragon-intelligence/agentle/telemetry"
)

// defaultMaxTurns bounds the turn loop when WithMaxTurns is not set.
const defaultMaxTurns = 10

// StepTrace summarizes one executed step (tool call, plan, or handoff) for
// result inspection and logging. Inputs and outputs are truncated.
type StepTrace struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"` // "tool", "plan", or "handoff"
	Input    string        `json:"input"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// RunResult is the terminal outcome of an agent run.
type RunResult struct {
	// Agent is the name of the agent that produced the final output. After
	// a handoff this is the target, not the agent Run was called on.
	Agent          string
	OutputText     string
	Parsed         json.RawMessage
	Usage          Usage
	CostUSD        float64
	TurnsCompleted int
	LastResponseID string
	Steps          []StepTrace
}

// Agent drives a model through a multi-turn tool-calling loop with
// guardrails, handoffs, and optional declarative plan execution. Build one
// with NewAgent; an Agent is immutable after construction and safe for
// concurrent runs.
type Agent struct {
	name         string
	instructions string
	model        string
	responder    Responder

	tools         *ToolRegistry
	planExecution bool
	parallelTools bool
	skills        []string
	inputGuards   []Guardrail
	outputGuards  []Guardrail
	handoffs      []Handoff
	pool          *AgentPool

	maxTurns        int
	maxOutputTokens int
	maxToolCalls    int
	temperature     *float64
	topP            *float64
	outputSchema    *OutputSchema
	store           bool

	history History
	events  telemetry.Emitter
	tracer  Tracer
	logger  *slog.Logger
}

// AgentOption configures an Agent at construction time.
type AgentOption func(*Agent)

// WithTools sets the agent's tool registry. The registry may be shared with
// a PlanExecutor; it never mutates after build.
func WithTools(r *ToolRegistry) AgentOption {
	return func(a *Agent) { a.tools = r }
}

// WithPlanExecution advertises the built-in plan tool, letting the model
// batch multiple dependent tool calls into one declarative plan.
func WithPlanExecution() AgentOption {
	return func(a *Agent) { a.planExecution = true }
}

// WithParallelToolCalls executes the plain tool calls of one assistant turn
// concurrently instead of sequentially. Outputs keep the model's call order;
// turns containing a handoff or plan call still run sequentially.
func WithParallelToolCalls() AgentOption {
	return func(a *Agent) { a.parallelTools = true }
}

// WithSkills appends text fragments to the agent's instructions.
func WithSkills(skills ...string) AgentOption {
	return func(a *Agent) { a.skills = append(a.skills, skills...) }
}

// WithInputGuardrails sets the ordered input guardrail list.
func WithInputGuardrails(guards ...Guardrail) AgentOption {
	return func(a *Agent) { a.inputGuards = append(a.inputGuards, guards...) }
}

// WithOutputGuardrails sets the ordered output guardrail list.
func WithOutputGuardrails(guards ...Guardrail) AgentOption {
	return func(a *Agent) { a.outputGuards = append(a.outputGuards, guards...) }
}

// WithHandoffs declares the agents this agent may hand the conversation off
// to. Targets are resolved by name through the AgentPool the agent is
// registered in.
func WithHandoffs(handoffs ...Handoff) AgentOption {
	return func(a *Agent) { a.handoffs = append(a.handoffs, handoffs...) }
}

// WithMaxTurns bounds the turn loop (default 10).
func WithMaxTurns(n int) AgentOption {
	return func(a *Agent) { a.maxTurns = n }
}

// WithMaxOutputTokens caps the model's output per turn.
func WithMaxOutputTokens(n int) AgentOption {
	return func(a *Agent) { a.maxOutputTokens = n }
}

// WithMaxToolCalls caps the total tool calls the model may issue per turn.
func WithMaxToolCalls(n int) AgentOption {
	return func(a *Agent) { a.maxToolCalls = n }
}

// WithTemperature sets the sampling temperature (0 to 2).
func WithTemperature(t float64) AgentOption {
	return func(a *Agent) { a.temperature = &t }
}

// WithTopP sets nucleus sampling (0 exclusive to 1 inclusive).
func WithTopP(p float64) AgentOption {
	return func(a *Agent) { a.topP = &p }
}

// WithOutputSchema requests structured output. The final assistant text is
// parsed against the schema; parse failure fails the run in the parsing
// phase.
func WithOutputSchema(s *OutputSchema) AgentOption {
	return func(a *Agent) { a.outputSchema = s }
}

// WithResponseRetention asks the vendor to retain responses so turns can
// chain on previous_response_id.
func WithResponseRetention() AgentOption {
	return func(a *Agent) { a.store = true }
}

// WithHistory persists the run's user input and final output to the store.
func WithHistory(h History) AgentOption {
	return func(a *Agent) { a.history = h }
}

// WithTelemetry sets the event emitter for agent failure events.
func WithTelemetry(e telemetry.Emitter) AgentOption {
	return func(a *Agent) { a.events = e }
}

// WithTracer sets the tracer for run and turn spans.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithLogger sets the structured logger. When not set, a no-op logger is
// used.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates an agent driving the given responder. instructions may be
// empty when the model needs no system prompt.
func NewAgent(name, instructions, model string, responder Responder, opts ...AgentOption) (*Agent, error) {
	if name == "" {
		return nil, &ErrConfiguration{Field: "name", Message: "agent name is required"}
	}
	if model == "" {
		return nil, &ErrConfiguration{Field: "model", Message: "model is required"}
	}
	if responder == nil {
		return nil, &ErrConfiguration{Field: "responder", Message: "responder is required"}
	}
	a := &Agent{
		name:         name,
		instructions: instructions,
		model:        model,
		responder:    responder,
		maxTurns:     defaultMaxTurns,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tools == nil {
		a.tools = NewToolRegistry()
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	if a.maxTurns <= 0 {
		a.maxTurns = defaultMaxTurns
	}
	for _, h := range a.handoffs {
		if h.Target == a.name {
			return nil, &ErrConfiguration{Field: "handoffs", Message: "agent cannot hand off to itself"}
		}
	}
	return a, nil
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *ToolRegistry { return a.tools }

// Run executes the turn loop for one user input and blocks until a terminal
// result.
func (a *Agent) Run(ctx context.Context, input string) (RunResult, error) {
	return a.run(ctx, NewSession(), []Message{UserMessage(input)}, nil)
}

// RunStream executes the turn loop, emitting StreamEvent values into ch
// throughout execution. Text deltas are forwarded from the responder in wire
// order; tool events appear between turns. ch is closed when the run
// completes.
func (a *Agent) RunStream(ctx context.Context, input string, ch chan<- StreamEvent) (RunResult, error) {
	return a.run(ctx, NewSession(), []Message{UserMessage(input)}, ch)
}

// RunMessages executes the turn loop from a prepared message log. Used for
// handoff continuation and for callers that manage history themselves.
func (a *Agent) RunMessages(ctx context.Context, session Session, messages []Message, ch chan<- StreamEvent) (RunResult, error) {
	return a.run(ctx, session, messages, ch)
}

// fullInstructions joins the instruction prompt with the skill fragments.
func (a *Agent) fullInstructions() string {
	if len(a.skills) == 0 {
		return a.instructions
	}
	parts := make([]string, 0, len(a.skills)+1)
	if a.instructions != "" {
		parts = append(parts, a.instructions)
	}
	parts = append(parts, a.skills...)
	return strings.Join(parts, "\n\n")
}

// toolDefinitions assembles the wire tool list: registered tools in sorted
// order, then the plan tool, then handoff tools.
func (a *Agent) toolDefinitions() []ToolDefinition {
	defs := a.tools.Definitions()
	if a.planExecution {
		defs = append(defs, PlanToolDefinition())
	}
	for _, h := range a.handoffs {
		defs = append(defs, h.definition())
	}
	return defs
}

// buildPayload assembles the request for one turn.
func (a *Agent) buildPayload(messages []Message, stream bool, session Session, previousResponseID string) ResponsePayload {
	return ResponsePayload{
		Model:              a.model,
		Input:              messages,
		Instructions:       a.fullInstructions(),
		MaxOutputTokens:    a.maxOutputTokens,
		MaxToolCalls:       a.maxToolCalls,
		Temperature:        a.temperature,
		TopP:               a.topP,
		Tools:              a.toolDefinitions(),
		ToolChoice:         ToolChoice{Mode: ToolChoiceAuto},
		OutputSchema:       a.outputSchema,
		Stream:             stream,
		Store:              a.store,
		PreviousResponseID: previousResponseID,
		Session:            session,
	}
}

// fail wraps err with agent context, emits the AgentFailed event, and logs.
func (a *Agent) fail(phase Phase, turns int, lastResponseID string, session Session, err error) error {
	wrapped := &ErrAgentExecution{
		Agent:          a.name,
		Phase:          phase,
		TurnsCompleted: turns,
		LastResponseID: lastResponseID,
		Cause:          err,
	}
	a.logger.Error("agent run failed",
		"agent", a.name,
		"phase", string(phase),
		"turns", turns,
		"error", err)
	if a.events != nil {
		a.events.Emit(&telemetry.AgentFailed{
			SessionID:      session.SessionID,
			TraceID:        session.TraceID,
			SpanID:         session.SpanID,
			TimestampNano:  NowUnixNano(),
			Agent:          a.name,
			Phase:          string(phase),
			TurnsCompleted: turns,
			ErrorCode:      ErrorCode(err),
			ErrorMessage:   err.Error(),
			Retryable:      IsRetryable(err),
		})
	}
	return wrapped
}
