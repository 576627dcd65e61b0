package agentle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PlanToolName is the reserved name of the built-in plan tool. Plan steps
// may not call it, which blocks unbounded recursion.
const PlanToolName = "execute_plan"

// maxPlanSteps caps the number of steps in a single plan to prevent
// resource exhaustion from unbounded goroutine creation.
const maxPlanSteps = 50

// maxParallelSteps caps the number of concurrent step goroutines within one
// wave to avoid overwhelming external services.
const maxParallelSteps = 10

// PlanStep is one declarative tool call inside a ToolPlan. Arguments is raw
// JSON text that may contain $ref:ID[.path] references to sibling steps.
type PlanStep struct {
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
}

// ToolPlan is a declarative multi-tool-call plan. OutputSteps selects which
// step results form the plan's output; empty means all.
type ToolPlan struct {
	Steps       []PlanStep `json:"steps"`
	OutputSteps []string   `json:"output_steps,omitempty"`
}

// StepResult records one executed (or skipped) plan step.
type StepResult struct {
	StepID   string        `json:"step_id"`
	Tool     string        `json:"tool"`
	CallID   string        `json:"call_id"`
	Output   string        `json:"output"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
}

// PlanResult is the outcome of one plan execution. StepResults lists every
// step in execution order (a valid topological order of the dependency
// graph); OutputResults is the OutputSteps-filtered view; Errors maps failed
// step ids to their messages.
type PlanResult struct {
	StepResults   []StepResult      `json:"step_results"`
	OutputResults []StepResult      `json:"output_results"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// Format serializes the output-step set as a JSON object keyed by step id.
// Values that already look like JSON (begin with { or [) are inlined;
// everything else is quoted.
func (r PlanResult) Format() string {
	var b strings.Builder
	b.WriteString("{")
	for i, sr := range r.OutputResults {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(strconv.Quote(sr.StepID))
		b.WriteString(":")
		out := strings.TrimSpace(sr.Output)
		if strings.HasPrefix(out, "{") || strings.HasPrefix(out, "[") {
			b.WriteString(out)
		} else {
			b.WriteString(strconv.Quote(sr.Output))
		}
	}
	b.WriteString("}")
	return b.String()
}

// refPattern matches $ref:ID with an optional dotted path.
var refPattern = regexp.MustCompile(`\$ref:([A-Za-z0-9_-]+)((?:\.[A-Za-z0-9_-]+)*)`)

// PlanExecutor validates and runs tool plans against a shared registry. The
// registry is read-only during execution, so sharing it with the agent's
// turn loop is safe.
type PlanExecutor struct {
	registry *ToolRegistry
	logger   *slog.Logger
	tracer   Tracer
}

// PlanExecutorOption configures a PlanExecutor.
type PlanExecutorOption func(*PlanExecutor)

// PlanLogger sets the structured logger for plan execution events.
func PlanLogger(l *slog.Logger) PlanExecutorOption {
	return func(e *PlanExecutor) { e.logger = l }
}

// PlanTracer sets the tracer for plan and wave spans.
func PlanTracer(t Tracer) PlanExecutorOption {
	return func(e *PlanExecutor) { e.tracer = t }
}

// NewPlanExecutor creates an executor over the given registry.
func NewPlanExecutor(registry *ToolRegistry, opts ...PlanExecutorOption) *PlanExecutor {
	e := &PlanExecutor{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Validate checks the plan invariants: non-blank ids and tools, unique ids,
// no step calling the reserved plan tool, every tool registered, and a step
// count within the cap.
func (e *PlanExecutor) Validate(plan ToolPlan) error {
	if len(plan.Steps) == 0 {
		return &ErrToolPlan{Message: "plan requires at least one step"}
	}
	if len(plan.Steps) > maxPlanSteps {
		return &ErrToolPlan{Message: fmt.Sprintf("plan limited to %d steps, got %d", maxPlanSteps, len(plan.Steps))}
	}
	seen := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return &ErrToolPlan{Message: "step id must not be blank"}
		}
		if strings.TrimSpace(s.Tool) == "" {
			return &ErrToolPlan{StepID: s.ID, Message: "step tool must not be blank"}
		}
		if seen[s.ID] {
			return &ErrToolPlan{StepID: s.ID, Message: "duplicate step id"}
		}
		seen[s.ID] = true
		if s.Tool == PlanToolName {
			return &ErrToolPlan{StepID: s.ID, Message: "steps cannot call " + PlanToolName}
		}
		if !e.registry.Contains(s.Tool) {
			return &ErrToolPlan{StepID: s.ID, Message: fmt.Sprintf("unknown tool %q", s.Tool)}
		}
	}
	return nil
}

// dependencies returns the sibling step ids referenced by the step's
// arguments. Ids that do not name a sibling are ignored.
func dependencies(step PlanStep, siblings map[string]bool) []string {
	var deps []string
	seen := make(map[string]bool)
	for _, m := range refPattern.FindAllStringSubmatch(step.Arguments, -1) {
		id := m[1]
		if siblings[id] && !seen[id] && id != step.ID {
			deps = append(deps, id)
			seen[id] = true
		}
	}
	return deps
}

// waves topologically sorts the steps into execution waves using Kahn's
// algorithm. Returns ErrToolPlan when the dependency graph has a cycle.
func waves(steps []PlanStep) ([][]PlanStep, error) {
	siblings := make(map[string]bool, len(steps))
	for _, s := range steps {
		siblings[s.ID] = true
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	byID := make(map[string]PlanStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
		deps := dependencies(s, siblings)
		inDegree[s.ID] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], s.ID)
		}
	}

	var out [][]PlanStep
	processed := 0
	// Seed with in-degree-0 steps, preserving declaration order within a
	// wave for deterministic results.
	ready := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	for len(ready) > 0 {
		wave := make([]PlanStep, 0, len(ready))
		for _, id := range ready {
			wave = append(wave, byID[id])
		}
		processed += len(wave)
		out = append(out, wave)

		var next []string
		for _, id := range ready {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		// Re-sort the next wave into declaration order.
		ready = ready[:0]
		isNext := make(map[string]bool, len(next))
		for _, id := range next {
			isNext[id] = true
		}
		for _, s := range steps {
			if isNext[s.ID] {
				ready = append(ready, s.ID)
			}
		}
	}
	if processed < len(steps) {
		return nil, &ErrToolPlan{Message: "Cycle detected in tool plan dependencies"}
	}
	return out, nil
}

// Execute validates and runs the plan. Waves execute strictly in order;
// steps within a wave run in parallel on a bounded worker pool. A failing
// step never cancels its wave peers; its dependents are skipped instead.
func (e *PlanExecutor) Execute(ctx context.Context, plan ToolPlan) (PlanResult, error) {
	if err := e.Validate(plan); err != nil {
		return PlanResult{}, err
	}
	planWaves, err := waves(plan.Steps)
	if err != nil {
		return PlanResult{}, err
	}

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "plan.execute",
			IntAttr("plan.steps", len(plan.Steps)),
			IntAttr("plan.waves", len(planWaves)))
		defer span.End()
	}

	siblings := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		siblings[s.ID] = true
	}

	outputs := make(map[string]string, len(plan.Steps)) // step id -> raw output
	failed := make(map[string]bool)
	errs := make(map[string]string)
	var results []StepResult

	for wi, wave := range planWaves {
		e.logger.Debug("executing plan wave", "wave", wi, "steps", len(wave))
		waveResults := e.runWave(ctx, wave, siblings, outputs, failed)
		for _, sr := range waveResults {
			results = append(results, sr)
			if sr.Success {
				outputs[sr.StepID] = sr.Output
			} else {
				failed[sr.StepID] = true
				errs[sr.StepID] = sr.Output
			}
		}
	}

	res := PlanResult{StepResults: results, Errors: errs}
	if len(plan.OutputSteps) == 0 {
		res.OutputResults = results
	} else {
		want := make(map[string]bool, len(plan.OutputSteps))
		for _, id := range plan.OutputSteps {
			want[id] = true
		}
		for _, sr := range results {
			if want[sr.StepID] {
				res.OutputResults = append(res.OutputResults, sr)
			}
		}
	}
	return res, nil
}

// runWave executes one wave. Single steps run inline; larger waves use a
// fixed worker pool pulling from a shared work channel.
func (e *PlanExecutor) runWave(ctx context.Context, wave []PlanStep, siblings map[string]bool, outputs map[string]string, failed map[string]bool) []StepResult {
	if len(wave) == 1 {
		return []StepResult{e.runStep(ctx, wave[0], siblings, outputs, failed)}
	}

	type indexed struct {
		idx int
		sr  StepResult
	}
	resultCh := make(chan indexed, len(wave))
	workCh := make(chan int, len(wave))
	for i := range wave {
		workCh <- i
	}
	close(workCh)

	numWorkers := min(len(wave), maxParallelSteps)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for i := range workCh {
				resultCh <- indexed{i, e.runStep(ctx, wave[i], siblings, outputs, failed)}
			}
		}()
	}
	wg.Wait()
	close(resultCh)

	results := make([]StepResult, len(wave))
	for r := range resultCh {
		results[r.idx] = r.sr
	}
	return results
}

// runStep executes one step: skip when a dependency failed, otherwise
// resolve references, synthesize a call id, and execute via the registry.
// outputs and failed are only read here; the caller writes them between
// waves, so no lock is needed.
func (e *PlanExecutor) runStep(ctx context.Context, step PlanStep, siblings map[string]bool, outputs map[string]string, failed map[string]bool) StepResult {
	for _, dep := range dependencies(step, siblings) {
		if failed[dep] {
			return StepResult{
				StepID:  step.ID,
				Tool:    step.Tool,
				Output:  fmt.Sprintf("Skipped because dependency %s failed", dep),
				Success: false,
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return StepResult{StepID: step.ID, Tool: step.Tool, Output: "error: " + err.Error(), Success: false}
	}

	args := resolveRefs(step.Arguments, outputs)
	callID := fmt.Sprintf("plan_%s_%s", step.ID, NewID())
	start := time.Now()
	out, err := e.registry.Execute(ctx, ToolCall{CallID: callID, Name: step.Tool, Arguments: args})
	sr := StepResult{
		StepID:   step.ID,
		Tool:     step.Tool,
		CallID:   callID,
		Duration: time.Since(start),
	}
	if err != nil {
		e.logger.Warn("plan step failed", "step", step.ID, "tool", step.Tool, "error", err)
		sr.Output = err.Error()
		return sr
	}
	sr.Output = out.Output
	sr.Success = true
	return sr
}

// resolveRefs substitutes every $ref:ID[.path] occurrence in args with the
// referenced step's output.
//
// Substitution is literal whole-occurrence replacement, in two passes. A
// reference that is itself a complete JSON string token ("$ref:ID...") is
// replaced by the raw resolved value when that value looks like JSON (so an
// object output can flow as a nested object), or re-quoted otherwise. Any
// remaining occurrence sits inside a larger string literal and is replaced
// with the JSON-escaped value, keeping the surrounding literal valid.
// Dotted paths walk the output as JSON; missing keys resolve to "".
func resolveRefs(args string, outputs map[string]string) string {
	quoted := regexp.MustCompile(`"(\$ref:[A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)*)"`)
	args = quoted.ReplaceAllStringFunc(args, func(tok string) string {
		val := resolveOne(tok[1:len(tok)-1], outputs)
		trimmed := strings.TrimSpace(val)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			return trimmed
		}
		return strconv.Quote(val)
	})
	return refPattern.ReplaceAllStringFunc(args, func(tok string) string {
		val := strconv.Quote(resolveOne(tok, outputs))
		return val[1 : len(val)-1]
	})
}

// resolveOne resolves a single $ref token against the recorded outputs.
func resolveOne(tok string, outputs map[string]string) string {
	m := refPattern.FindStringSubmatch(tok)
	if m == nil {
		return ""
	}
	out, ok := outputs[m[1]]
	if !ok {
		return ""
	}
	if m[2] == "" {
		return out
	}
	return walkJSONPath(out, strings.Split(strings.TrimPrefix(m[2], "."), "."))
}

// walkJSONPath descends into a JSON document by key path. Missing keys or
// non-object intermediates yield an empty string.
func walkJSONPath(doc string, path []string) string {
	var cur any
	if err := json.Unmarshal([]byte(doc), &cur); err != nil {
		return ""
	}
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = obj[key]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// PlanToolDefinition is the wire definition of the built-in plan tool. An
// agent built with plan execution enabled advertises it alongside its
// registered tools.
func PlanToolDefinition() ToolDefinition {
	return ToolDefinition{
		Name:        PlanToolName,
		Description: "Execute multiple tool calls as a declarative plan. Steps may reference earlier step outputs with $ref:step_id or $ref:step_id.json.path; independent steps run in parallel. Use when you can plan several tool calls upfront.",
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"steps": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"id": {"type": "string", "description": "Unique step identifier"},
							"tool": {"type": "string", "description": "Name of the tool to call"},
							"arguments": {"type": "string", "description": "JSON arguments for the tool, may contain $ref:step_id references"}
						},
						"required": ["id", "tool", "arguments"]
					},
					"description": "Ordered list of tool calls"
				},
				"output_steps": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Step ids whose outputs form the plan result; all steps when omitted"
				}
			},
			"required": ["steps"]
		}`),
	}
}
