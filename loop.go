package agentle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// run is the shared turn loop behind Run, RunStream, and RunMessages. When
// ch is nil it operates in blocking mode; when non-nil it emits StreamEvent
// values and closes ch when done.
func (a *Agent) run(ctx context.Context, session Session, messages []Message, ch chan<- StreamEvent) (result RunResult, err error) {
	// safeCloseCh closes the streaming channel exactly once. All exit paths
	// use this instead of raw close(ch), preventing double-close panics when
	// a handoff target's run has already closed the channel.
	var closeOnce sync.Once
	safeCloseCh := func() {
		if ch != nil {
			closeOnce.Do(func() {
				defer func() { recover() }()
				close(ch)
			})
		}
	}

	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.run",
			StringAttr("agent.name", a.name),
			StringAttr("session.id", session.SessionID))
		defer func() {
			span.SetAttr(
				IntAttr("gen_ai.usage.input_tokens", result.Usage.InputTokens),
				IntAttr("gen_ai.usage.output_tokens", result.Usage.OutputTokens),
				IntAttr("agent.turns", result.TurnsCompleted))
			if err != nil {
				span.Error(err)
			}
			span.End()
		}()
	}
	a.logger.Info("agent run started", "agent", a.name, "session", session.SessionID)

	var totalUsage Usage
	var totalCost float64
	var steps []StepTrace
	turns := 0
	lastResponseID := ""

	finish := func(res RunResult, runErr error) (RunResult, error) {
		safeCloseCh()
		res.Usage = totalUsage
		res.CostUSD = totalCost
		res.TurnsCompleted = turns
		res.LastResponseID = lastResponseID
		res.Steps = steps
		if res.Agent == "" {
			res.Agent = a.name
		}
		return res, runErr
	}

	if a.history != nil && len(messages) > 0 {
		if addErr := a.history.Add(ctx, session.SessionID, messages[len(messages)-1]); addErr != nil {
			a.logger.Warn("history append failed", "error", addErr)
		}
	}

	// Input guardrails run once, on the latest user text.
	if len(messages) > 0 {
		if gerr := runGuardrails(ctx, a.inputGuards, ViolationInput, messages[len(messages)-1].Text()); gerr != nil {
			return finish(RunResult{}, a.fail(PhaseInputGuardrail, turns, lastResponseID, session, gerr))
		}
	}

	for {
		if cerr := ctx.Err(); cerr != nil {
			return finish(RunResult{}, cerr)
		}
		if ch != nil {
			emit(ctx, ch, StreamEvent{Type: EventTurnStart, Name: a.name})
		}

		payload := a.buildPayload(messages, ch != nil, session, lastResponseID)
		var resp Response
		var rerr error
		if ch != nil {
			resp, rerr = a.responder.RespondStream(ctx, payload, ch)
		} else {
			resp, rerr = a.responder.Respond(ctx, payload)
		}
		if rerr != nil {
			phase := PhaseLLMCall
			var ae *ErrAgentExecution
			if errors.As(rerr, &ae) && ae.Phase == PhaseParsing {
				phase = PhaseParsing
				rerr = ae.Cause
			}
			return finish(RunResult{}, a.fail(phase, turns, lastResponseID, session, rerr))
		}
		turns++
		totalUsage = totalUsage.Add(resp.Usage)
		totalCost += resp.CostUSD
		lastResponseID = resp.ID

		if turns > a.maxTurns {
			cause := fmt.Errorf("max turns (%d) exceeded", a.maxTurns)
			return finish(RunResult{}, a.fail(PhaseMaxTurnsExceeded, turns, lastResponseID, session, cause))
		}
		if cerr := ctx.Err(); cerr != nil {
			return finish(RunResult{}, cerr)
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			return a.finishTurnLoop(ctx, session, resp, turns, ch, finish)
		}

		// The assistant's tool-call message joins the log before outputs.
		messages = append(messages, resp.Output...)

		if a.canFanOut(calls) {
			outs, stepTraces, terr := a.executeCallsParallel(ctx, calls, ch)
			if terr != nil {
				return finish(RunResult{}, a.fail(PhaseToolExecution, turns, lastResponseID, session, terr))
			}
			steps = append(steps, stepTraces...)
			for _, out := range outs {
				messages = append(messages, ToolOutputMessage(out))
			}
			continue
		}

		// Tool calls within one assistant turn execute sequentially; only
		// the plan tool fans out internally.
		for _, call := range calls {
			if cerr := ctx.Err(); cerr != nil {
				return finish(RunResult{}, cerr)
			}

			if target, ok := isHandoffCall(call.Name); ok {
				if h, declared := a.handoffFor(target); declared {
					return a.runHandoff(ctx, session, h, call, turns, lastResponseID, messages, ch, safeCloseCh, finish, &steps)
				}
			}

			start := time.Now()
			var out ToolCallOutput
			var terr error
			stepType := "tool"
			if call.Name == PlanToolName && a.planExecution {
				stepType = "plan"
				out, terr = a.executePlanCall(ctx, call)
			} else {
				if ch != nil {
					emit(ctx, ch, StreamEvent{Type: EventToolCallStart, Name: call.Name, Args: json.RawMessage(call.Arguments)})
				}
				out, terr = a.tools.Execute(ctx, call)
			}
			if terr != nil {
				return finish(RunResult{}, a.fail(PhaseToolExecution, turns, lastResponseID, session, terr))
			}
			duration := time.Since(start)
			if ch != nil {
				emit(ctx, ch, StreamEvent{Type: EventToolCallResult, Name: call.Name, Content: out.Output, Duration: duration})
			}
			steps = append(steps, StepTrace{
				Name:     call.Name,
				Type:     stepType,
				Input:    truncateStr(call.Arguments, 200),
				Output:   truncateStr(out.Output, 500),
				Duration: duration,
			})
			messages = append(messages, ToolOutputMessage(out))
		}
	}
}

// finishTurnLoop handles the terminal no-tool-calls response: output
// guardrails, structured parsing, history persistence.
func (a *Agent) finishTurnLoop(ctx context.Context, session Session, resp Response, turns int, ch chan<- StreamEvent, finish func(RunResult, error) (RunResult, error)) (RunResult, error) {
	text := resp.OutputText()

	if gerr := runGuardrails(ctx, a.outputGuards, ViolationOutput, text); gerr != nil {
		return finish(RunResult{}, a.fail(PhaseOutputGuardrail, turns, resp.ID, session, gerr))
	}

	var parsed json.RawMessage
	if a.outputSchema != nil {
		parsed = resp.Parsed()
		if parsed == nil {
			if !json.Valid([]byte(text)) {
				perr := fmt.Errorf("structured output is not valid JSON")
				return finish(RunResult{}, a.fail(PhaseParsing, turns, resp.ID, session, perr))
			}
			parsed = json.RawMessage(text)
		}
	}

	if a.history != nil {
		if addErr := a.history.Add(ctx, session.SessionID, AssistantMessage(resp.ID, text)); addErr != nil {
			a.logger.Warn("history append failed", "error", addErr)
		}
	}
	if ch != nil {
		emit(ctx, ch, StreamEvent{Type: EventDone, Name: a.name, Content: text, Usage: resp.Usage})
	}
	a.logger.Info("agent run completed",
		"agent", a.name,
		"session", session.SessionID,
		"tokens.input", resp.Usage.InputTokens,
		"tokens.output", resp.Usage.OutputTokens)
	return finish(RunResult{OutputText: text, Parsed: parsed}, nil)
}

// runHandoff terminates this agent's loop and continues on the target,
// inheriting the context the handoff's transfer contract dictates.
func (a *Agent) runHandoff(ctx context.Context, session Session, h Handoff, call ToolCall, turns int, lastResponseID string, messages []Message, ch chan<- StreamEvent, safeCloseCh func(), finish func(RunResult, error) (RunResult, error), steps *[]StepTrace) (RunResult, error) {
	if a.pool == nil {
		return finish(RunResult{}, a.fail(PhaseHandoff, turns, lastResponseID, session, fmt.Errorf("agent %q is not registered in a pool", a.name)))
	}
	target, ok := a.pool.Get(h.Target)
	if !ok {
		return finish(RunResult{}, a.fail(PhaseHandoff, turns, lastResponseID, session, fmt.Errorf("handoff target %q not found in pool", h.Target)))
	}

	a.logger.Info("handing off", "from", a.name, "to", h.Target)
	if ch != nil {
		emit(ctx, ch, StreamEvent{Type: EventHandoff, Name: h.Target})
	}
	*steps = append(*steps, StepTrace{
		Name:  h.Target,
		Type:  "handoff",
		Input: truncateStr(call.Arguments, 200),
	})

	transfer := h.Transfer
	if transfer == nil {
		transfer = DefaultTransfer
	}
	child, _ := session.Child()
	res, err := target.RunMessages(ctx, child, transfer(a.name, messages), ch)

	// The target closed ch (or will never use it); make ours idempotent.
	safeCloseCh()

	// Fold this agent's accounting into the target's result. finish would
	// overwrite the target's counters, so return directly.
	merged, _ := finish(RunResult{}, nil)
	res.Usage = res.Usage.Add(merged.Usage)
	res.CostUSD += merged.CostUSD
	res.Steps = append(merged.Steps, res.Steps...)
	return res, err
}

// canFanOut reports whether one turn's calls may execute concurrently:
// parallel execution is on, the turn has more than one call, and none of
// them is a handoff or plan call (those redirect the loop itself).
func (a *Agent) canFanOut(calls []ToolCall) bool {
	if !a.parallelTools || len(calls) < 2 {
		return false
	}
	for _, c := range calls {
		if _, ok := isHandoffCall(c.Name); ok {
			return false
		}
		if c.Name == PlanToolName && a.planExecution {
			return false
		}
	}
	return true
}

// executeCallsParallel runs one turn's tool calls concurrently. Outputs and
// step traces keep the model's call order; the first error by call order
// wins. Start events are emitted before the fan-out and result events after
// it, so the stream stays deterministic.
func (a *Agent) executeCallsParallel(ctx context.Context, calls []ToolCall, ch chan<- StreamEvent) ([]ToolCallOutput, []StepTrace, error) {
	if ch != nil {
		for _, call := range calls {
			emit(ctx, ch, StreamEvent{Type: EventToolCallStart, Name: call.Name, Args: json.RawMessage(call.Arguments)})
		}
	}

	outs := make([]ToolCallOutput, len(calls))
	errs := make([]error, len(calls))
	durations := make([]time.Duration, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			outs[i], errs[i] = a.tools.Execute(ctx, call)
			durations[i] = time.Since(start)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, nil, err
		}
		if ch != nil {
			emit(ctx, ch, StreamEvent{Type: EventToolCallResult, Name: calls[i].Name, Content: outs[i].Output, Duration: durations[i]})
		}
	}

	steps := make([]StepTrace, len(calls))
	for i, call := range calls {
		steps[i] = StepTrace{
			Name:     call.Name,
			Type:     "tool",
			Input:    truncateStr(call.Arguments, 200),
			Output:   truncateStr(outs[i].Output, 500),
			Duration: durations[i],
		}
	}
	return outs, steps, nil
}

// executePlanCall parses and runs a model-issued plan tool call.
func (a *Agent) executePlanCall(ctx context.Context, call ToolCall) (ToolCallOutput, error) {
	var plan ToolPlan
	if uerr := json.Unmarshal([]byte(call.Arguments), &plan); uerr != nil {
		return ToolCallOutput{}, &ErrToolPlan{Message: "invalid plan arguments: " + uerr.Error()}
	}
	exec := NewPlanExecutor(a.tools, PlanLogger(a.logger), PlanTracer(a.tracer))
	result, perr := exec.Execute(ctx, plan)
	if perr != nil {
		return ToolCallOutput{}, perr
	}
	return ToolCallOutput{CallID: call.CallID, Output: result.Format()}, nil
}

// handoffFor returns the handoff declaration for a target name.
func (a *Agent) handoffFor(target string) (Handoff, bool) {
	for _, h := range a.handoffs {
		if h.Target == target {
			return h, true
		}
	}
	return Handoff{}, false
}

// emit sends a stream event unless ctx is cancelled.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
