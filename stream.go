package agentle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTurnStart signals a new turn is beginning. Name carries the
	// agent name.
	EventTurnStart StreamEventType = "turn-start"
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventHandoff signals the conversation moved to another agent.
	// Name carries the target agent name.
	EventHandoff StreamEventType = "handoff"
	// EventDone signals terminal success; Content carries the final text.
	EventDone StreamEventType = "done"
	// EventError signals terminal failure; Content carries the error text.
	EventError StreamEventType = "error"
)

// StreamEvent is a typed event emitted during streaming execution.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Name is the tool or agent name (empty for text-delta).
	Name string `json:"name,omitempty"`
	// Content carries the text delta, tool result, or final/error text.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// Usage carries token counts; set on done events.
	Usage Usage `json:"usage,omitempty"`
	// Duration is the wall-clock time of the completed step.
	Duration time.Duration `json:"duration,omitempty"`
}

// StreamCallbacks is the callback-style streaming surface consumed by
// Agent.RunCallbacks. OnTextDelta fires per delta in arrival order; exactly
// one of OnComplete or OnError fires afterwards, never both, and no delta is
// delivered after either. Nil callbacks are skipped.
type StreamCallbacks struct {
	OnTextDelta func(delta string)
	OnComplete  func(RunResult)
	OnError     func(error)
}

// RunCallbacks executes the turn loop like RunStream, but dispatches the
// stream to cb instead of a channel. All callbacks fire on the calling
// goroutine.
func (a *Agent) RunCallbacks(ctx context.Context, input string, cb StreamCallbacks) (RunResult, error) {
	ch := make(chan StreamEvent, 64)

	type execResult struct {
		result RunResult
		err    error
	}
	resultCh := make(chan execResult, 1)
	go func() {
		result, err := a.RunStream(ctx, input, ch)
		resultCh <- execResult{result, err}
	}()

	// RunStream closes ch, so the drain sees every delta before the
	// terminal callback fires.
	for ev := range ch {
		if ev.Type == EventTextDelta && cb.OnTextDelta != nil {
			cb.OnTextDelta(ev.Content)
		}
	}

	res := <-resultCh
	if res.err != nil {
		if cb.OnError != nil {
			cb.OnError(res.err)
		}
		return res.result, res.err
	}
	if cb.OnComplete != nil {
		cb.OnComplete(res.result)
	}
	return res.result, nil
}

// safeCloser closes a StreamEvent channel exactly once. Every producer exit
// path funnels through Close so consumers ranging over the channel always
// unblock.
type safeCloser struct {
	ch   chan StreamEvent
	once sync.Once
}

func newSafeCloser(ch chan StreamEvent) *safeCloser { return &safeCloser{ch: ch} }

func (s *safeCloser) Close() { s.once.Do(func() { close(s.ch) }) }

// ServeSSE streams an agent run as Server-Sent Events over HTTP. Each event
// is written as:
//
//	event: <event-type>
//	data: <json-encoded StreamEvent>
//
// On success a final "done" event is sent; on failure an "error" event.
// Client disconnection propagates via ctx cancellation. Callers typically
// pass r.Context() as ctx.
func ServeSSE(ctx context.Context, w http.ResponseWriter, agent *Agent, input string) (RunResult, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return RunResult{}, fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan StreamEvent, 64)
	closer := newSafeCloser(ch)

	type execResult struct {
		result RunResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				closer.Close()
				resultCh <- execResult{RunResult{}, fmt.Errorf("agent panic: %v", p)}
				return
			}
		}()
		result, err := agent.RunStream(ctx, input, ch)
		closer.Close()
		resultCh <- execResult{result, err}
	}()

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}

	res := <-resultCh
	if res.err != nil {
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", res.err.Error())
		flusher.Flush()
		return res.result, res.err
	}
	fmt.Fprintf(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
	return res.result, nil
}
