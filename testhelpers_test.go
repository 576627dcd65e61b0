package agentle

import (
	"context"
	"fmt"
	"sync"
)

// scriptedResponder replays a fixed sequence of responses, recording every
// payload it was asked to send. Shared across agent_test.go, loop tests, and
// stream tests.
type scriptedResponder struct {
	mu     sync.Mutex
	script []scriptStep
	calls  []ResponsePayload
}

type scriptStep struct {
	resp Response
	err  error
}

func (s *scriptedResponder) Name() string { return "scripted" }

func (s *scriptedResponder) next(p ResponsePayload) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	if len(s.script) == 0 {
		return Response{}, fmt.Errorf("scripted responder exhausted after %d calls", len(s.calls))
	}
	step := s.script[0]
	s.script = s.script[1:]
	return step.resp, step.err
}

func (s *scriptedResponder) Respond(_ context.Context, p ResponsePayload) (Response, error) {
	return s.next(p)
}

func (s *scriptedResponder) RespondStream(ctx context.Context, p ResponsePayload, ch chan<- StreamEvent) (Response, error) {
	resp, err := s.next(p)
	if err != nil {
		return Response{}, err
	}
	if ch != nil {
		for _, r := range resp.OutputText() {
			select {
			case ch <- StreamEvent{Type: EventTextDelta, Content: string(r)}:
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}
	}
	return resp, nil
}

func (s *scriptedResponder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// textResponse builds a completed single-text response.
func textResponse(id, text string) Response {
	return Response{
		ID:     id,
		Status: StatusCompleted,
		Output: []Message{AssistantMessage(id+"-msg", text)},
		Usage:  Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// toolCallResponse builds a completed response carrying one tool call.
func toolCallResponse(id, callID, tool, args string) Response {
	return Response{
		ID:     id,
		Status: StatusCompleted,
		Output: []Message{ToolCallMessage(id+"-msg", ToolCall{CallID: callID, Name: tool, Arguments: args})},
		Usage:  Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// echoTool returns its "text" argument verbatim.
func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo the text argument",
		Parameters:  []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
}

// failTool always errors.
func failTool() Tool {
	return Tool{
		Name:        "always_fails",
		Description: "Always fails",
		Fn: func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("tool broken")
		},
	}
}

// mustRegistry builds a registry from tools, failing the caller's test setup
// loudly on registration errors.
func mustRegistry(tools ...Tool) *ToolRegistry {
	r := NewToolRegistry()
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}
