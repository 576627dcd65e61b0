package agentle

import "encoding/json"

// ResponseStatus is the terminal (or in-flight) state of a model response.
type ResponseStatus string

const (
	StatusInProgress ResponseStatus = "in_progress"
	StatusCompleted  ResponseStatus = "completed"
	StatusFailed     ResponseStatus = "failed"
	StatusCancelled  ResponseStatus = "cancelled"
)

// Usage is the token accounting a response carries.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Add accumulates u2 into u, field by field.
func (u Usage) Add(u2 Usage) Usage {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.TotalTokens += u2.TotalTokens
	u.CachedTokens += u2.CachedTokens
	return u
}

// Response is one parsed model response.
type Response struct {
	ID           string         `json:"id"`
	Status       ResponseStatus `json:"status"`
	Model        string         `json:"model"`
	Output       []Message      `json:"output"`
	Usage        Usage          `json:"usage"`
	CostUSD      float64        `json:"cost_usd,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	CreatedAt    int64          `json:"created_at,omitempty"`
}

// OutputText concatenates all assistant text across output items.
func (r Response) OutputText() string {
	var out string
	for _, m := range r.Output {
		if m.Role == RoleAssistant {
			out += m.Text()
		}
	}
	return out
}

// ToolCalls returns every tool call across output items, in order.
func (r Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, m := range r.Output {
		calls = append(calls, m.ToolCalls()...)
	}
	return calls
}

// Parsed returns the structured-output value of the first assistant message
// that carries one, or nil.
func (r Response) Parsed() json.RawMessage {
	for _, m := range r.Output {
		if m.Role == RoleAssistant && len(m.Parsed) > 0 {
			return m.Parsed
		}
	}
	return nil
}
