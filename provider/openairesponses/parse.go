package openairesponses

import (
	"github.com/paragon-intelligence/agentle"
)

// parseResponse converts a wire response into an agentle.Response. Reasoning
// items are dropped; message and function_call items map to Messages in
// arrival order.
func parseResponse(wire responseBody) agentle.Response {
	resp := agentle.Response{
		ID:        wire.ID,
		Status:    agentle.ResponseStatus(wire.Status),
		Model:     wire.Model,
		CreatedAt: wire.CreatedAt,
	}

	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			msg := agentle.Message{ID: item.ID, Role: agentle.Role(item.Role)}
			if msg.Role == "" {
				msg.Role = agentle.RoleAssistant
			}
			for _, block := range item.Content {
				if block.Type == "output_text" || block.Type == "text" {
					msg.Content = append(msg.Content, agentle.TextContent(block.Text))
				}
			}
			if len(msg.Content) > 0 {
				resp.Output = append(resp.Output, msg)
			}
		case "function_call":
			// Arguments pass through verbatim, malformed or not; the tool
			// registry classifies bad JSON as ErrToolExecution at call time.
			resp.Output = append(resp.Output, agentle.ToolCallMessage(item.ID, agentle.ToolCall{
				CallID:    item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			}))
		}
	}

	if wire.Usage != nil {
		resp.Usage = agentle.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.TotalTokens,
			CachedTokens: wire.Usage.CachedTokens,
		}
		if wire.Usage.InputTokensDetails != nil && resp.Usage.CachedTokens == 0 {
			resp.Usage.CachedTokens = wire.Usage.InputTokensDetails.CachedTokens
		}
		if resp.Usage.TotalTokens == 0 {
			resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
		}
	}

	resp.FinishReason = finishReason(wire)
	return resp
}

func finishReason(wire responseBody) string {
	switch {
	case wire.Status == "completed":
		return "stop"
	case wire.IncompleteDetails != nil:
		return wire.IncompleteDetails.Reason
	case wire.Error != nil:
		return wire.Error.Code
	}
	return ""
}
