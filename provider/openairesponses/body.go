package openairesponses

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/paragon-intelligence/agentle"
)

// buildBody converts a ResponsePayload into the Responses API request body.
// Tool calls and their outputs flatten into top-level input items; everything
// else becomes a message item with typed content blocks.
func buildBody(p agentle.ResponsePayload) requestBody {
	body := requestBody{
		Model:              p.Model,
		Instructions:       p.Instructions,
		MaxOutputTokens:    p.MaxOutputTokens,
		MaxToolCalls:       p.MaxToolCalls,
		Temperature:        p.Temperature,
		TopP:               p.TopP,
		Stream:             p.Stream,
		PreviousResponseID: p.PreviousResponseID,
	}
	if p.Store {
		store := true
		body.Store = &store
	}
	if p.Session.SessionID != "" {
		body.Metadata = map[string]string{"session_id": p.Session.SessionID}
	}

	for _, m := range p.Input {
		body.Input = append(body.Input, inputItems(m)...)
	}

	for _, t := range p.Tools {
		params := json.RawMessage(t.Parameters)
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{},"required":[],"additionalProperties":false}`)
		}
		body.Tools = append(body.Tools, toolParam{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
			Strict:      t.Strict,
		})
	}

	switch p.ToolChoice.Mode {
	case agentle.ToolChoiceRequired, agentle.ToolChoiceNone:
		body.ToolChoice = string(p.ToolChoice.Mode)
	case agentle.ToolChoiceNamed:
		body.ToolChoice = namedToolChoice{Type: "function", Name: p.ToolChoice.Name}
	}
	// auto (and the zero value) is the vendor default; omit it.

	if p.OutputSchema != nil {
		body.Text = &textParam{Format: formatParam{
			Type:   "json_schema",
			Name:   p.OutputSchema.Name,
			Schema: json.RawMessage(p.OutputSchema.Schema),
			Strict: true,
		}}
	}

	return body
}

// inputItems flattens one Message into wire input items. Text, image, and
// file content stay grouped in a single message item; tool calls and outputs
// each become their own item.
func inputItems(m agentle.Message) []inputItem {
	var items []inputItem
	var blocks []contentBlock

	flushBlocks := func() {
		if len(blocks) > 0 {
			items = append(items, inputItem{Type: "message", Role: string(m.Role), Content: blocks})
			blocks = nil
		}
	}

	textType := "input_text"
	if m.Role == agentle.RoleAssistant {
		textType = "output_text"
	}

	for _, c := range m.Content {
		switch c.Type {
		case agentle.ContentText:
			blocks = append(blocks, contentBlock{Type: textType, Text: c.Text})
		case agentle.ContentImage:
			url := c.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", c.MimeType, base64.StdEncoding.EncodeToString(c.Data))
			}
			blocks = append(blocks, contentBlock{Type: "input_image", ImageURL: url})
		case agentle.ContentFile:
			if c.URL != "" {
				blocks = append(blocks, contentBlock{Type: "input_file", FileURL: c.URL})
			} else {
				blocks = append(blocks, contentBlock{Type: "input_file", Filename: c.Filename, FileData: c.Base64})
			}
		case agentle.ContentToolCall:
			flushBlocks()
			items = append(items, inputItem{
				Type:      "function_call",
				CallID:    c.ToolCall.CallID,
				Name:      c.ToolCall.Name,
				Arguments: c.ToolCall.Arguments,
			})
		case agentle.ContentToolOutput:
			flushBlocks()
			items = append(items, inputItem{
				Type:   "function_call_output",
				CallID: c.ToolOutput.CallID,
				Output: c.ToolOutput.Output,
			})
		}
	}
	flushBlocks()
	return items
}
