package agentle

import (
	"encoding/json"
	"fmt"
)

// Role is the author of a Message.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType discriminates Content variants on the wire.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImage      ContentType = "image"
	ContentFile       ContentType = "file"
	ContentToolCall   ContentType = "tool_call"
	ContentToolOutput ContentType = "tool_output"
)

// Content is one item inside a Message. Exactly the fields for its Type are
// set; everything else is zero. Modeled as a single tagged struct rather than
// an interface so the JSON wire format and the runtime dispatch live in one
// place.
type Content struct {
	Type ContentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image: either URL or inline Data+MimeType
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// file: URL or Base64 + Filename
	Filename string `json:"filename,omitempty"`
	Base64   string `json:"base64,omitempty"`

	// tool_call / tool_output
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolOutput *ToolCallOutput `json:"tool_output,omitempty"`
}

// Message is a polymorphic conversation record. Assistant messages produced
// by the model always carry an ID; Parsed holds the structured-output value
// when one was requested.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Role    Role            `json:"role"`
	Content []Content       `json:"content"`
	Parsed  json.RawMessage `json:"parsed,omitempty"`
}

// ToolCall is a model-issued request to invoke a local tool. Arguments is the
// raw JSON argument text as the model produced it.
type ToolCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallOutput carries a tool's result back to the model, correlated by
// CallID.
type ToolCallOutput struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// TextContent builds a text content item.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ImageURLContent builds an image content item referencing a URL.
func ImageURLContent(url string) Content {
	return Content{Type: ContentImage, URL: url}
}

// ImageDataContent builds an inline image content item.
func ImageDataContent(data []byte, mimeType string) Content {
	return Content{Type: ContentImage, Data: data, MimeType: mimeType}
}

// FileContent builds a file content item from base64 data.
func FileContent(filename, base64Data string) Content {
	return Content{Type: ContentFile, Filename: filename, Base64: base64Data}
}

// UserMessage builds a single-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []Content{TextContent(text)}}
}

// DeveloperMessage builds a single-text developer (instructions) message.
func DeveloperMessage(text string) Message {
	return Message{Role: RoleDeveloper, Content: []Content{TextContent(text)}}
}

// AssistantMessage builds a single-text assistant message.
func AssistantMessage(id, text string) Message {
	return Message{ID: id, Role: RoleAssistant, Content: []Content{TextContent(text)}}
}

// ToolCallMessage wraps a model tool call as an assistant message item.
func ToolCallMessage(id string, call ToolCall) Message {
	return Message{ID: id, Role: RoleAssistant, Content: []Content{{Type: ContentToolCall, ToolCall: &call}}}
}

// ToolOutputMessage wraps a tool result as a user-side message item.
func ToolOutputMessage(out ToolCallOutput) Message {
	return Message{Role: RoleUser, Content: []Content{{Type: ContentToolOutput, ToolOutput: &out}}}
}

// Validate checks the message invariants: at least one content item, a known
// role, and variant-consistent content.
func (m Message) Validate() error {
	switch m.Role {
	case RoleDeveloper, RoleUser, RoleAssistant:
	default:
		return &ErrConfiguration{Field: "role", Message: fmt.Sprintf("unknown role %q", m.Role)}
	}
	if len(m.Content) == 0 {
		return &ErrConfiguration{Field: "content", Message: "message must have at least one content item"}
	}
	for i, c := range m.Content {
		if err := c.validate(); err != nil {
			return &ErrConfiguration{Field: fmt.Sprintf("content[%d]", i), Message: err.Error()}
		}
	}
	return nil
}

func (c Content) validate() error {
	switch c.Type {
	case ContentText:
		return nil
	case ContentImage:
		if c.URL == "" && len(c.Data) == 0 {
			return fmt.Errorf("image content needs a url or inline data")
		}
	case ContentFile:
		if c.URL == "" && c.Base64 == "" {
			return fmt.Errorf("file content needs a url or base64 data")
		}
	case ContentToolCall:
		if c.ToolCall == nil {
			return fmt.Errorf("tool_call content needs a tool call")
		}
	case ContentToolOutput:
		if c.ToolOutput == nil {
			return fmt.Errorf("tool_output content needs an output")
		}
	default:
		return fmt.Errorf("unknown content type %q", c.Type)
	}
	return nil
}

// Text concatenates the message's text content items.
func (m Message) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Type == ContentText {
			out += c.Text
		}
	}
	return out
}

// ToolCalls returns the tool calls carried by the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, c := range m.Content {
		if c.Type == ContentToolCall && c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
	}
	return calls
}
