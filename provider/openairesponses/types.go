// Package openairesponses implements the Responder contract against the
// OpenAI Responses API and compatible servers.
//
// The package splits along the same seams as the transport itself: body
// building, HTTP send with retry, response parsing, and SSE streaming, so
// each piece is testable against recorded payloads.
package openairesponses

import "encoding/json"

// --- Request types ---

// requestBody is the POST {base_url}/responses payload.
type requestBody struct {
	Model              string            `json:"model"`
	Input              []inputItem       `json:"input"`
	Instructions       string            `json:"instructions,omitempty"`
	MaxOutputTokens    int               `json:"max_output_tokens,omitempty"`
	MaxToolCalls       int               `json:"max_tool_calls,omitempty"`
	Temperature        *float64          `json:"temperature,omitempty"`
	TopP               *float64          `json:"top_p,omitempty"`
	Tools              []toolParam       `json:"tools,omitempty"`
	ToolChoice         any               `json:"tool_choice,omitempty"`
	Text               *textParam        `json:"text,omitempty"`
	Stream             bool              `json:"stream,omitempty"`
	Store              *bool             `json:"store,omitempty"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// inputItem is one ordered entry in the input array: a message, a prior
// function call, or a function call output.
type inputItem struct {
	Type string `json:"type"`

	// type == "message"
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`

	// type == "function_call"
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// type == "function_call_output"
	Output string `json:"output,omitempty"`
}

// contentBlock is a typed fragment of message content.
type contentBlock struct {
	Type     string `json:"type"` // input_text, input_image, input_file, output_text
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

// toolParam is a function tool declaration.
type toolParam struct {
	Type        string          `json:"type"` // always "function"
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

// namedToolChoice forces a specific function.
type namedToolChoice struct {
	Type string `json:"type"` // "function"
	Name string `json:"name"`
}

// textParam carries the structured-output format.
type textParam struct {
	Format formatParam `json:"format"`
}

type formatParam struct {
	Type   string          `json:"type"` // "json_schema"
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

// --- Response types ---

// responseBody is the Responses API response object, also carried whole in
// the response.completed streaming frame.
type responseBody struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Status            string             `json:"status"`
	Model             string             `json:"model"`
	Output            []outputItem       `json:"output"`
	Usage             *usagePayload      `json:"usage,omitempty"`
	CreatedAt         int64              `json:"created_at"`
	IncompleteDetails *incompleteDetails `json:"incomplete_details,omitempty"`
	Error             *responseError     `json:"error,omitempty"`
}

// outputItem is one entry in the ordered output array.
type outputItem struct {
	Type    string         `json:"type"` // message, function_call, reasoning
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`

	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
}

type incompleteDetails struct {
	Reason string `json:"reason,omitempty"`
}

type responseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// deltaFrame is the data payload of a response.output_text.delta event.
type deltaFrame struct {
	Delta string `json:"delta"`
}
