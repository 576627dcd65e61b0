package agentle

// ToolChoiceMode selects how the model may use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

// ToolChoice is the tool-choice policy on a payload. Name is only consulted
// in named mode.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ResponsePayload is everything the Responder needs to build one model
// request. Zero-valued optional fields are omitted from the wire body.
type ResponsePayload struct {
	Model        string
	Input        []Message // ordered messages plus prior tool-call outputs
	Instructions string    // developer-message convenience

	MaxOutputTokens int
	MaxToolCalls    int
	Temperature     *float64 // nil = vendor default; 0 is a legal value
	TopP            *float64

	Tools      []ToolDefinition
	ToolChoice ToolChoice

	// OutputSchema requests structured output. When set, the Responder
	// attaches the strict schema and parses the final assistant text
	// against it.
	OutputSchema *OutputSchema

	Stream bool

	// Store asks the vendor to retain the response; PreviousResponseID
	// chains onto a retained conversation.
	Store              bool
	PreviousResponseID string

	// Metadata rides along as request headers and vendor metadata.
	Session Session
}

// OutputSchema names a strict JSON schema for structured output.
type OutputSchema struct {
	Name   string
	Schema []byte // strict JSON Schema document
}

// ToolDefinition is the wire-facing description of one callable tool.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  []byte `json:"parameters"` // JSON Schema
	Strict      bool   `json:"strict"`
}

// Validate enforces the payload invariants before any network activity.
func (p ResponsePayload) Validate() error {
	if p.Model == "" {
		return &ErrConfiguration{Field: "model", Message: "model is required"}
	}
	if len(p.Input) == 0 && p.Instructions == "" {
		return &ErrConfiguration{Field: "input", Message: "payload needs input messages or instructions"}
	}
	if p.MaxToolCalls < 0 {
		return &ErrConfiguration{Field: "max_tool_calls", Message: "must be >= 0"}
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return &ErrConfiguration{Field: "temperature", Message: "must be in [0, 2]"}
	}
	if p.TopP != nil && (*p.TopP <= 0 || *p.TopP > 1) {
		return &ErrConfiguration{Field: "top_p", Message: "must be in (0, 1]"}
	}
	for _, m := range p.Input {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}
