package agentle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// toolNamePattern is the legal tool-name grammar.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ToolFunc is a tool body. args is the decoded JSON argument object.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable local function: a wire definition plus its body.
type Tool struct {
	Name        string
	Description string
	Parameters  []byte // JSON Schema for the arguments object
	Strict      bool
	Fn          ToolFunc
}

// Definition returns the wire-facing description of the tool.
func (t Tool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
		Strict:      t.Strict,
	}
}

// ToolRegistry catalogs tools by name and dispatches execution. Registration
// happens at build time; after that the registry is read-heavy, so lookups
// take a read lock only.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. The name must match [A-Za-z0-9_-]{1,64} and be unique
// in the registry; the parameter schema, when present, must compile.
func (r *ToolRegistry) Register(t Tool) error {
	if !toolNamePattern.MatchString(t.Name) {
		return &ErrConfiguration{Field: "tool.name", Message: fmt.Sprintf("invalid tool name %q", t.Name)}
	}
	if t.Fn == nil {
		return &ErrConfiguration{Field: "tool.fn", Message: fmt.Sprintf("tool %q has no body", t.Name)}
	}
	var schema *jsonschema.Schema
	if len(t.Parameters) > 0 {
		var err error
		schema, err = jsonschema.CompileString(t.Name+".json", string(t.Parameters))
		if err != nil {
			return &ErrConfiguration{Field: "tool.parameters", Message: fmt.Sprintf("tool %q: %v", t.Name, err)}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return &ErrConfiguration{Field: "tool.name", Message: fmt.Sprintf("duplicate tool name %q", t.Name)}
	}
	r.tools[t.Name] = t
	if schema != nil {
		r.compiled[t.Name] = schema
	}
	return nil
}

// Unregister removes a tool by name. Removing an absent name is a no-op.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Contains reports whether name is registered.
func (r *ToolRegistry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the named tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tool definitions sorted by name, the order the
// Responder lists them on the wire.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute looks up the tool, validates and decodes the argument JSON against
// its schema, and invokes the body. Any failure is wrapped as
// ErrToolExecution. No retry, no timeout: the caller owns both.
func (r *ToolRegistry) Execute(ctx context.Context, call ToolCall) (ToolCallOutput, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		return ToolCallOutput{}, &ErrToolExecution{
			Tool:      call.Name,
			CallID:    call.CallID,
			Arguments: call.Arguments,
			Cause:     fmt.Errorf("unknown tool"),
		}
	}

	args := map[string]any{}
	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return ToolCallOutput{}, &ErrToolExecution{
			Tool:      call.Name,
			CallID:    call.CallID,
			Arguments: call.Arguments,
			Cause:     fmt.Errorf("invalid argument JSON: %w", err),
		}
	}
	r.mu.RLock()
	schema := r.compiled[call.Name]
	r.mu.RUnlock()
	if schema != nil {
		if err := schema.Validate(decoded); err != nil {
			return ToolCallOutput{}, &ErrToolExecution{
				Tool:      call.Name,
				CallID:    call.CallID,
				Arguments: call.Arguments,
				Cause:     fmt.Errorf("arguments do not match schema: %w", err),
			}
		}
	}
	if m, ok := decoded.(map[string]any); ok {
		args = m
	}

	out, err := tool.Fn(ctx, args)
	if err != nil {
		return ToolCallOutput{}, &ErrToolExecution{
			Tool:      call.Name,
			CallID:    call.CallID,
			Arguments: call.Arguments,
			Cause:     err,
		}
	}
	return ToolCallOutput{CallID: call.CallID, Output: out}, nil
}
