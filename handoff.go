package agentle

import (
	"fmt"
	"strings"
	"sync"
)

// handoffPrefix is prepended to the target agent name to form the handoff
// tool name the model sees.
const handoffPrefix = "handoff_to_"

// TransferFunc decides what conversation context the target agent inherits.
// It receives the source agent's name and the full message log and returns
// the messages the target starts from.
type TransferFunc func(from string, messages []Message) []Message

// Handoff declares that an agent may delegate the conversation to another
// agent. Target is the target's name in the shared AgentPool; agents
// reference each other by name rather than pointer, which keeps mutual
// handoff graphs (A to B, B to A) free of reference cycles. Each handoff
// declares its own context-transfer contract via Transfer; nil means
// DefaultTransfer.
type Handoff struct {
	Target      string
	Description string
	Transfer    TransferFunc
}

// DefaultTransfer copies the full message log and appends a developer note
// naming the source agent.
func DefaultTransfer(from string, messages []Message) []Message {
	out := make([]Message, len(messages), len(messages)+1)
	copy(out, messages)
	return append(out, DeveloperMessage(fmt.Sprintf("Conversation handed off from agent %q.", from)))
}

// toolName returns the handoff tool name advertised to the model.
func (h Handoff) toolName() string { return handoffPrefix + h.Target }

// definition returns the wire definition of the handoff tool.
func (h Handoff) definition() ToolDefinition {
	desc := h.Description
	if desc == "" {
		desc = "Hand the conversation off to the " + h.Target + " agent."
	}
	return ToolDefinition{
		Name:        h.toolName(),
		Description: desc,
		Parameters:  []byte(`{"type":"object","properties":{"reason":{"type":"string","description":"Why the conversation is being handed off"}},"required":[],"additionalProperties":false}`),
	}
}

// isHandoffCall reports whether a tool name is a handoff tool and returns
// the target agent name.
func isHandoffCall(name string) (string, bool) {
	target, ok := strings.CutPrefix(name, handoffPrefix)
	if !ok || target == "" {
		return "", false
	}
	return target, true
}

// AgentPool is the shared table agents resolve handoff targets from. Safe
// for concurrent use; registration normally happens once at wiring time.
type AgentPool struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewAgentPool creates an empty pool.
func NewAgentPool() *AgentPool {
	return &AgentPool{agents: make(map[string]*Agent)}
}

// Register adds an agent under its name and points the agent back at the
// pool so its handoffs resolve here. Duplicate names are rejected.
func (p *AgentPool) Register(a *Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.agents[a.name]; dup {
		return &ErrConfiguration{Field: "agent.name", Message: fmt.Sprintf("duplicate agent name %q", a.name)}
	}
	p.agents[a.name] = a
	a.pool = p
	return nil
}

// Get resolves an agent by name.
func (p *AgentPool) Get(name string) (*Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[name]
	return a, ok
}
