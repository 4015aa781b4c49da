package fusion

import (
	"github.com/vinkius-labs/mcp-fusion/guard"
)

// Tool is a compiled fused tool: one registered name exposing several
// actions behind a discriminator argument. Tools are produced by
// ToolBuilder.Build and are immutable afterwards; a single Tool instance
// is shared by every concurrent call.
type Tool struct {
	name           string
	description    string
	discriminator  string
	actions        map[string]*Action
	order          []string
	guard          *guard.Guard
	serializer     *guard.Serializer
	maxResultBytes int
	inputSchema    map[string]any
}

// Name returns the tool name used for registration and tools/list.
func (t *Tool) Name() string { return t.name }

// Description returns the tool description.
func (t *Tool) Description() string { return t.description }

// Discriminator returns the argument field that selects the action.
func (t *Tool) Discriminator() string { return t.discriminator }

// Action returns the action registered for the given discriminator value.
func (t *Tool) Action(key string) (*Action, bool) {
	a, ok := t.actions[key]
	return a, ok
}

// Actions returns all actions in declaration order.
func (t *Tool) Actions() []*Action {
	out := make([]*Action, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.actions[key])
	}
	return out
}

// ActionKeys returns the registered discriminator values in declaration
// order.
func (t *Tool) ActionKeys() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Guard returns the tool-level concurrency guard, or nil when the builder
// configured none.
func (t *Tool) Guard() *guard.Guard { return t.guard }

// Serializer returns the tool's mutation serializer. Destructive calls are
// funneled through it keyed by Action.SerialKeyFor.
func (t *Tool) Serializer() *guard.Serializer { return t.serializer }

// MaxResultBytes returns the tool-level output bound.
func (t *Tool) MaxResultBytes() int { return t.maxResultBytes }

// Descriptor returns the tools/list descriptor: the tool name, description
// and the fused input schema advertising the discriminator enum plus one
// subschema per action.
func (t *Tool) Descriptor() Descriptor {
	return Descriptor{
		Name:        t.name,
		Description: t.description,
		InputSchema: t.inputSchema,
	}
}

// Descriptor describes one tool for listings. InputSchema is a JSON Schema
// document; callers must treat it as read-only.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}
