package fusion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vinkius-labs/mcp-fusion/guard"
)

// DefaultDiscriminator is the argument field used to route calls when the
// builder does not configure one.
const DefaultDiscriminator = "action"

// ToolBuilder provides a fluent API for declaring a fused tool: one tool
// name exposing many actions behind a discriminator field.
//
// Example usage:
//
//	tool, err := fusion.NewTool("notes").
//	    Description("Manage notes").
//	    Guard(8, 32).
//	    Action("list").
//	        Schema(map[string]any{"type": "object"}).
//	        ReadOnly().
//	        Handle(listNotes).
//	        Done().
//	    Action("delete").
//	        Destructive().
//	        Handle(deleteNote).
//	        Done().
//	    Build()
type ToolBuilder struct {
	name           string
	description    string
	discriminator  string
	guardCfg       *guard.Config
	maxResultBytes int
	middleware     []Middleware
	actions        []*actionSpec
	keys           map[string]bool
	errors         []error
}

type actionSpec struct {
	key            string
	description    string
	schema         map[string]any
	destructive    bool
	readOnly       bool
	idempotent     bool
	serialKey      SerialKeyFunc
	presenter      Presenter
	guardCfg       *guard.Config
	maxResultBytes int
	middleware     []Middleware
	handler        HandlerFunc
}

// NewTool creates a builder for a fused tool with the given name.
func NewTool(name string) *ToolBuilder {
	return &ToolBuilder{
		name:    name,
		actions: make([]*actionSpec, 0),
		keys:    make(map[string]bool),
		errors:  make([]error, 0),
	}
}

// Description sets the tool description shown in listings.
func (b *ToolBuilder) Description(d string) *ToolBuilder {
	b.description = d
	return b
}

// Discriminator overrides the argument field that selects the action.
// The default is "action".
func (b *ToolBuilder) Discriminator(field string) *ToolBuilder {
	if field == "" {
		b.errors = append(b.errors, fmt.Errorf("discriminator cannot be empty"))
		return b
	}
	b.discriminator = field
	return b
}

// Guard configures a concurrency guard shared by every action of the tool.
// At most maxActive calls run at once; up to maxQueue further calls wait in
// arrival order; beyond that calls are shed immediately. Individual actions
// may override with their own guard.
func (b *ToolBuilder) Guard(maxActive, maxQueue int) *ToolBuilder {
	b.guardCfg = &guard.Config{MaxActive: maxActive, MaxQueue: maxQueue}
	return b
}

// MaxResultBytes bounds the serialized size of every action's output.
// Individual actions may override.
func (b *ToolBuilder) MaxResultBytes(n int) *ToolBuilder {
	if n <= 0 {
		b.errors = append(b.errors, fmt.Errorf("max result bytes must be positive, got %d", n))
		return b
	}
	b.maxResultBytes = n
	return b
}

// Use appends middleware applied to every action of the tool. Tool
// middleware wraps outside any action middleware.
func (b *ToolBuilder) Use(mw ...Middleware) *ToolBuilder {
	b.middleware = append(b.middleware, mw...)
	return b
}

// Action starts declaring an action routed by the given discriminator
// value. Finish with Done to return to the tool builder.
func (b *ToolBuilder) Action(key string) *ActionBuilder {
	spec := &actionSpec{key: key}
	if key == "" {
		b.errors = append(b.errors, fmt.Errorf("action key cannot be empty"))
	} else if b.keys[key] {
		b.errors = append(b.errors, fmt.Errorf("duplicate action %q", key))
	} else {
		b.keys[key] = true
	}
	b.actions = append(b.actions, spec)
	return &ActionBuilder{parent: b, spec: spec}
}

// Errors returns any errors accumulated while building.
func (b *ToolBuilder) Errors() []error {
	return b.errors
}

// Build validates the declaration and compiles the tool. Schemas are
// compiled once here; calls reuse the compiled form.
func (b *ToolBuilder) Build() (*Tool, error) {
	if b.name == "" {
		b.errors = append(b.errors, fmt.Errorf("tool name cannot be empty"))
	}
	if len(b.actions) == 0 {
		b.errors = append(b.errors, fmt.Errorf("tool requires at least one action"))
	}
	discriminator := b.discriminator
	if discriminator == "" {
		discriminator = DefaultDiscriminator
	}

	for _, spec := range b.actions {
		if spec.handler == nil {
			b.errors = append(b.errors, fmt.Errorf("action %q has no handler", spec.key))
		}
		if spec.destructive && spec.readOnly {
			b.errors = append(b.errors, fmt.Errorf("action %q cannot be both destructive and read-only", spec.key))
		}
		if spec.schema != nil {
			if props, ok := spec.schema["properties"].(map[string]any); ok {
				if _, clash := props[discriminator]; clash {
					b.errors = append(b.errors, fmt.Errorf("action %q schema declares the discriminator field %q", spec.key, discriminator))
				}
			}
		}
	}

	if len(b.errors) > 0 {
		return nil, fmt.Errorf("tool builder errors: %v", b.errors)
	}

	var toolGuard *guard.Guard
	if b.guardCfg != nil {
		toolGuard = guard.New(*b.guardCfg)
	}
	toolMax := b.maxResultBytes
	if toolMax == 0 {
		toolMax = DefaultMaxResultBytes
	}

	compiler := jsonschema.NewCompiler()
	t := &Tool{
		name:           b.name,
		description:    b.description,
		discriminator:  discriminator,
		actions:        make(map[string]*Action, len(b.actions)),
		order:          make([]string, 0, len(b.actions)),
		guard:          toolGuard,
		serializer:     guard.NewSerializer(),
		maxResultBytes: toolMax,
		inputSchema:    fusedInputSchema(discriminator, b.actions),
	}

	for _, spec := range b.actions {
		act := &Action{
			Key:         spec.key,
			Description: spec.description,
			Destructive: spec.destructive,
			ReadOnly:    spec.readOnly,
			Idempotent:  spec.idempotent,
			InputSchema: spec.schema,
			serialKey:   spec.serialKey,
			presenter:   spec.presenter,
		}

		if spec.schema != nil {
			data, err := json.Marshal(spec.schema)
			if err != nil {
				return nil, fmt.Errorf("action %q: marshal schema: %w", spec.key, err)
			}
			url := fmt.Sprintf("inmemory://%s/%s.json", b.name, spec.key)
			if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("action %q: add schema resource: %w", spec.key, err)
			}
			compiled, err := compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("action %q: compile schema: %w", spec.key, err)
			}
			act.schema = compiled
			act.properties = make(map[string]bool)
			if props, ok := spec.schema["properties"].(map[string]any); ok {
				for name := range props {
					act.properties[name] = true
				}
			}
		}

		act.guard = toolGuard
		if spec.guardCfg != nil {
			act.guard = guard.New(*spec.guardCfg)
		}
		act.maxResultBytes = toolMax
		if spec.maxResultBytes > 0 {
			act.maxResultBytes = spec.maxResultBytes
		}

		mw := make([]Middleware, 0, len(b.middleware)+len(spec.middleware))
		mw = append(mw, b.middleware...)
		mw = append(mw, spec.middleware...)
		act.invoke = Chain(spec.handler, mw...)

		t.actions[spec.key] = act
		t.order = append(t.order, spec.key)
	}

	return t, nil
}

// MustBuild is like Build but panics on error.
// Useful in tests and examples.
func (b *ToolBuilder) MustBuild() *Tool {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

// fusedInputSchema builds the tools/list input schema for a fused tool:
// an object whose discriminator property enumerates the action keys, with
// one oneOf variant per action pinning the discriminator to that key and
// carrying the action's declared properties.
func fusedInputSchema(discriminator string, specs []*actionSpec) map[string]any {
	keys := make([]any, 0, len(specs))
	variants := make([]any, 0, len(specs))

	for _, spec := range specs {
		keys = append(keys, spec.key)

		props := map[string]any{
			discriminator: map[string]any{"const": spec.key},
		}
		required := []any{discriminator}
		if spec.schema != nil {
			if declared, ok := spec.schema["properties"].(map[string]any); ok {
				for name, sub := range declared {
					props[name] = sub
				}
			}
			required = append(required, requiredNames(spec.schema)...)
		}

		variant := map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		}
		if spec.description != "" {
			variant["description"] = spec.description
		}
		variants = append(variants, variant)
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			discriminator: map[string]any{
				"type":        "string",
				"enum":        keys,
				"description": "Selects the operation to perform.",
			},
		},
		"required": []any{discriminator},
		"oneOf":    variants,
	}
}

// requiredNames reads a schema's required list, accepting both the
// []string shape Go callers write and the []any shape JSON decoding
// produces.
func requiredNames(schema map[string]any) []any {
	switch req := schema["required"].(type) {
	case []any:
		return req
	case []string:
		out := make([]any, len(req))
		for i, name := range req {
			out[i] = name
		}
		return out
	default:
		return nil
	}
}

// ActionBuilder declares a single action of a fused tool.
type ActionBuilder struct {
	parent *ToolBuilder
	spec   *actionSpec
}

// Description sets the action description shown in listings.
func (ab *ActionBuilder) Description(d string) *ActionBuilder {
	ab.spec.description = d
	return ab
}

// Schema declares the action's input schema as a raw JSON Schema document.
// Arguments are validated against it before the handler runs, and keys not
// listed under "properties" are dropped. The discriminator field belongs
// to the tool and must not appear in the schema.
func (ab *ActionBuilder) Schema(schema map[string]any) *ActionBuilder {
	ab.spec.schema = schema
	return ab
}

// Destructive marks the action as mutating. Destructive calls with the
// same serialization key run one at a time, in arrival order.
func (ab *ActionBuilder) Destructive() *ActionBuilder {
	ab.spec.destructive = true
	return ab
}

// ReadOnly marks the action as never mutating state.
func (ab *ActionBuilder) ReadOnly() *ActionBuilder {
	ab.spec.readOnly = true
	return ab
}

// Idempotent marks the action as safe to retry.
func (ab *ActionBuilder) Idempotent() *ActionBuilder {
	ab.spec.idempotent = true
	return ab
}

// SerialKey derives the serialization key for destructive calls from the
// validated arguments, narrowing serialization from per-action to per
// resource. Without it all calls to the action share one key.
func (ab *ActionBuilder) SerialKey(fn SerialKeyFunc) *ActionBuilder {
	ab.spec.serialKey = fn
	return ab
}

// Guard configures a concurrency guard for this action only, overriding
// the tool-level guard.
func (ab *ActionBuilder) Guard(maxActive, maxQueue int) *ActionBuilder {
	ab.spec.guardCfg = &guard.Config{MaxActive: maxActive, MaxQueue: maxQueue}
	return ab
}

// MaxResultBytes bounds the serialized size of this action's output,
// overriding the tool-level bound.
func (ab *ActionBuilder) MaxResultBytes(n int) *ActionBuilder {
	if n <= 0 {
		ab.parent.errors = append(ab.parent.errors, fmt.Errorf("action %q: max result bytes must be positive, got %d", ab.spec.key, n))
		return ab
	}
	ab.spec.maxResultBytes = n
	return ab
}

// Use appends middleware applied to this action only, wrapping inside any
// tool-level middleware.
func (ab *ActionBuilder) Use(mw ...Middleware) *ActionBuilder {
	ab.spec.middleware = append(ab.spec.middleware, mw...)
	return ab
}

// Presenter sets the presenter that shapes the handler's raw return value
// into a Result envelope.
func (ab *ActionBuilder) Presenter(p Presenter) *ActionBuilder {
	ab.spec.presenter = p
	return ab
}

// Handle sets the action handler.
func (ab *ActionBuilder) Handle(h HandlerFunc) *ActionBuilder {
	if h == nil {
		ab.parent.errors = append(ab.parent.errors, fmt.Errorf("action %q: handler cannot be nil", ab.spec.key))
		return ab
	}
	ab.spec.handler = h
	return ab
}

// HandleStream sets a streaming handler. The dispatcher drains the update
// channel, forwards intermediate updates to the caller's progress sink and
// resolves the call with the terminal update.
func (ab *ActionBuilder) HandleStream(h StreamHandlerFunc) *ActionBuilder {
	if h == nil {
		ab.parent.errors = append(ab.parent.errors, fmt.Errorf("action %q: stream handler cannot be nil", ab.spec.key))
		return ab
	}
	ab.spec.handler = func(ctx context.Context, args map[string]any) (any, error) {
		updates, err := h(ctx, args)
		if err != nil {
			return nil, err
		}
		return updates, nil
	}
	return ab
}

// Done returns to the tool builder.
func (ab *ActionBuilder) Done() *ToolBuilder {
	return ab.parent
}
