package fusion

import (
	"context"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vinkius-labs/mcp-fusion/guard"
)

// DefaultMaxResultBytes bounds handler output when no explicit limit is
// configured on the tool or action.
const DefaultMaxResultBytes = 64 * 1024

// HandlerFunc executes one action call. Arguments arrive validated and
// sanitized: only keys declared in the action schema are present, plus the
// tool's discriminator field. The returned value is normalized into a
// Result envelope by the dispatcher.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Update is one element of a streaming handler's output. Intermediate
// updates carry progress and are forwarded to the caller's progress sink.
// The final update sets Done and carries the terminal Value or Err.
type Update struct {
	Progress float64
	Total    float64
	Message  string
	Done     bool
	Value    any
	Err      error
}

// Updates is the receive side of a streaming handler's update channel.
// The handler must close it after sending the terminal update.
type Updates <-chan Update

// StreamHandlerFunc executes one action call that reports progress while
// it runs. The dispatcher drains the channel, forwarding intermediate
// updates to the progress sink, and uses the terminal update as the call
// result.
type StreamHandlerFunc func(ctx context.Context, args map[string]any) (Updates, error)

// Progress is one forwarded intermediate update, stamped with the call
// identity so transports can correlate it.
type Progress struct {
	CallID   string
	Token    any
	Progress float64
	Total    float64
	Message  string
}

// ProgressSink receives intermediate updates from streaming handlers.
// Sends are fire and forget: a sink error never fails the call.
type ProgressSink interface {
	Send(ctx context.Context, p Progress) error
}

// ProgressSinkFunc adapts a function to the ProgressSink interface.
type ProgressSinkFunc func(ctx context.Context, p Progress) error

// Send implements ProgressSink.
func (f ProgressSinkFunc) Send(ctx context.Context, p Progress) error { return f(ctx, p) }

// Presenter converts a handler's raw return value into a Result envelope.
// Attach one per action to own the shaping of successful output.
type Presenter interface {
	Present(ctx context.Context, raw any) (*Result, error)
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(ctx context.Context, raw any) (*Result, error)

// Present implements Presenter.
func (f PresenterFunc) Present(ctx context.Context, raw any) (*Result, error) {
	return f(ctx, raw)
}

// SerialKeyFunc derives the serialization key for a destructive call from
// its validated arguments. Calls with equal keys execute one at a time in
// arrival order.
type SerialKeyFunc func(args map[string]any) string

// Action is one operation behind a tool's discriminator, compiled by
// ToolBuilder.Build. Fields are immutable after build.
type Action struct {
	// Key is the discriminator value that routes to this action.
	Key string

	// Description documents the action for tool listings.
	Description string

	// Destructive marks actions whose calls are serialized per key.
	Destructive bool

	// ReadOnly marks actions that never mutate state.
	ReadOnly bool

	// Idempotent marks actions safe to retry.
	Idempotent bool

	// InputSchema is the action's argument schema as declared, without
	// the discriminator field.
	InputSchema map[string]any

	invoke         HandlerFunc
	schema         *jsonschema.Schema
	properties     map[string]bool
	serialKey      SerialKeyFunc
	presenter      Presenter
	guard          *guard.Guard
	maxResultBytes int
}

// Invoke runs the action's handler with its middleware chain applied.
func (a *Action) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return a.invoke(ctx, args)
}

// Schema returns the compiled input schema, or nil when the action
// declared none.
func (a *Action) Schema() *jsonschema.Schema { return a.schema }

// Properties reports whether the named argument is declared in the
// action's input schema.
func (a *Action) Property(name string) bool { return a.properties[name] }

// SerialKeyFor derives the serialization key for the given arguments.
// Without a custom SerialKeyFunc every call to the action shares one key.
func (a *Action) SerialKeyFor(args map[string]any) string {
	if a.serialKey != nil {
		return a.serialKey(args)
	}
	return a.Key
}

// Presenter returns the action's presenter, or nil.
func (a *Action) Presenter() Presenter { return a.presenter }

// Guard returns the concurrency guard governing this action, or nil when
// neither the action nor its tool configured one.
func (a *Action) Guard() *guard.Guard { return a.guard }

// MaxResultBytes returns the effective output bound for this action.
func (a *Action) MaxResultBytes() int { return a.maxResultBytes }
