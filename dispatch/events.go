package dispatch

import (
	"time"
)

// EventKind identifies the type of event emitted during call dispatch.
type EventKind string

const (
	// EventCallReceived is emitted when a call enters the pipeline, before
	// routing. The action is not yet known.
	EventCallReceived EventKind = "call.received"

	// EventCallRejected is emitted when a call is turned away before its
	// handler runs: routing or validation failure, load shed, or a
	// cancellation while queued. The payload carries the rejection code.
	EventCallRejected EventKind = "call.rejected"

	// EventCallQueued is emitted once a call that waited in the guard
	// queue is granted a slot. The payload carries the wait duration.
	EventCallQueued EventKind = "call.queued"

	// EventCallStarted is emitted when the handler chain begins executing.
	EventCallStarted EventKind = "call.started"

	// EventCallProgress is emitted for each intermediate update forwarded
	// from a streaming handler.
	EventCallProgress EventKind = "call.progress"

	// EventCallFinished is emitted when a call produces its terminal
	// envelope.
	EventCallFinished EventKind = "call.finished"

	// EventCallFailed is emitted when the handler chain returns an error
	// or panics.
	EventCallFailed EventKind = "call.failed"

	// EventCallTruncated is emitted when the egress guard cut the
	// response down to its byte bound.
	EventCallTruncated EventKind = "call.truncated"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during one
// call. Events should be kept small; large data belongs in the response
// envelope or the journal payload, not here.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// CallID is the unique identifier for this call.
	CallID string

	// Tool is the tool name the call addressed.
	Tool string

	// Action is the resolved action key (empty before routing succeeds).
	Action string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the call entered the pipeline.
	Elapsed time.Duration

	// Payload contains event-specific data. Keep this small.
	Payload map[string]any

	// Seq is a monotonic sequence number per call (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel
	// inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel
	// inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, callID string) Event {
	return Event{
		Kind:    kind,
		CallID:  callID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithTool sets the tool name on the event.
func (e Event) WithTool(tool string) Event {
	e.Tool = tool
	return e
}

// WithAction sets the resolved action key on the event.
func (e Event) WithAction(action string) Event {
	e.Action = action
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events. The dispatcher
// provides one per call, already stamping sequence numbers.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace
// metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers. This
// interface is satisfied by bus.EventBus, allowing the dispatcher to
// distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events. Implementations
// can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// The channel should have sufficient buffer to avoid blocking. Events are
// dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
