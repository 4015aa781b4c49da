// Package bus distributes dispatch events to subscribers. It decouples
// the dispatcher from everything that watches calls happen: SSE streams,
// the journal, tracing handlers. Publishers never block on consumers; a
// subscriber that falls behind loses events rather than stalling a call.
package bus

import "github.com/vinkius-labs/mcp-fusion/dispatch"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event dispatch.Event)

	// Subscribe registers a subscriber for a single call.
	// Returns a Subscription that must be closed when done.
	Subscribe(callID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// calls. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan dispatch.Event

	// Close unsubscribes and releases resources.
	Close() error
}
