package bus

import (
	"sync"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus implementation. Calls are short-lived
// and numerous, so closing a subscription removes its entry from the bus
// instead of leaving a tombstone keyed by a call ID that will never be
// seen again.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // callID -> subscribers
	globalSubs []*memSub            // subscribers for all calls
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to all matching subscribers. Call-specific
// subscribers receive events matching their call ID, and global
// subscribers receive every event. If the bus is closed, the event is
// silently dropped.
func (b *MemBus) Publish(event dispatch.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[event.CallID] {
		sub.send(event)
	}

	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a single call.
// Returns a Subscription that must be closed when done.
func (b *MemBus) Subscribe(callID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{
		bus:    b,
		callID: callID,
		ch:     make(chan dispatch.Event, b.bufSize),
	}
	b.subs[callID] = append(b.subs[callID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all calls.
// Returns a Subscription that must be closed when done.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{
		bus:    b,
		global: true,
		ch:     make(chan dispatch.Event, b.bufSize),
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}

	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil

	return nil
}

// remove detaches a subscription from the bus registries. Lock order is
// always bus then subscription, never the reverse.
func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.global {
		b.globalSubs = withoutSub(b.globalSubs, sub)
		return
	}

	remaining := withoutSub(b.subs[sub.callID], sub)
	if len(remaining) == 0 {
		delete(b.subs, sub.callID)
	} else {
		b.subs[sub.callID] = remaining
	}
}

func withoutSub(subs []*memSub, target *memSub) []*memSub {
	for i, s := range subs {
		if s == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// memSub is an in-memory subscription.
type memSub struct {
	bus    *MemBus
	callID string
	global bool

	mu     sync.Mutex
	ch     chan dispatch.Event
	closed bool
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan dispatch.Event {
	return s.ch
}

// Close unsubscribes from the bus and releases resources.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event dispatch.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
var _ dispatch.EventPublisher = (*MemBus)(nil)
