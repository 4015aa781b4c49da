package bus

import (
	"sync"
	"time"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced progress events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a dispatch.EventEmitter and coalesces
// high-frequency call.progress events. Progress is coalesced per call:
// only the latest update for each call survives a coalesce interval, and
// a background ticker flushes the survivors. Every other event kind
// passes through immediately — after flushing any progress still pending
// for that call, so a terminal event never overtakes the progress that
// preceded it.
type ThrottledEmitter struct {
	emit     dispatch.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]dispatch.Event // callID -> latest progress event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a new ThrottledEmitter that wraps the given
// emitter and coalesces call.progress events at the configured interval.
func NewThrottledEmitter(emit dispatch.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]dispatch.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends an event through the throttled emitter. call.progress
// events are coalesced: only the latest per call is kept and flushed at
// the configured interval. Everything else passes through immediately,
// preceded by any pending progress for the same call.
func (te *ThrottledEmitter) Emit(e dispatch.Event) {
	if e.Kind != dispatch.EventCallProgress {
		te.flushCall(e.CallID)
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return
	}

	te.pending[e.CallID] = e
}

// Publish implements dispatch.EventPublisher, so a ThrottledEmitter can
// sit between a dispatcher and its bus.
func (te *ThrottledEmitter) Publish(e dispatch.Event) {
	te.Emit(e)
}

// Close flushes any pending progress events and stops the background
// ticker. It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	// Signal the background goroutine to stop.
	close(te.stopCh)

	// Wait for the background goroutine to finish.
	<-te.doneCh
}

// run is the background goroutine that periodically flushes coalesced
// progress events.
func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			// Flush any remaining pending events before exiting.
			te.flush()
			return
		}
	}
}

// flushCall emits the pending progress event for one call, if any.
func (te *ThrottledEmitter) flushCall(callID string) {
	te.mu.Lock()
	e, ok := te.pending[callID]
	if ok {
		delete(te.pending, callID)
	}
	te.mu.Unlock()

	if ok {
		te.emit(e)
	}
}

// flush sends all pending coalesced progress events to the wrapped
// emitter and clears the pending map.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	// Swap out the pending map so we can release the lock during emission.
	toFlush := te.pending
	te.pending = make(map[string]dispatch.Event)
	te.mu.Unlock()

	for _, e := range toFlush {
		te.emit(e)
	}
}

// Compile-time interface check.
var _ dispatch.EventPublisher = (*ThrottledEmitter)(nil)
