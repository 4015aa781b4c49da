// Package guard provides the admission-control primitives behind fused-tool
// dispatch: a bounded-concurrency guard with FIFO backpressure and load
// shedding, and a per-key serializer that keeps destructive calls for the
// same resource from overlapping.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Guard errors
var (
	// ErrBusy is returned by Acquire when both active capacity and queue
	// capacity are exhausted. The caller may retry later.
	ErrBusy = errors.New("guard: no capacity, call shed")

	// ErrCanceled is returned by Acquire when the caller's context fires
	// before a slot is granted.
	ErrCanceled = errors.New("guard: acquire canceled")

	// ErrClosed is returned by Acquire after Close, and delivered to any
	// waiters still queued when Close runs.
	ErrClosed = errors.New("guard: closed")
)

// Config bounds a Guard.
type Config struct {
	// MaxActive is the number of calls allowed to run at once (min 1).
	MaxActive int

	// MaxQueue is the number of calls allowed to wait for a slot beyond
	// MaxActive. Zero means no queue: excess calls are shed immediately.
	MaxQueue int
}

// Guard is a concurrency gate with strict FIFO admission. Up to MaxActive
// acquirers hold slots simultaneously; up to MaxQueue more wait in arrival
// order; anything beyond that is shed synchronously with ErrBusy.
type Guard struct {
	mu        sync.Mutex
	active    int
	waiters   []*waiter
	maxActive int
	maxQueue  int
	closed    bool
}

// waiter is one queued admission request. err is set under the guard lock
// before grant is closed when the guard rejects instead of granting.
type waiter struct {
	grant chan struct{}
	err   error
}

// New creates a Guard. MaxActive values below 1 are raised to 1; negative
// MaxQueue values are treated as 0.
func New(cfg Config) *Guard {
	maxActive := cfg.MaxActive
	if maxActive < 1 {
		maxActive = 1
	}
	maxQueue := cfg.MaxQueue
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Guard{maxActive: maxActive, maxQueue: maxQueue}
}

// Acquire claims a slot. It returns synchronously when capacity is free,
// blocks in FIFO order while queue capacity remains, and returns ErrBusy
// without queuing once both are exhausted.
//
// A context that is already cancelled fails before the caller is ever
// queued. A context that fires while queued removes the waiter and returns
// an error wrapping ErrCanceled; it has no effect once the slot is granted.
func (g *Guard) Acquire(ctx context.Context) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if g.active < g.maxActive {
		g.active++
		g.mu.Unlock()
		return &Slot{g: g}, nil
	}
	if len(g.waiters) >= g.maxQueue {
		g.mu.Unlock()
		return nil, ErrBusy
	}
	w := &waiter{grant: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.grant:
		if w.err != nil {
			return nil, w.err
		}
		return &Slot{g: g, queued: true}, nil
	case <-ctx.Done():
		if g.removeWaiter(w) {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		}
		// The grant raced ahead of the cancellation: the slot is already
		// ours and cancellation no longer applies.
		<-w.grant
		if w.err != nil {
			return nil, w.err
		}
		return &Slot{g: g, queued: true}, nil
	}
}

// removeWaiter unlinks w from the queue. It reports false when w is no
// longer queued, meaning a grant or close already resolved it.
func (g *Guard) removeWaiter(w *waiter) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, queued := range g.waiters {
		if queued == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// release frees one slot and hands it to the head waiter, if any. Called
// at most once per Slot.
func (g *Guard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == 0 {
		return
	}
	g.active--
	if g.closed || len(g.waiters) == 0 || g.active >= g.maxActive {
		return
	}
	head := g.waiters[0]
	g.waiters = g.waiters[1:]
	g.active++
	close(head.grant)
}

// Close rejects all queued waiters with ErrClosed and makes further
// Acquire calls fail. Slots already granted stay valid; their Release
// calls still run. Close is idempotent.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, w := range g.waiters {
		w.err = ErrClosed
		close(w.grant)
	}
	g.waiters = nil
}

// Active returns the number of slots currently held.
func (g *Guard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Queued returns the number of callers waiting for a slot.
func (g *Guard) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// MaxActive returns the configured concurrency bound.
func (g *Guard) MaxActive() int { return g.maxActive }

// MaxQueue returns the configured queue bound.
func (g *Guard) MaxQueue() int { return g.maxQueue }

// Slot is a granted concurrency slot. Release it when the work finishes.
type Slot struct {
	g      *Guard
	queued bool
	once   sync.Once
}

// Release frees the slot, granting it to the head waiter if one is queued.
// Release is idempotent: the second and later calls are no-ops and never
// double-decrement the active count.
func (s *Slot) Release() {
	s.once.Do(s.g.release)
}

// Queued reports whether this slot was granted after waiting in the queue
// rather than synchronously.
func (s *Slot) Queued() bool { return s.queued }
