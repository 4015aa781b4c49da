package guard

import (
	"context"
	"sync"
)

// Serializer provides per-key mutual exclusion. Calls submitted for the
// same key run one at a time in submission order; calls for distinct keys
// are independent. Key entries are created lazily and pruned as soon as a
// key's chain drains, so a long-lived process does not accumulate state
// for keys it no longer sees.
type Serializer struct {
	mu    sync.Mutex
	tails map[string]*chainLink
}

// chainLink marks one scheduled unit of work for a key. done is closed
// when that unit finishes (or is abandoned), releasing its successor.
type chainLink struct {
	done chan struct{}
}

// NewSerializer creates an empty Serializer.
func NewSerializer() *Serializer {
	return &Serializer{tails: make(map[string]*chainLink)}
}

// Do runs fn after every previously submitted call for key has finished.
// If ctx fires while waiting for a predecessor, fn never runs, ctx.Err()
// is returned, and the chain advances past this call. fn's error is
// returned unmodified.
func (s *Serializer) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	prev := s.tails[key]
	cur := &chainLink{done: make(chan struct{})}
	s.tails[key] = cur
	s.mu.Unlock()

	// Advance the chain no matter how this call ends, and prune the key
	// once this link is still the tail (the chain has drained).
	defer func() {
		close(cur.done)
		s.mu.Lock()
		if s.tails[key] == cur {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn(ctx)
}

// Len returns the number of keys with live chains. Used by tests to
// verify pruning.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
