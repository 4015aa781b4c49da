package bus

import (
	"context"
	"sync"
	"time"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]dispatch.Event // callID -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]dispatch.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event dispatch.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.CallID] = append(s.events[event.CallID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, callID string, afterSeq uint64, limit int) ([]dispatch.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []dispatch.Event
	for _, e := range s.events[callID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, callID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[callID] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

func (s *MemEventStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for callID, events := range s.events {
		kept := events[:0]
		for _, e := range events {
			if e.Time.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.events, callID)
		} else {
			s.events[callID] = kept
		}
	}
	return removed, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
