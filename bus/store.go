package bus

import (
	"context"
	"time"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// EventStore persists events for replay and audit.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event dispatch.Event) error

	// List returns events for a call, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, callID string, afterSeq uint64, limit int) ([]dispatch.Event, error)

	// LatestSeq returns the highest Seq for a call (0 if no events).
	LatestSeq(ctx context.Context, callID string) (uint64, error)

	// PruneBefore deletes events recorded before the cutoff and reports
	// how many were removed. Retention scheduling is the caller's
	// concern.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
