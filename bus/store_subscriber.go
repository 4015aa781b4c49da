package bus

import (
	"context"
	"log/slog"

	"github.com/vinkius-labs/mcp-fusion/dispatch"
)

// StoreSubscriber writes events to an EventStore. Its Handle method is a
// dispatch.EventHandler, so it can hang directly off a dispatcher or
// drain a bus subscription.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store. Append failures are
// logged, not returned: a journal fault must not fail the call.
func (s *StoreSubscriber) Handle(event dispatch.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"call_id", event.CallID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}
