package bus

import (
	"context"
	"log/slog"

	"github.com/flowforge-io/flowforge/engine"
)

// StoreSubscriber writes events to an EventStore. Persistence failures are
// logged and dropped; the event stream must never block the engine.
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

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(event engine.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"instance_id", event.InstanceID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Handler adapts the subscriber to the engine's EventHandler func type.
func (s *StoreSubscriber) Handler() engine.EventHandler {
	return s.Handle
}
