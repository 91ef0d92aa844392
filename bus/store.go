package bus

import (
	"context"
	"sync"

	"github.com/flowforge-io/flowforge/engine"
)

// EventStore persists events for replay. The SSE endpoint reads history
// from here before switching to live bus delivery.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event engine.Event) error

	// List returns events for an instance, ordered by Seq.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, instanceID string, afterSeq uint64, limit int) ([]engine.Event, error)

	// LatestSeq returns the highest Seq recorded for an instance (0 if none).
	LatestSeq(ctx context.Context, instanceID string) (uint64, error)
}

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]engine.Event // instanceID -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]engine.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, instanceID string, afterSeq uint64, limit int) ([]engine.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []engine.Event
	for _, e := range s.events[instanceID] {
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

func (s *MemEventStore) LatestSeq(_ context.Context, instanceID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[instanceID] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

var _ EventStore = (*MemEventStore)(nil)
