// Package bus distributes engine events to subscribers and persists them
// for replay. It decouples the execution engine from observers such as
// SSE streams, loggers, and metrics exporters: the engine publishes
// status changes and never polls anyone.
package bus

import "github.com/flowforge-io/flowforge/engine"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event engine.Event)

	// Subscribe registers a subscriber for a specific instance.
	// Returns a Subscription that must be closed when done.
	Subscribe(instanceID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// instances. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan engine.Event

	// Close unsubscribes and releases resources.
	Close() error
}
