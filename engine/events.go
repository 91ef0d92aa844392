// Package engine provides durable workflow execution: the dispatch queue,
// the worker-pool runner, retry and compensation policy, and the event
// stream describing everything the engine does.
package engine

import (
	"time"

	"github.com/flowforge-io/flowforge/core"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventInstanceStarted is emitted when an instance begins execution.
	EventInstanceStarted EventKind = "instance.started"

	// EventInstanceCompleted is emitted when an instance finishes
	// successfully.
	EventInstanceCompleted EventKind = "instance.completed"

	// EventInstanceFailed is emitted when an instance fails terminally.
	EventInstanceFailed EventKind = "instance.failed"

	// EventInstanceCancelled is emitted when an instance is cancelled by
	// an operator.
	EventInstanceCancelled EventKind = "instance.cancelled"

	// EventInstanceEscalated is emitted when an instance's escalation
	// level rises after repeated failures.
	EventInstanceEscalated EventKind = "instance.escalated"

	// EventStepStarted is emitted when a worker claims a step.
	EventStepStarted EventKind = "step.started"

	// EventStepCompleted is emitted when a step finishes successfully.
	EventStepCompleted EventKind = "step.completed"

	// EventStepFailed is emitted when a step attempt fails.
	EventStepFailed EventKind = "step.failed"

	// EventStepCompensated is emitted after a compensation action runs
	// for a step that exhausted its retries.
	EventStepCompensated EventKind = "step.compensated"

	// EventRetryScheduled is emitted when a failed step is scheduled for
	// a delayed retry.
	EventRetryScheduled EventKind = "step.retry.scheduled"

	// EventJoinArrived is emitted when a branch arrives at a join step.
	EventJoinArrived EventKind = "join.arrived"

	// EventQueueRebuilt is emitted after startup recovery re-enqueues
	// persisted pending steps.
	EventQueueRebuilt EventKind = "queue.rebuilt"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what the engine did. Events
// should stay small; step payloads live in the store, not on the event.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// InstanceID is the workflow instance the event belongs to.
	InstanceID string `json:"instance_id"`

	// StepID is the graph node that produced this event (empty for
	// instance-level events).
	StepID string `json:"step_id,omitempty"`

	// NodeKind is the kind of the node (empty for instance-level events).
	NodeKind core.NodeKind `json:"node_kind,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Attempt is the attempt number (1-indexed) for retry scenarios.
	Attempt int `json:"attempt,omitempty"`

	// Elapsed is the duration since the step started.
	Elapsed time.Duration `json:"elapsed,omitempty"`

	// Payload contains event-specific data. Keep it small.
	Payload map[string]any `json:"payload,omitempty"`

	// Seq is a monotonic sequence number per instance (1-indexed).
	Seq uint64 `json:"seq,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, instanceID string) Event {
	return Event{
		Kind:       kind,
		InstanceID: instanceID,
		Time:       time.Now(),
		Payload:    make(map[string]any),
	}
}

// WithStep sets the step information on the event.
func (e Event) WithStep(stepID string, nodeKind core.NodeKind) Event {
	e.StepID = stepID
	e.NodeKind = nodeKind
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events. Implementations can
// log, store, or forward events as needed.
type EventHandler func(Event)

// EventPublisher can publish events to external subscribers. Satisfied by
// bus.EventBus so the engine distributes events without importing the bus
// package directly.
type EventPublisher interface {
	Publish(event Event)
}

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full or closed.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
