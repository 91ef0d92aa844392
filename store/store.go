// Package store persists workflow templates, instances, and step executions.
// Two implementations exist: a SQLite store for daemons and a memory store
// for tests and embedded use. Both enforce the same invariants: idempotency
// keys are unique, step transitions are compare-and-swap, and completed
// instances are never deleted.
package store

import (
	"context"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/graph"
)

// TemplateRecord wraps a template definition with its persistence metadata.
type TemplateRecord struct {
	Definition graph.TemplateDefinition `json:"definition"`
	Published  bool                     `json:"published"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// InstanceFilter narrows instance listings.
type InstanceFilter struct {
	Status      core.InstanceStatus
	TemplateID  string
	ReferenceID string
	Page        int
	Limit       int
}

// StepUpdate carries the mutable fields written alongside a status
// transition. Nil pointers leave the stored value untouched.
type StepUpdate struct {
	OutputData           map[string]any
	ErrorDetails         *string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	DurationMs           *int64
	RetryCount           *int
	NextRetryAt          *time.Time
	ClearNextRetry       bool
	CompensationExecuted *bool
}

// TemplateStore manages workflow template definitions. Published versions
// are immutable; drafts may be updated or deleted.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, td *graph.TemplateDefinition, published bool) error
	// GetTemplate returns the given version, or the latest version when
	// version is empty. Returns core.ErrTemplateNotFound when absent.
	GetTemplate(ctx context.Context, id, version string) (*TemplateRecord, error)
	ListTemplates(ctx context.Context) ([]TemplateRecord, error)
	// UpdateTemplate replaces a draft definition. Returns
	// core.ErrTemplatePublished for published versions.
	UpdateTemplate(ctx context.Context, td *graph.TemplateDefinition) error
	PublishTemplate(ctx context.Context, id, version string) error
	// DeleteTemplate removes a draft. Returns core.ErrTemplatePublished
	// for published versions.
	DeleteTemplate(ctx context.Context, id, version string) error
}

// InstanceStore manages workflow instance records.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *core.Instance) error
	GetInstance(ctx context.Context, id string) (*core.Instance, error)
	// UpdateInstanceStatus moves the instance to status. Transitions out
	// of a terminal status return core.ErrInstanceTerminal.
	UpdateInstanceStatus(ctx context.Context, id string, status core.InstanceStatus, errorDetails string) error
	SetEscalationLevel(ctx context.Context, id string, level int) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*core.Instance, core.Pagination, error)
}

// StepStore manages step execution rows. A retry is a new row with an
// incremented attempt number, never an update of the prior attempt.
type StepStore interface {
	// CreateStep inserts a new attempt row. A colliding idempotency key
	// returns core.DuplicateIdempotencyKeyError.
	CreateStep(ctx context.Context, step *core.StepExecution) error
	GetStep(ctx context.Context, id string) (*core.StepExecution, error)
	GetStepByKey(ctx context.Context, idempotencyKey string) (*core.StepExecution, error)
	// ListSteps returns every attempt for the instance ordered by
	// creation time, oldest first.
	ListSteps(ctx context.Context, instanceID string) ([]*core.StepExecution, error)
	// TransitionStep applies update iff the stored status equals from.
	// A status mismatch returns core.ConflictError; the caller lost the
	// race and must not apply side effects.
	TransitionStep(ctx context.Context, id string, from, to core.StepStatus, update StepUpdate) error
	// IncrementJoinArrival atomically bumps the join counter and returns
	// the new arrival count.
	IncrementJoinArrival(ctx context.Context, id string) (int, error)
	// ListReadySteps returns pending steps whose retry time has passed
	// (or was never set), ordered by priority then creation time.
	ListReadySteps(ctx context.Context, now time.Time, limit int) ([]*core.StepExecution, error)
	// HasLiveStep reports whether a pending or running attempt exists
	// for the node within the instance.
	HasLiveStep(ctx context.Context, instanceID, stepID string) (bool, error)
	// CountLiveSteps counts pending, running, and cancelling attempts
	// across the whole instance. Zero means the instance has no
	// outstanding work.
	CountLiveSteps(ctx context.Context, instanceID string) (int, error)
	// LatestAttempt returns the highest attempt number recorded for the
	// node within the instance, or 0 when none exists.
	LatestAttempt(ctx context.Context, instanceID, stepID string) (int, error)
	// CountCompletedAttempts counts completed executions of the node
	// within the instance. Loop iteration bookkeeping reads this.
	CountCompletedAttempts(ctx context.Context, instanceID, stepID string) (int, error)
}

// MetricsStore exposes the aggregate counts behind queue metrics and the
// timeline summary.
type MetricsStore interface {
	CountStepsByStatus(ctx context.Context) (map[core.StepStatus]int, error)
	// CountDelayedSteps counts pending steps with a retry time in the
	// future.
	CountDelayedSteps(ctx context.Context, now time.Time) (int, error)
	CountInstancesByStatus(ctx context.Context) (map[core.InstanceStatus]int, error)
	CountInstancesCompletedSince(ctx context.Context, since time.Time) (int, error)
}

// Store is the full persistence surface the engine runs against.
type Store interface {
	TemplateStore
	InstanceStore
	StepStore
	MetricsStore
	Close() error
}
