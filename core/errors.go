package core

import (
	"errors"
	"fmt"
	"time"
)

// Engine errors that callers are expected to match with errors.Is/As.
var (
	// ErrInstanceNotFound is returned for lookups of unknown instances.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrStepNotFound is returned for lookups of unknown step executions.
	ErrStepNotFound = errors.New("step execution not found")

	// ErrTemplateNotFound is returned for lookups of unknown templates.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrTemplatePublished is returned when mutating a published template.
	ErrTemplatePublished = errors.New("template is published and immutable")

	// ErrInstanceTerminal is returned when acting on a completed or
	// failed instance.
	ErrInstanceTerminal = errors.New("instance is in a terminal state")

	// ErrNoMatchingBranch is returned when a switch_case discriminant
	// matches no edge label and no default edge exists. It indicates a
	// misconfigured template and is never retried.
	ErrNoMatchingBranch = errors.New("no matching branch")

	// ErrActionTimeout marks a step action that exceeded its execution
	// timeout. Treated identically to an action error: retryable.
	ErrActionTimeout = errors.New("action timed out")
)

// ConflictError reports an optimistic-concurrency loss on a step
// transition: the persisted status did not match the expected one.
// Callers swallow it; the race has already been resolved by another
// worker.
type ConflictError struct {
	StepExecutionID string
	Expected        StepStatus
	Actual          StepStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("step %s: status is %q, expected %q", e.StepExecutionID, e.Actual, e.Expected)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// DuplicateIdempotencyKeyError reports that an attempt row with the same
// idempotency key already exists. Treated as success-no-op: the duplicate
// attempt is discarded.
type DuplicateIdempotencyKeyError struct {
	Key string
}

func (e *DuplicateIdempotencyKeyError) Error() string {
	return fmt.Sprintf("idempotency key %q already exists", e.Key)
}

// IsDuplicateKey reports whether err is a DuplicateIdempotencyKeyError.
func IsDuplicateKey(err error) bool {
	var de *DuplicateIdempotencyKeyError
	return errors.As(err, &de)
}

// BackendUnavailableError wraps an infrastructure failure on read APIs
// (timeline, queue metrics) so dashboards can degrade gracefully instead
// of hanging or surfacing raw driver errors.
type BackendUnavailableError struct {
	Component string
	Cause     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Component, e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Cause
}

// ActionError is recorded when a step action fails. It carries the attempt
// number and the time of failure for the step's error details.
type ActionError struct {
	StepID  string
	Attempt int
	At      time.Time
	Cause   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("step %s attempt %d: %v", e.StepID, e.Attempt, e.Cause)
}

func (e *ActionError) Unwrap() error {
	return e.Cause
}
