// Package core provides the foundational types shared across the FlowForge
// engine: node kinds, instance and step execution records, status enums,
// the error taxonomy, and the pluggable step action interface.
package core

import (
	"fmt"
	"time"
)

// NodeKind identifies the control-flow type of a workflow node.
// The set of kinds is closed so successor resolution can be an
// exhaustive match.
type NodeKind string

const (
	NodeKindAction            NodeKind = "action"
	NodeKindIfCondition       NodeKind = "if_condition"
	NodeKindSwitchCase        NodeKind = "switch_case"
	NodeKindWhileLoop         NodeKind = "while_loop"
	NodeKindParallelFork      NodeKind = "parallel_fork"
	NodeKindJoinSync          NodeKind = "join_sync"
	NodeKindRoutingAssignment NodeKind = "routing_assignment"
	NodeKindAiDecision        NodeKind = "ai_decision"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindAction, NodeKindIfCondition, NodeKindSwitchCase,
		NodeKindWhileLoop, NodeKindParallelFork, NodeKindJoinSync,
		NodeKindRoutingAssignment, NodeKindAiDecision:
		return true
	}
	return false
}

// ParseNodeKind converts a string to a NodeKind.
func ParseNodeKind(s string) NodeKind {
	return NodeKind(s)
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed
}

// StepStatus is the lifecycle state of a single step execution attempt.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
	// StepCancelling marks a running step whose instance was cancelled.
	// The runner finishes the in-flight action but skips successor
	// resolution when it observes this status.
	StepCancelling StepStatus = "cancelling"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCompensated
}

// Instance is one running execution of a workflow template, tied to an
// originating business entity via ReferenceID. Instances are never deleted;
// completed and failed instances remain readable through the timeline.
type Instance struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion string         `json:"template_version"`
	Status          InstanceStatus `json:"status"`
	ReferenceID     string         `json:"reference_id,omitempty"`
	EscalationLevel int            `json:"escalation_level"`
	ErrorDetails    string         `json:"error_details,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// StepExecution is one attempt to execute a single graph node within an
// instance. A retry creates a new row with an incremented AttemptNumber
// rather than mutating the prior one, preserving full attempt history.
type StepExecution struct {
	ID             string         `json:"id"`
	InstanceID     string         `json:"instance_id"`
	StepID         string         `json:"step_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	AttemptNumber  int            `json:"attempt_number"`
	Status         StepStatus     `json:"status"`
	InputData      map[string]any `json:"input_data,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	ErrorDetails   string         `json:"error_details,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMs     int64          `json:"duration_ms,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`

	// CompensationExecuted is set once a configured compensation action
	// has run after retry exhaustion.
	CompensationExecuted bool `json:"compensation_executed"`

	// JoinArrivals counts completed inbound branches for join_sync steps.
	// JoinExpected is snapshotted from the template when the step row is
	// created, so in-flight instances are unaffected by later edits.
	JoinArrivals int `json:"join_arrivals,omitempty"`
	JoinExpected int `json:"join_expected,omitempty"`

	// Priority breaks FIFO ties in the queue; higher dispatches first.
	Priority  int       `json:"priority,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IdempotencyKey derives the deterministic key for one logical attempt.
// Duplicate enqueues of the same attempt collide on this key in the store.
func IdempotencyKey(instanceID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", instanceID, stepID, attempt)
}

// Pagination describes one page of a listing response.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// NewPagination computes page bookkeeping for a total row count.
func NewPagination(page, limit, total int) Pagination {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && total > 0,
	}
}

// QueueMetricsSnapshot is a derived, read-only aggregate over step statuses.
// It is never persisted; the queue computes it on demand and caches it
// briefly.
type QueueMetricsSnapshot struct {
	Waiting   int       `json:"waiting"`
	Active    int       `json:"active"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Delayed   int       `json:"delayed"`
	Total     int       `json:"total"`
	TakenAt   time.Time `json:"taken_at"`
}
