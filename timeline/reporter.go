// Package timeline renders read-only views over the engine's state: the
// paginated instance timeline with its summary counters, per-instance
// execution history, and queue metrics. It never mutates anything, and it
// degrades gracefully when the backing store is unavailable.
package timeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/store"
)

// QueueMetricsProvider supplies the queue's metrics snapshot. Satisfied by
// engine.Queue.
type QueueMetricsProvider interface {
	Metrics(ctx context.Context) (core.QueueMetricsSnapshot, error)
}

// Entry is one timeline row: an instance plus its current position in the
// graph.
type Entry struct {
	Instance core.Instance `json:"instance"`
	// CurrentStep is the node currently executing or waiting, empty for
	// finished instances.
	CurrentStep string `json:"current_step,omitempty"`
	// StepsTotal counts attempt rows recorded so far.
	StepsTotal int `json:"steps_total"`
}

// Summary is the header block of the timeline view.
type Summary struct {
	ActiveInstances int `json:"active_instances"`
	CompletedToday  int `json:"completed_today"`
}

// Timeline is one page of the instance timeline.
type Timeline struct {
	Entries    []Entry         `json:"entries"`
	Pagination core.Pagination `json:"pagination"`
	Summary    Summary         `json:"summary"`
}

// Reporter builds timeline and metrics views.
type Reporter struct {
	store  store.Store
	queue  QueueMetricsProvider
	logger *slog.Logger
	// now is swappable for tests.
	now func() time.Time
}

// NewReporter creates a reporter over the store and queue.
func NewReporter(st store.Store, queue QueueMetricsProvider, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: st, queue: queue, logger: logger, now: time.Now}
}

// GetTimeline returns one page of instances, newest first, with the
// summary counters. Store failures surface as BackendUnavailableError so
// dashboards can show a degraded state instead of an opaque 500.
func (r *Reporter) GetTimeline(ctx context.Context, page, limit int) (*Timeline, error) {
	instances, pagination, err := r.store.ListInstances(ctx, store.InstanceFilter{Page: page, Limit: limit})
	if err != nil {
		return nil, &core.BackendUnavailableError{Component: "timeline", Cause: err}
	}

	entries := make([]Entry, 0, len(instances))
	for _, inst := range instances {
		entry := Entry{Instance: *inst}
		steps, err := r.store.ListSteps(ctx, inst.ID)
		if err != nil {
			return nil, &core.BackendUnavailableError{Component: "timeline", Cause: err}
		}
		entry.StepsTotal = len(steps)
		entry.CurrentStep = currentStep(steps)
		entries = append(entries, entry)
	}

	summary, err := r.summary(ctx)
	if err != nil {
		return nil, err
	}

	return &Timeline{Entries: entries, Pagination: pagination, Summary: summary}, nil
}

// GetExecutions returns every attempt row of an instance ordered by
// creation, oldest first.
func (r *Reporter) GetExecutions(ctx context.Context, instanceID string) ([]*core.StepExecution, error) {
	if _, err := r.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	steps, err := r.store.ListSteps(ctx, instanceID)
	if err != nil {
		return nil, &core.BackendUnavailableError{Component: "timeline", Cause: err}
	}
	return steps, nil
}

// GetQueueMetrics proxies the queue's cached snapshot.
func (r *Reporter) GetQueueMetrics(ctx context.Context) (core.QueueMetricsSnapshot, error) {
	return r.queue.Metrics(ctx)
}

func (r *Reporter) summary(ctx context.Context) (Summary, error) {
	counts, err := r.store.CountInstancesByStatus(ctx)
	if err != nil {
		return Summary{}, &core.BackendUnavailableError{Component: "timeline summary", Cause: err}
	}

	now := r.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	completedToday, err := r.store.CountInstancesCompletedSince(ctx, midnight)
	if err != nil {
		return Summary{}, &core.BackendUnavailableError{Component: "timeline summary", Cause: err}
	}

	return Summary{
		ActiveInstances: counts[core.InstancePending] + counts[core.InstanceRunning],
		CompletedToday:  completedToday,
	}, nil
}

// currentStep picks the node a viewer would consider "where the instance
// is now": the newest live attempt, if any.
func currentStep(steps []*core.StepExecution) string {
	for i := len(steps) - 1; i >= 0; i-- {
		switch steps[i].Status {
		case core.StepPending, core.StepRunning, core.StepCancelling:
			return steps[i].StepID
		}
	}
	return ""
}
