package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/store"
)

// DefaultMetricsTTL bounds how often queue metrics hit the store.
const DefaultMetricsTTL = 2 * time.Second

// Queue is the in-memory dispatch structure between successor resolution
// and the worker pool. The store remains the source of truth: the queue
// holds only references to pending step rows and can be rebuilt from the
// store after a restart.
//
// Ready steps dispatch highest priority first, FIFO within a priority.
// Delayed steps (retries with a future NextRetryAt) sit in a time-ordered
// heap and move to the ready set when due.
type Queue struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.Mutex
	ready    []*core.StepExecution
	delayed  delayedHeap
	enqueued map[string]bool // step execution IDs currently held
	closed   bool
	wake     chan struct{}

	metricsTTL time.Duration
	metricsMu  sync.Mutex
	metrics    core.QueueMetricsSnapshot
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the queue's logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logger }
}

// WithMetricsTTL overrides the metrics cache lifetime.
func WithMetricsTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) { q.metricsTTL = ttl }
}

// NewQueue creates an empty queue over the given store.
func NewQueue(st store.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:      st,
		logger:     slog.Default(),
		enqueued:   make(map[string]bool),
		wake:       make(chan struct{}, 1),
		metricsTTL: DefaultMetricsTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a pending step to the dispatch structure. Enqueueing the
// same step execution twice is a no-op, so duplicate successor resolution
// cannot double-dispatch. Returns true if the step was added.
func (q *Queue) Enqueue(step *core.StepExecution) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.enqueued[step.ID] {
		return false
	}
	q.enqueued[step.ID] = true

	if step.NextRetryAt != nil && step.NextRetryAt.After(time.Now()) {
		heap.Push(&q.delayed, step)
	} else {
		q.ready = append(q.ready, step)
	}
	q.signal()
	return true
}

// Dequeue blocks until a step is ready for dispatch or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (*core.StepExecution, error) {
	for {
		q.mu.Lock()
		q.promoteDue(time.Now())

		if step := q.popReady(); step != nil {
			q.mu.Unlock()
			return step, nil
		}

		wait := q.nextDelay()
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Len returns the number of steps currently held (ready plus delayed).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.delayed.Len()
}

// Rebuild reloads every dispatchable step from the store. Called once at
// startup so persisted pending work survives a crash.
func (q *Queue) Rebuild(ctx context.Context) (int, error) {
	// A far-future cutoff returns delayed retries as well; Enqueue sorts
	// them back into the delay heap.
	horizon := time.Now().Add(100 * 365 * 24 * time.Hour)
	steps, err := q.store.ListReadySteps(ctx, horizon, 0)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	q.ready = nil
	q.delayed = nil
	q.enqueued = make(map[string]bool)
	q.mu.Unlock()

	added := 0
	for _, step := range steps {
		if q.Enqueue(step) {
			added++
		}
	}

	q.logger.Info("queue rebuilt from store", "steps", added)
	return added, nil
}

// Metrics returns the queue metrics snapshot, recomputing it from the
// store at most once per TTL. On store failure the error is wrapped as a
// backend availability problem so read APIs can degrade gracefully.
func (q *Queue) Metrics(ctx context.Context) (core.QueueMetricsSnapshot, error) {
	q.metricsMu.Lock()
	defer q.metricsMu.Unlock()

	if time.Since(q.metrics.TakenAt) < q.metricsTTL {
		return q.metrics, nil
	}

	now := time.Now().UTC()
	stepCounts, err := q.store.CountStepsByStatus(ctx)
	if err != nil {
		return core.QueueMetricsSnapshot{}, &core.BackendUnavailableError{Component: "queue metrics", Cause: err}
	}
	delayed, err := q.store.CountDelayedSteps(ctx, now)
	if err != nil {
		return core.QueueMetricsSnapshot{}, &core.BackendUnavailableError{Component: "queue metrics", Cause: err}
	}

	snapshot := core.QueueMetricsSnapshot{
		Waiting:   stepCounts[core.StepPending] - delayed,
		Active:    stepCounts[core.StepRunning] + stepCounts[core.StepCancelling],
		Completed: stepCounts[core.StepCompleted],
		Failed:    stepCounts[core.StepFailed] + stepCounts[core.StepCompensated],
		Delayed:   delayed,
		TakenAt:   now,
	}
	for _, count := range stepCounts {
		snapshot.Total += count
	}

	q.metrics = snapshot
	return snapshot, nil
}

// Promote moves a delayed step into the ready set ahead of its retry
// time. Returns false if the step is not currently delayed.
func (q *Queue) Promote(stepID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, step := range q.delayed {
		if step.ID == stepID {
			heap.Remove(&q.delayed, i)
			step.NextRetryAt = nil
			q.ready = append(q.ready, step)
			q.signal()
			return true
		}
	}
	return false
}

// Close stops the queue; pending Dequeue calls return on their context.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
}

// promoteDue moves due delayed steps into the ready set. Caller holds mu.
func (q *Queue) promoteDue(now time.Time) {
	for q.delayed.Len() > 0 {
		next := q.delayed[0]
		if next.NextRetryAt != nil && next.NextRetryAt.After(now) {
			return
		}
		heap.Pop(&q.delayed)
		q.ready = append(q.ready, next)
	}
}

// popReady removes and returns the highest-priority oldest ready step.
// Caller holds mu.
func (q *Queue) popReady() *core.StepExecution {
	if len(q.ready) == 0 {
		return nil
	}
	best := 0
	for i, step := range q.ready {
		if step.Priority > q.ready[best].Priority {
			best = i
		}
	}
	step := q.ready[best]
	q.ready = append(q.ready[:best], q.ready[best+1:]...)
	delete(q.enqueued, step.ID)
	return step
}

// nextDelay returns the wait until the earliest delayed step is due, or 0
// when nothing is delayed. Caller holds mu.
func (q *Queue) nextDelay() time.Duration {
	if q.delayed.Len() == 0 || q.delayed[0].NextRetryAt == nil {
		return 0
	}
	return time.Until(*q.delayed[0].NextRetryAt)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// delayedHeap is a min-heap of delayed steps ordered by NextRetryAt.
type delayedHeap []*core.StepExecution

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	ti, tj := h[i].NextRetryAt, h[j].NextRetryAt
	switch {
	case ti == nil:
		return true
	case tj == nil:
		return false
	}
	return ti.Before(*tj)
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) {
	*h = append(*h, x.(*core.StepExecution))
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
