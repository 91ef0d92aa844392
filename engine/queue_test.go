package engine

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/store"
)

func pendingStep(id string, priority int) *core.StepExecution {
	return &core.StepExecution{
		ID:             id,
		InstanceID:     "i1",
		StepID:         "node-" + id,
		IdempotencyKey: "i1:node-" + id + ":1",
		AttemptNumber:  1,
		Status:         core.StepPending,
		Priority:       priority,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	q := NewQueue(store.NewMemoryStore())

	step := pendingStep("s1", 0)
	if !q.Enqueue(step) {
		t.Fatal("first enqueue rejected")
	}
	if q.Enqueue(step) {
		t.Fatal("second enqueue of the same step accepted")
	}
	if q.Len() != 1 {
		t.Errorf("len = %d, want 1", q.Len())
	}
}

func TestQueue_DequeuePriorityThenFIFO(t *testing.T) {
	q := NewQueue(store.NewMemoryStore())

	q.Enqueue(pendingStep("low1", 0))
	q.Enqueue(pendingStep("high", 5))
	q.Enqueue(pendingStep("low2", 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var order []string
	for i := 0; i < 3; i++ {
		step, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		order = append(order, step.ID)
	}
	want := []string{"high", "low1", "low2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue(store.NewMemoryStore())

	done := make(chan string, 1)
	go func() {
		step, err := q.Dequeue(context.Background())
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- step.ID
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(pendingStep("s1", 0))

	select {
	case id := <-done:
		if id != "s1" {
			t.Fatalf("dequeued %q, want s1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake on enqueue")
	}
}

func TestQueue_DelayedStepHeldUntilDue(t *testing.T) {
	q := NewQueue(store.NewMemoryStore())

	retryAt := time.Now().Add(50 * time.Millisecond)
	delayed := pendingStep("delayed", 0)
	delayed.NextRetryAt = &retryAt
	q.Enqueue(delayed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("delayed step dispatched before its retry time")
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	step, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after delay: %v", err)
	}
	if step.ID != "delayed" {
		t.Errorf("dequeued %q, want delayed", step.ID)
	}
}

func TestQueue_PromoteSkipsDelay(t *testing.T) {
	q := NewQueue(store.NewMemoryStore())

	retryAt := time.Now().Add(time.Hour)
	delayed := pendingStep("delayed", 0)
	delayed.NextRetryAt = &retryAt
	q.Enqueue(delayed)

	if !q.Promote("delayed") {
		t.Fatal("Promote returned false for delayed step")
	}
	if q.Promote("delayed") {
		t.Fatal("Promote succeeded twice for the same step")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	step, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if step.ID != "delayed" {
		t.Errorf("dequeued %q, want delayed", step.ID)
	}
}

func TestQueue_RebuildFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateInstance(ctx, &core.Instance{ID: "i1", Status: core.InstanceRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	future := time.Now().Add(time.Hour)
	rows := []*core.StepExecution{
		{ID: "ready", InstanceID: "i1", StepID: "a", IdempotencyKey: "i1:a:1", AttemptNumber: 1, Status: core.StepPending},
		{ID: "delayed", InstanceID: "i1", StepID: "b", IdempotencyKey: "i1:b:1", AttemptNumber: 1, Status: core.StepPending, NextRetryAt: &future},
		{ID: "done", InstanceID: "i1", StepID: "c", IdempotencyKey: "i1:c:1", AttemptNumber: 1, Status: core.StepCompleted},
	}
	for _, row := range rows {
		if err := st.CreateStep(ctx, row); err != nil {
			t.Fatalf("CreateStep: %v", err)
		}
	}

	q := NewQueue(st)
	restored, err := q.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored = %d, want 2 (completed row excluded)", restored)
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueue_MetricsSnapshotAndTTL(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateInstance(ctx, &core.Instance{ID: "i1", Status: core.InstanceRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	future := time.Now().Add(time.Hour)
	rows := []*core.StepExecution{
		{ID: "s1", InstanceID: "i1", StepID: "a", IdempotencyKey: "i1:a:1", AttemptNumber: 1, Status: core.StepPending},
		{ID: "s2", InstanceID: "i1", StepID: "b", IdempotencyKey: "i1:b:1", AttemptNumber: 1, Status: core.StepRunning},
		{ID: "s3", InstanceID: "i1", StepID: "c", IdempotencyKey: "i1:c:1", AttemptNumber: 1, Status: core.StepCompleted},
		{ID: "s4", InstanceID: "i1", StepID: "d", IdempotencyKey: "i1:d:1", AttemptNumber: 1, Status: core.StepPending, NextRetryAt: &future},
	}
	for _, row := range rows {
		if err := st.CreateStep(ctx, row); err != nil {
			t.Fatalf("CreateStep: %v", err)
		}
	}

	q := NewQueue(st, WithMetricsTTL(time.Hour))
	snap, err := q.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if snap.Waiting != 1 || snap.Active != 1 || snap.Completed != 1 || snap.Delayed != 1 || snap.Total != 4 {
		t.Errorf("snapshot = %+v", snap)
	}

	// Within the TTL the cached snapshot is served even after writes.
	if err := st.CreateStep(ctx, &core.StepExecution{
		ID: "s5", InstanceID: "i1", StepID: "e", IdempotencyKey: "i1:e:1", AttemptNumber: 1, Status: core.StepPending,
	}); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}
	cached, err := q.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics cached: %v", err)
	}
	if cached.Total != 4 {
		t.Errorf("cached total = %d, want 4 (TTL not honored)", cached.Total)
	}
}
