package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/store"
)

const (
	// DefaultWorkers is the worker pool size when not configured.
	DefaultWorkers = 4

	// DefaultStepTimeout bounds a single action execution.
	DefaultStepTimeout = 30 * time.Second

	// DefaultMaxRetries is the attempt budget for nodes that do not
	// declare their own.
	DefaultMaxRetries = 3

	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 500 * time.Millisecond

	// DefaultBackoffCap bounds the exponential retry delay.
	DefaultBackoffCap = 5 * time.Minute
)

// Runner executes workflow instances: a fixed pool of workers pulls ready
// steps from the queue, claims them with a compare-and-swap transition,
// runs the registered action, and resolves successors. Every state change
// goes through the store first, so a crash between any two operations is
// recoverable by rebuilding the queue.
type Runner struct {
	store    store.Store
	queue    *Queue
	registry *core.ActionRegistry
	resolver *graph.Resolver
	logger   *slog.Logger
	emit     EventHandler

	workers        int
	defaultTimeout time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration

	seq    atomic.Uint64
	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithEventHandler sets the handler receiving engine events.
func WithEventHandler(handler EventHandler) RunnerOption {
	return func(r *Runner) { r.emit = handler }
}

// WithDefaultTimeout sets the per-step execution timeout used when a node
// does not override it.
func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithBackoff sets the retry backoff base delay and cap.
func WithBackoff(base, cap time.Duration) RunnerOption {
	return func(r *Runner) {
		if base > 0 {
			r.backoffBase = base
		}
		if cap > 0 {
			r.backoffCap = cap
		}
	}
}

// NewRunner creates a runner over the given store, queue, and action
// registry.
func NewRunner(st store.Store, queue *Queue, registry *core.ActionRegistry, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:          st,
		queue:          queue,
		registry:       registry,
		resolver:       graph.NewResolver(graph.NewPredicateEngine()),
		logger:         slog.Default(),
		emit:           func(Event) {},
		workers:        DefaultWorkers,
		defaultTimeout: DefaultStepTimeout,
		backoffBase:    DefaultBackoffBase,
		backoffCap:     DefaultBackoffCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start rebuilds the queue from persisted pending steps and launches the
// worker pool. Workers run until Stop is called or ctx ends.
func (r *Runner) Start(ctx context.Context) error {
	restored, err := r.queue.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("runner rebuild queue: %w", err)
	}
	r.publish(NewEvent(EventQueueRebuilt, "").WithPayload("steps", restored))

	workerCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.workerLoop(workerCtx, id)
		}(i)
	}

	r.logger.Info("runner started", "workers", r.workers)
	return nil
}

// Stop halts the worker pool and waits for in-flight steps to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.queue.Close()
	r.wg.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, workerID int) {
	for {
		step, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		r.executeStep(ctx, workerID, step)
	}
}

// StartInstance creates a new instance of the template and enqueues its
// entry steps.
func (r *Runner) StartInstance(ctx context.Context, templateID, version, referenceID string, input map[string]any, priority int) (*core.Instance, error) {
	rec, err := r.store.GetTemplate(ctx, templateID, version)
	if err != nil {
		return nil, err
	}
	td := &rec.Definition

	inst := &core.Instance{
		ID:              uuid.NewString(),
		TemplateID:      td.ID,
		TemplateVersion: td.Version,
		Status:          core.InstanceRunning,
		ReferenceID:     referenceID,
		StartedAt:       time.Now().UTC(),
	}
	if err := r.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	r.publish(NewEvent(EventInstanceStarted, inst.ID).
		WithPayload("template_id", td.ID).
		WithPayload("reference_id", referenceID))

	for _, entry := range td.Entries() {
		if err := r.dispatchNode(ctx, td, inst.ID, entry, input, priority); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// CancelInstance stops further dispatch for the instance. Running steps are
// moved to cancelling and finish their in-flight action; pending steps fail
// immediately. The instance lands in Failed with the cancel reason.
func (r *Runner) CancelInstance(ctx context.Context, instanceID string) error {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return core.ErrInstanceTerminal
	}

	steps, err := r.store.ListSteps(ctx, instanceID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	cancelled := "cancelled"
	for _, step := range steps {
		switch step.Status {
		case core.StepPending:
			// Losing the race to a worker claim is fine; the worker
			// re-checks the instance status before running.
			_ = r.store.TransitionStep(ctx, step.ID, core.StepPending, core.StepFailed, store.StepUpdate{
				ErrorDetails: &cancelled,
				CompletedAt:  &now,
			})
		case core.StepRunning:
			_ = r.store.TransitionStep(ctx, step.ID, core.StepRunning, core.StepCancelling, store.StepUpdate{})
		}
	}

	if err := r.store.UpdateInstanceStatus(ctx, instanceID, core.InstanceFailed, "cancelled"); err != nil {
		return err
	}
	r.publish(NewEvent(EventInstanceCancelled, instanceID))
	return nil
}

// RetryStep creates a fresh attempt for a failed or compensated step with
// no backoff delay. The instance must not be terminal.
func (r *Runner) RetryStep(ctx context.Context, stepExecutionID string) (*core.StepExecution, error) {
	prior, err := r.store.GetStep(ctx, stepExecutionID)
	if err != nil {
		return nil, err
	}
	if prior.Status != core.StepFailed && prior.Status != core.StepCompensated {
		return nil, fmt.Errorf("step %s is %s, only failed or compensated steps can be retried", stepExecutionID, prior.Status)
	}
	inst, err := r.store.GetInstance(ctx, prior.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, core.ErrInstanceTerminal
	}

	attempt, err := r.store.LatestAttempt(ctx, prior.InstanceID, prior.StepID)
	if err != nil {
		return nil, err
	}

	next := &core.StepExecution{
		ID:             uuid.NewString(),
		InstanceID:     prior.InstanceID,
		StepID:         prior.StepID,
		IdempotencyKey: core.IdempotencyKey(prior.InstanceID, prior.StepID, attempt+1),
		AttemptNumber:  attempt + 1,
		Status:         core.StepPending,
		InputData:      prior.InputData,
		RetryCount:     prior.RetryCount,
		MaxRetries:     prior.MaxRetries,
		JoinExpected:   prior.JoinExpected,
		Priority:       prior.Priority,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.CreateStep(ctx, next); err != nil {
		if core.IsDuplicateKey(err) {
			return r.store.GetStepByKey(ctx, next.IdempotencyKey)
		}
		return nil, err
	}
	r.queue.Enqueue(next)
	return next, nil
}

// ForceDispatch clears retry delays on the instance's pending steps so
// they dispatch immediately. Returns the number of promoted steps.
func (r *Runner) ForceDispatch(ctx context.Context, instanceID string) (int, error) {
	steps, err := r.store.ListSteps(ctx, instanceID)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, step := range steps {
		if step.Status != core.StepPending {
			continue
		}
		if step.NextRetryAt != nil {
			if err := r.store.TransitionStep(ctx, step.ID, core.StepPending, core.StepPending,
				store.StepUpdate{ClearNextRetry: true}); err != nil {
				continue
			}
			step.NextRetryAt = nil
		}
		if r.queue.Promote(step.ID) || r.queue.Enqueue(step) {
			promoted++
		}
	}
	return promoted, nil
}

// TestExecute runs a single node's action in isolation: nothing is
// persisted and no successors resolve. Intended for template authoring.
func (r *Runner) TestExecute(ctx context.Context, node graph.NodeDef, input map[string]any) (map[string]any, time.Duration, error) {
	started := time.Now()
	output, err := r.runAction(ctx, node, input)
	return output, time.Since(started), err
}

// dispatchNode creates and enqueues attempt 1 of a node, skipping nodes
// that already have a live attempt. Join nodes are handled by the caller.
func (r *Runner) dispatchNode(ctx context.Context, td *graph.TemplateDefinition, instanceID, nodeID string, input map[string]any, priority int) error {
	live, err := r.store.HasLiveStep(ctx, instanceID, nodeID)
	if err != nil {
		return err
	}
	if live {
		return nil
	}

	node, ok := td.Node(nodeID)
	if !ok {
		return fmt.Errorf("dispatch: node %q not in template %s@%s", nodeID, td.ID, td.Version)
	}

	attempt, err := r.store.LatestAttempt(ctx, instanceID, nodeID)
	if err != nil {
		return err
	}

	step := r.newStepRow(td, node, instanceID, attempt+1, input, priority)
	if err := r.store.CreateStep(ctx, step); err != nil {
		if core.IsDuplicateKey(err) {
			return nil
		}
		return err
	}
	r.queue.Enqueue(step)
	return nil
}

func (r *Runner) newStepRow(td *graph.TemplateDefinition, node graph.NodeDef, instanceID string, attempt int, input map[string]any, priority int) *core.StepExecution {
	step := &core.StepExecution{
		ID:             uuid.NewString(),
		InstanceID:     instanceID,
		StepID:         node.ID,
		IdempotencyKey: core.IdempotencyKey(instanceID, node.ID, attempt),
		AttemptNumber:  attempt,
		Status:         core.StepPending,
		InputData:      input,
		RetryCount:     attempt - 1,
		MaxRetries:     nodeMaxRetries(node),
		Priority:       nodePriority(node, priority),
		CreatedAt:      time.Now().UTC(),
	}
	if node.Kind == core.NodeKindJoinSync {
		step.JoinExpected = td.JoinBranchCount(node.ID)
	}
	return step
}

// executeStep runs one claimed step end to end.
func (r *Runner) executeStep(ctx context.Context, workerID int, step *core.StepExecution) {
	logger := r.logger.With("worker", workerID, "instance", step.InstanceID, "step", step.StepID, "attempt", step.AttemptNumber)

	inst, err := r.store.GetInstance(ctx, step.InstanceID)
	if err != nil {
		logger.Error("load instance failed", "error", err)
		return
	}
	if inst.Status.Terminal() {
		cancelled := "cancelled"
		now := time.Now().UTC()
		_ = r.store.TransitionStep(ctx, step.ID, core.StepPending, core.StepFailed, store.StepUpdate{
			ErrorDetails: &cancelled,
			CompletedAt:  &now,
		})
		return
	}

	started := time.Now().UTC()
	err = r.store.TransitionStep(ctx, step.ID, core.StepPending, core.StepRunning, store.StepUpdate{
		StartedAt: &started,
	})
	if err != nil {
		// Another worker claimed the row; the attempt runs at most once.
		if core.IsConflict(err) {
			logger.Debug("claim lost", "error", err)
			return
		}
		logger.Error("claim failed", "error", err)
		return
	}

	rec, err := r.store.GetTemplate(ctx, inst.TemplateID, inst.TemplateVersion)
	if err != nil {
		r.failAttempt(ctx, logger, nil, inst, step, started, fmt.Errorf("load template: %w", err))
		return
	}
	td := &rec.Definition
	node, ok := td.Node(step.StepID)
	if !ok {
		r.failAttempt(ctx, logger, td, inst, step, started, fmt.Errorf("node %q missing from template %s@%s", step.StepID, td.ID, td.Version))
		return
	}

	r.publish(NewEvent(EventStepStarted, inst.ID).
		WithStep(step.StepID, node.Kind).
		WithAttempt(step.AttemptNumber))

	output, actionErr := r.runAction(ctx, node, step.InputData)
	elapsed := time.Since(started)

	if actionErr != nil {
		r.publish(NewEvent(EventStepFailed, inst.ID).
			WithStep(step.StepID, node.Kind).
			WithAttempt(step.AttemptNumber).
			WithElapsed(elapsed).
			WithPayload("error", actionErr.Error()))
		r.failAttempt(ctx, logger, td, inst, step, started, actionErr)
		return
	}

	completed := time.Now().UTC()
	durationMs := elapsed.Milliseconds()
	skipSuccessors := false
	err = r.store.TransitionStep(ctx, step.ID, core.StepRunning, core.StepCompleted, store.StepUpdate{
		OutputData:     output,
		CompletedAt:    &completed,
		DurationMs:     &durationMs,
		ClearNextRetry: true,
	})
	if err != nil {
		var conflict *core.ConflictError
		if errors.As(err, &conflict) && conflict.Actual == core.StepCancelling {
			// The instance was cancelled mid-flight. Record the result
			// but never resolve successors.
			skipSuccessors = true
			_ = r.store.TransitionStep(ctx, step.ID, core.StepCancelling, core.StepCompleted, store.StepUpdate{
				OutputData:     output,
				CompletedAt:    &completed,
				DurationMs:     &durationMs,
				ClearNextRetry: true,
			})
		} else {
			logger.Error("complete transition failed", "error", err)
			return
		}
	}

	r.publish(NewEvent(EventStepCompleted, inst.ID).
		WithStep(step.StepID, node.Kind).
		WithAttempt(step.AttemptNumber).
		WithElapsed(elapsed))

	if skipSuccessors {
		return
	}
	r.resolveAndDispatch(ctx, logger, td, inst, step, node, output)
}

// resolveAndDispatch routes the completed step's output to its successors
// and completes the instance when no work remains.
func (r *Runner) resolveAndDispatch(ctx context.Context, logger *slog.Logger, td *graph.TemplateDefinition, inst *core.Instance, step *core.StepExecution, node graph.NodeDef, output map[string]any) {
	iteration := 0
	if node.Kind == core.NodeKindWhileLoop {
		completed, err := r.store.CountCompletedAttempts(ctx, inst.ID, step.StepID)
		if err != nil {
			logger.Error("count loop iterations failed", "error", err)
			return
		}
		iteration = completed
	}

	refs, err := r.resolver.Successors(td, step.StepID, output, iteration)
	if err != nil {
		// A routing failure is a template defect, not a transient fault;
		// it fails the instance without retry.
		logger.Error("successor resolution failed", "error", err)
		r.failInstance(ctx, inst, err.Error())
		return
	}

	for _, ref := range refs {
		succ, ok := td.Node(ref.NodeID)
		if !ok {
			continue
		}
		if succ.Kind == core.NodeKindJoinSync {
			r.arriveAtJoin(ctx, logger, td, inst, succ, output)
			continue
		}
		if err := r.dispatchNode(ctx, td, inst.ID, ref.NodeID, output, step.Priority); err != nil {
			logger.Error("dispatch successor failed", "successor", ref.NodeID, "error", err)
		}
	}

	if len(refs) == 0 {
		r.maybeCompleteInstance(ctx, logger, inst.ID)
	}
}

// arriveAtJoin records one inbound branch at a join step and enqueues the
// join once every expected branch has arrived. The join row is created by
// whichever branch arrives first; the idempotency key makes the
// find-or-create race safe.
func (r *Runner) arriveAtJoin(ctx context.Context, logger *slog.Logger, td *graph.TemplateDefinition, inst *core.Instance, join graph.NodeDef, branchOutput map[string]any) {
	attempt, err := r.store.LatestAttempt(ctx, inst.ID, join.ID)
	if err != nil {
		logger.Error("join lookup failed", "join", join.ID, "error", err)
		return
	}

	var row *core.StepExecution
	if attempt > 0 {
		existing, err := r.store.GetStepByKey(ctx, core.IdempotencyKey(inst.ID, join.ID, attempt))
		if err == nil && !existing.Status.Terminal() {
			row = existing
		}
	}
	if row == nil {
		candidate := r.newStepRow(td, join, inst.ID, attempt+1, branchOutput, 0)
		if err := r.store.CreateStep(ctx, candidate); err != nil {
			if !core.IsDuplicateKey(err) {
				logger.Error("create join row failed", "join", join.ID, "error", err)
				return
			}
			candidate, err = r.store.GetStepByKey(ctx, core.IdempotencyKey(inst.ID, join.ID, attempt+1))
			if err != nil {
				logger.Error("load join row failed", "join", join.ID, "error", err)
				return
			}
		}
		row = candidate
	}

	arrivals, err := r.store.IncrementJoinArrival(ctx, row.ID)
	if err != nil {
		logger.Error("join arrival failed", "join", join.ID, "error", err)
		return
	}
	r.publish(NewEvent(EventJoinArrived, inst.ID).
		WithStep(join.ID, core.NodeKindJoinSync).
		WithPayload("arrivals", arrivals).
		WithPayload("expected", row.JoinExpected))

	// Only the branch that completes the count dispatches the join, so it
	// fires exactly once.
	if arrivals == row.JoinExpected {
		row.JoinArrivals = arrivals
		r.queue.Enqueue(row)
	}
}

// maybeCompleteInstance completes the instance once no live steps remain.
func (r *Runner) maybeCompleteInstance(ctx context.Context, logger *slog.Logger, instanceID string) {
	outstanding, err := r.store.CountLiveSteps(ctx, instanceID)
	if err != nil {
		logger.Error("count live steps failed", "error", err)
		return
	}
	if outstanding > 0 {
		return
	}
	if err := r.store.UpdateInstanceStatus(ctx, instanceID, core.InstanceCompleted, ""); err != nil {
		if !errors.Is(err, core.ErrInstanceTerminal) {
			logger.Error("complete instance failed", "error", err)
		}
		return
	}
	r.publish(NewEvent(EventInstanceCompleted, instanceID))
}

// failAttempt handles a failed execution: schedule a retry when budget
// remains, otherwise compensate and fail or route the failure path.
func (r *Runner) failAttempt(ctx context.Context, logger *slog.Logger, td *graph.TemplateDefinition, inst *core.Instance, step *core.StepExecution, started time.Time, cause error) {
	now := time.Now().UTC()
	durationMs := now.Sub(started).Milliseconds()
	details := (&core.ActionError{StepID: step.StepID, Attempt: step.AttemptNumber, At: now, Cause: cause}).Error()
	retryCount := step.AttemptNumber

	err := r.store.TransitionStep(ctx, step.ID, core.StepRunning, core.StepFailed, store.StepUpdate{
		ErrorDetails: &details,
		CompletedAt:  &now,
		DurationMs:   &durationMs,
		RetryCount:   &retryCount,
	})
	if err != nil {
		var conflict *core.ConflictError
		if errors.As(err, &conflict) && conflict.Actual == core.StepCancelling {
			_ = r.store.TransitionStep(ctx, step.ID, core.StepCancelling, core.StepFailed, store.StepUpdate{
				ErrorDetails: &details,
				CompletedAt:  &now,
			})
			return
		}
		logger.Error("fail transition failed", "error", err)
		return
	}

	if step.AttemptNumber < step.MaxRetries {
		r.scheduleRetry(ctx, logger, inst, step, now)
		return
	}

	// Retry budget exhausted.
	logger.Warn("step exhausted retries", "max_retries", step.MaxRetries, "error", cause)
	var node graph.NodeDef
	var haveNode bool
	if td != nil {
		node, haveNode = td.Node(step.StepID)
	}

	if haveNode {
		if name, ok := node.Config["compensation"].(string); ok && strings.TrimSpace(name) != "" {
			r.compensate(ctx, logger, td, inst, step, node, name)
			return
		}
	}
	r.failInstance(ctx, inst, details)
}

// scheduleRetry creates the next attempt row with an exponential, jittered
// delay and enqueues it on the delay heap.
func (r *Runner) scheduleRetry(ctx context.Context, logger *slog.Logger, inst *core.Instance, step *core.StepExecution, now time.Time) {
	delay := r.backoffDelay(step.AttemptNumber)
	retryAt := now.Add(delay)

	next := &core.StepExecution{
		ID:             uuid.NewString(),
		InstanceID:     step.InstanceID,
		StepID:         step.StepID,
		IdempotencyKey: core.IdempotencyKey(step.InstanceID, step.StepID, step.AttemptNumber+1),
		AttemptNumber:  step.AttemptNumber + 1,
		Status:         core.StepPending,
		InputData:      step.InputData,
		RetryCount:     step.AttemptNumber,
		MaxRetries:     step.MaxRetries,
		JoinExpected:   step.JoinExpected,
		Priority:       step.Priority,
		NextRetryAt:    &retryAt,
		CreatedAt:      now,
	}
	if err := r.store.CreateStep(ctx, next); err != nil {
		if !core.IsDuplicateKey(err) {
			logger.Error("schedule retry failed", "error", err)
		}
		return
	}
	r.queue.Enqueue(next)
	r.publish(NewEvent(EventRetryScheduled, inst.ID).
		WithStep(step.StepID, "").
		WithAttempt(next.AttemptNumber).
		WithPayload("next_retry_at", retryAt).
		WithPayload("delay_ms", delay.Milliseconds()))
}

// compensate runs the configured compensation action synchronously, marks
// the step compensated, and routes the failure path when one exists.
func (r *Runner) compensate(ctx context.Context, logger *slog.Logger, td *graph.TemplateDefinition, inst *core.Instance, step *core.StepExecution, node graph.NodeDef, actionName string) {
	action, ok := r.registry.Get(actionName)
	if !ok {
		logger.Error("compensation action not registered", "action", actionName)
		r.failInstance(ctx, inst, fmt.Sprintf("compensation action %q not registered", actionName))
		return
	}

	compCtx, cancel := context.WithTimeout(ctx, r.nodeTimeout(node))
	output, err := action.Execute(compCtx, step.InputData)
	cancel()
	if err != nil {
		logger.Error("compensation failed", "action", actionName, "error", err)
		r.failInstance(ctx, inst, fmt.Sprintf("compensation %q failed: %v", actionName, err))
		return
	}

	executed := true
	if err := r.store.TransitionStep(ctx, step.ID, core.StepFailed, core.StepCompensated, store.StepUpdate{
		OutputData:           output,
		CompensationExecuted: &executed,
	}); err != nil {
		logger.Error("compensated transition failed", "error", err)
		return
	}
	r.publish(NewEvent(EventStepCompensated, inst.ID).
		WithStep(step.StepID, node.Kind).
		WithAttempt(step.AttemptNumber).
		WithPayload("action", actionName))

	failurePath := r.resolver.FailurePath(td, step.StepID)
	if len(failurePath) == 0 {
		r.failInstance(ctx, inst, step.StepID+" exhausted retries (compensated)")
		return
	}
	for _, ref := range failurePath {
		if err := r.dispatchNode(ctx, td, inst.ID, ref.NodeID, step.InputData, step.Priority); err != nil {
			logger.Error("dispatch failure path failed", "successor", ref.NodeID, "error", err)
		}
	}
}

// failInstance marks the instance failed and raises its escalation level.
func (r *Runner) failInstance(ctx context.Context, inst *core.Instance, details string) {
	level := inst.EscalationLevel + 1
	if err := r.store.SetEscalationLevel(ctx, inst.ID, level); err != nil && !errors.Is(err, core.ErrInstanceNotFound) {
		r.logger.Error("set escalation level failed", "instance", inst.ID, "error", err)
	}
	if err := r.store.UpdateInstanceStatus(ctx, inst.ID, core.InstanceFailed, details); err != nil {
		if !errors.Is(err, core.ErrInstanceTerminal) {
			r.logger.Error("fail instance failed", "instance", inst.ID, "error", err)
		}
		return
	}
	r.publish(NewEvent(EventInstanceEscalated, inst.ID).WithPayload("level", level))
	r.publish(NewEvent(EventInstanceFailed, inst.ID).WithPayload("error", details))
}

// runAction executes the node's body under the step timeout. Control-flow
// nodes without a configured action pass their input through unchanged.
func (r *Runner) runAction(ctx context.Context, node graph.NodeDef, input map[string]any) (map[string]any, error) {
	name, _ := node.Config["action"].(string)
	if strings.TrimSpace(name) == "" {
		switch node.Kind {
		case core.NodeKindAction, core.NodeKindAiDecision:
			return nil, fmt.Errorf("node %q (%s) has no action configured", node.ID, node.Kind)
		}
		out := make(map[string]any, len(input))
		maps.Copy(out, input)
		return out, nil
	}

	action, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("action %q not registered", name)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.nodeTimeout(node))
	defer cancel()

	output, err := action.Execute(execCtx, withNodeConfig(input, node))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", core.ErrActionTimeout, r.nodeTimeout(node))
		}
		return nil, err
	}
	return output, nil
}

// nodeTimeout reads the node's timeout override, falling back to the
// runner default.
func (r *Runner) nodeTimeout(node graph.NodeDef) time.Duration {
	raw, _ := node.Config["timeout"].(string)
	if raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return r.defaultTimeout
}

// backoffDelay computes the delay before the given attempt's retry:
// exponential doubling from the base, jittered down by up to 25%, capped.
// The jitter window keeps consecutive delays strictly increasing.
func (r *Runner) backoffDelay(attempt int) time.Duration {
	delay := r.backoffBase
	for i := 1; i < attempt && delay < r.backoffCap; i++ {
		delay *= 2
	}
	if delay > r.backoffCap {
		delay = r.backoffCap
	}
	quarter := delay / 4
	if quarter > 0 {
		delay = delay - quarter + time.Duration(rand.Int64N(int64(quarter)))
	}
	return delay
}

func (r *Runner) publish(e Event) {
	e.Seq = r.seq.Add(1)
	r.emit(e)
}

func nodeMaxRetries(node graph.NodeDef) int {
	if raw, ok := node.Config["max_retries"]; ok {
		switch v := raw.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return DefaultMaxRetries
}

func nodePriority(node graph.NodeDef, fallback int) int {
	if raw, ok := node.Config["priority"]; ok {
		switch v := raw.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return fallback
}

// withNodeConfig exposes the node config to the action under a reserved
// key without mutating the caller's input map.
func withNodeConfig(input map[string]any, node graph.NodeDef) map[string]any {
	out := make(map[string]any, len(input)+1)
	maps.Copy(out, input)
	if len(node.Config) > 0 {
		out["_config"] = node.Config
	}
	return out
}
