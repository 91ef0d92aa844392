package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/graph"
)

// MemoryStore is an in-memory Store for tests and embedded use. All data is
// lost on process exit. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	templates map[string]*TemplateRecord // keyed by id + "\x00" + version
	instances map[string]*core.Instance
	steps     map[string]*core.StepExecution
	stepKeys  map[string]string // idempotency key -> step execution ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*TemplateRecord),
		instances: make(map[string]*core.Instance),
		steps:     make(map[string]*core.StepExecution),
		stepKeys:  make(map[string]string),
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func templateKey(id, version string) string {
	return id + "\x00" + version
}

// --- templates ---

func (s *MemoryStore) CreateTemplate(_ context.Context, td *graph.TemplateDefinition, published bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.templates[templateKey(td.ID, td.Version)] = &TemplateRecord{
		Definition: *cloneTemplate(td),
		Published:  published,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id, version string) (*TemplateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version != "" {
		rec, ok := s.templates[templateKey(id, version)]
		if !ok {
			return nil, core.ErrTemplateNotFound
		}
		return cloneTemplateRecord(rec), nil
	}

	var latest *TemplateRecord
	for key, rec := range s.templates {
		if !strings.HasPrefix(key, id+"\x00") {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, core.ErrTemplateNotFound
	}
	return cloneTemplateRecord(latest), nil
}

func (s *MemoryStore) ListTemplates(_ context.Context) ([]TemplateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]TemplateRecord, 0, len(s.templates))
	for _, rec := range s.templates {
		records = append(records, *cloneTemplateRecord(rec))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Definition.ID != records[j].Definition.ID {
			return records[i].Definition.ID < records[j].Definition.ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *MemoryStore) UpdateTemplate(_ context.Context, td *graph.TemplateDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.templates[templateKey(td.ID, td.Version)]
	if !ok {
		return core.ErrTemplateNotFound
	}
	if rec.Published {
		return core.ErrTemplatePublished
	}
	rec.Definition = *cloneTemplate(td)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) PublishTemplate(_ context.Context, id, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.templates[templateKey(id, version)]
	if !ok {
		return core.ErrTemplateNotFound
	}
	rec.Published = true
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteTemplate(_ context.Context, id, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.templates[templateKey(id, version)]
	if !ok {
		return core.ErrTemplateNotFound
	}
	if rec.Published {
		return core.ErrTemplatePublished
	}
	delete(s.templates, templateKey(id, version))
	return nil
}

// --- instances ---

func (s *MemoryStore) CreateInstance(_ context.Context, inst *core.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now().UTC()
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*core.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, core.ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) UpdateInstanceStatus(_ context.Context, id string, status core.InstanceStatus, errorDetails string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return core.ErrInstanceNotFound
	}
	if inst.Status.Terminal() {
		return core.ErrInstanceTerminal
	}
	inst.Status = status
	inst.ErrorDetails = errorDetails
	if status.Terminal() {
		now := time.Now().UTC()
		inst.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) SetEscalationLevel(_ context.Context, id string, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return core.ErrInstanceNotFound
	}
	inst.EscalationLevel = level
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*core.Instance, core.Pagination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*core.Instance
	for _, inst := range s.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.TemplateID != "" && inst.TemplateID != filter.TemplateID {
			continue
		}
		if filter.ReferenceID != "" && inst.ReferenceID != filter.ReferenceID {
			continue
		}
		matched = append(matched, cloneInstance(inst))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	page := NewPaginationBounds(filter.Page, filter.Limit)
	total := len(matched)
	start := (page.Page - 1) * page.Limit
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return matched[start:end], core.NewPagination(page.Page, page.Limit, total), nil
}

// --- steps ---

func (s *MemoryStore) CreateStep(_ context.Context, step *core.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stepKeys[step.IdempotencyKey]; exists {
		return &core.DuplicateIdempotencyKeyError{Key: step.IdempotencyKey}
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	s.steps[step.ID] = cloneStep(step)
	s.stepKeys[step.IdempotencyKey] = step.ID
	return nil
}

func (s *MemoryStore) GetStep(_ context.Context, id string) (*core.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, core.ErrStepNotFound
	}
	return cloneStep(step), nil
}

func (s *MemoryStore) GetStepByKey(_ context.Context, idempotencyKey string) (*core.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.stepKeys[idempotencyKey]
	if !ok {
		return nil, core.ErrStepNotFound
	}
	return cloneStep(s.steps[id]), nil
}

func (s *MemoryStore) ListSteps(_ context.Context, instanceID string) ([]*core.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var steps []*core.StepExecution
	for _, step := range s.steps {
		if step.InstanceID == instanceID {
			steps = append(steps, cloneStep(step))
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		return steps[i].AttemptNumber < steps[j].AttemptNumber
	})
	return steps, nil
}

func (s *MemoryStore) TransitionStep(_ context.Context, id string, from, to core.StepStatus, update StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return core.ErrStepNotFound
	}
	if step.Status != from {
		return &core.ConflictError{StepExecutionID: id, Expected: from, Actual: step.Status}
	}

	step.Status = to
	if update.OutputData != nil {
		step.OutputData = cloneData(update.OutputData)
	}
	if update.ErrorDetails != nil {
		step.ErrorDetails = *update.ErrorDetails
	}
	if update.StartedAt != nil {
		t := update.StartedAt.UTC()
		step.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := update.CompletedAt.UTC()
		step.CompletedAt = &t
	}
	if update.DurationMs != nil {
		step.DurationMs = *update.DurationMs
	}
	if update.RetryCount != nil {
		step.RetryCount = *update.RetryCount
	}
	if update.NextRetryAt != nil {
		t := update.NextRetryAt.UTC()
		step.NextRetryAt = &t
	} else if update.ClearNextRetry {
		step.NextRetryAt = nil
	}
	if update.CompensationExecuted != nil {
		step.CompensationExecuted = *update.CompensationExecuted
	}
	return nil
}

func (s *MemoryStore) IncrementJoinArrival(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return 0, core.ErrStepNotFound
	}
	step.JoinArrivals++
	return step.JoinArrivals, nil
}

func (s *MemoryStore) ListReadySteps(_ context.Context, now time.Time, limit int) ([]*core.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*core.StepExecution
	for _, step := range s.steps {
		if step.Status != core.StepPending {
			continue
		}
		if step.NextRetryAt != nil && step.NextRetryAt.After(now) {
			continue
		}
		ready = append(ready, cloneStep(step))
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *MemoryStore) HasLiveStep(_ context.Context, instanceID, stepID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, step := range s.steps {
		if step.InstanceID == instanceID && step.StepID == stepID &&
			(step.Status == core.StepPending || step.Status == core.StepRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CountLiveSteps(_ context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, step := range s.steps {
		if step.InstanceID != instanceID {
			continue
		}
		switch step.Status {
		case core.StepPending, core.StepRunning, core.StepCancelling:
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) LatestAttempt(_ context.Context, instanceID, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := 0
	for _, step := range s.steps {
		if step.InstanceID == instanceID && step.StepID == stepID && step.AttemptNumber > latest {
			latest = step.AttemptNumber
		}
	}
	return latest, nil
}

func (s *MemoryStore) CountCompletedAttempts(_ context.Context, instanceID, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, step := range s.steps {
		if step.InstanceID == instanceID && step.StepID == stepID && step.Status == core.StepCompleted {
			count++
		}
	}
	return count, nil
}

// --- metrics ---

func (s *MemoryStore) CountStepsByStatus(_ context.Context) (map[core.StepStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[core.StepStatus]int)
	for _, step := range s.steps {
		counts[step.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) CountDelayedSteps(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, step := range s.steps {
		if step.Status == core.StepPending && step.NextRetryAt != nil && step.NextRetryAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountInstancesByStatus(_ context.Context) (map[core.InstanceStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[core.InstanceStatus]int)
	for _, inst := range s.instances {
		counts[inst.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) CountInstancesCompletedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, inst := range s.instances {
		if inst.Status == core.InstanceCompleted && inst.CompletedAt != nil && !inst.CompletedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// --- clone helpers ---

func cloneTemplate(td *graph.TemplateDefinition) *graph.TemplateDefinition {
	out := *td
	out.Nodes = make([]graph.NodeDef, len(td.Nodes))
	for i, n := range td.Nodes {
		out.Nodes[i] = n
		out.Nodes[i].Config = cloneData(n.Config)
	}
	out.Edges = append([]graph.EdgeDef(nil), td.Edges...)
	return &out
}

func cloneTemplateRecord(rec *TemplateRecord) *TemplateRecord {
	out := *rec
	out.Definition = *cloneTemplate(&rec.Definition)
	return &out
}

func cloneInstance(inst *core.Instance) *core.Instance {
	out := *inst
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneStep(step *core.StepExecution) *core.StepExecution {
	out := *step
	out.InputData = cloneData(step.InputData)
	out.OutputData = cloneData(step.OutputData)
	for _, pair := range []struct {
		src *time.Time
		dst **time.Time
	}{
		{step.StartedAt, &out.StartedAt},
		{step.CompletedAt, &out.CompletedAt},
		{step.NextRetryAt, &out.NextRetryAt},
	} {
		if pair.src != nil {
			t := *pair.src
			*pair.dst = &t
		}
	}
	return &out
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
