package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowforge-io/flowforge/core"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// InstanceStarter starts workflow instances. Satisfied by engine.Runner.
type InstanceStarter interface {
	StartInstance(ctx context.Context, templateID, version, referenceID string, input map[string]any, priority int) (*core.Instance, error)
}

// SchedulerConfig configures the background schedule poller.
type SchedulerConfig struct {
	Starter      InstanceStarter
	Store        ScheduleStore
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically starts instances for due schedules. Instance
// execution itself is asynchronous; the scheduler only records whether the
// start succeeded.
type Scheduler struct {
	starter      InstanceStarter
	store        ScheduleStore
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler instance.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Starter == nil {
		return nil, errors.New("scheduler starter is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		starter:      cfg.Starter,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start starts background polling. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop stops background polling and waits for the loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}

	for _, schedule := range due {
		s.processDueSchedule(ctx, schedule, now)
	}
	return nil
}

func (s *Scheduler) processDueSchedule(ctx context.Context, schedule Schedule, now time.Time) {
	if !schedule.Enabled {
		return
	}

	nextRunAt, err := nextCronRunUTC(schedule.Cron, now)
	if err != nil {
		s.markScheduleFailure(ctx, schedule, now, fmt.Errorf("invalid cron expression: %w", err))
		return
	}

	// Advance next_run_at before starting so a slow start cannot double-fire.
	schedule.NextRunAt = nextRunAt
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("update schedule before run", "schedule_id", schedule.ID, "template_id", schedule.TemplateID, "error", err)
		return
	}

	inst, startErr := s.starter.StartInstance(ctx, schedule.TemplateID, schedule.TemplateVersion, schedule.ReferenceID, cloneMapAny(schedule.Input), 0)

	finish := s.now().UTC()
	schedule.LastRunAt = &finish
	schedule.UpdatedAt = finish
	if startErr != nil {
		schedule.LastStatus = ScheduleStatusFailed
		schedule.LastError = startErr.Error()
	} else {
		schedule.LastStatus = ScheduleStatusStarted
		schedule.LastError = ""
		schedule.LastInstanceID = inst.ID
	}

	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist schedule run result", "schedule_id", schedule.ID, "template_id", schedule.TemplateID, "error", err)
	}
}

func (s *Scheduler) markScheduleFailure(ctx context.Context, schedule Schedule, now time.Time, runErr error) {
	if nextRunAt, err := nextCronRunUTC(schedule.Cron, now); err == nil {
		schedule.NextRunAt = nextRunAt
	}
	schedule.LastStatus = ScheduleStatusFailed
	schedule.LastError = runErr.Error()
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist schedule failure", "schedule_id", schedule.ID, "template_id", schedule.TemplateID, "error", err)
	}
}

func cloneMapAny(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
