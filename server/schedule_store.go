package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrScheduleExists   = errors.New("schedule already exists")
	ErrScheduleNotFound = errors.New("schedule not found")
)

const (
	ScheduleStatusStarted = "started"
	ScheduleStatusFailed  = "failed"
)

// Schedule starts workflow instances on a cron timer.
type Schedule struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion string         `json:"template_version,omitempty"`
	ReferenceID     string         `json:"reference_id,omitempty"`
	Cron            string         `json:"cron"`
	Enabled         bool           `json:"enabled"`
	Input           map[string]any `json:"input,omitempty"`

	NextRunAt      time.Time  `json:"next_run_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastInstanceID string     `json:"last_instance_id,omitempty"`
	LastStatus     string     `json:"last_status,omitempty"`
	LastError      string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleStore provides CRUD + due scheduling operations.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]Schedule, error)
	GetSchedule(ctx context.Context, scheduleID string) (Schedule, bool, error)
	CreateSchedule(ctx context.Context, schedule Schedule) error
	UpdateSchedule(ctx context.Context, schedule Schedule) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	// ListDueSchedules returns enabled schedules whose NextRunAt is at or
	// before now, oldest first.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}

// MemScheduleStore is a thread-safe in-memory schedule store.
type MemScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
}

// NewMemScheduleStore creates an empty in-memory schedule store.
func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{schedules: make(map[string]Schedule)}
}

func (s *MemScheduleStore) ListSchedules(_ context.Context) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, schedule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemScheduleStore) GetSchedule(_ context.Context, scheduleID string) (Schedule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[scheduleID]
	return schedule, ok, nil
}

func (s *MemScheduleStore) CreateSchedule(_ context.Context, schedule Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return ErrScheduleExists
	}
	s.schedules[schedule.ID] = schedule
	return nil
}

func (s *MemScheduleStore) UpdateSchedule(_ context.Context, schedule Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; !exists {
		return ErrScheduleNotFound
	}
	s.schedules[schedule.ID] = schedule
	return nil
}

func (s *MemScheduleStore) DeleteSchedule(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[scheduleID]; !exists {
		return ErrScheduleNotFound
	}
	delete(s.schedules, scheduleID)
	return nil
}

func (s *MemScheduleStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Schedule
	for _, schedule := range s.schedules {
		if schedule.Enabled && !schedule.NextRunAt.After(now) {
			due = append(due, schedule)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

var _ ScheduleStore = (*MemScheduleStore)(nil)
