package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const scheduleSchema = `
CREATE TABLE IF NOT EXISTS workflow_schedules (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL,
	template_version TEXT NOT NULL DEFAULT '',
	reference_id     TEXT NOT NULL DEFAULT '',
	cron_expr        TEXT NOT NULL,
	enabled          INTEGER NOT NULL DEFAULT 1,
	input_json       BLOB NOT NULL,
	next_run_at      TEXT NOT NULL,
	last_run_at      TEXT,
	last_instance_id TEXT,
	last_status      TEXT,
	last_error       TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_schedules_due
ON workflow_schedules(enabled, next_run_at);
`

const scheduleColumns = `id, template_id, template_version, reference_id, cron_expr, enabled,
input_json, next_run_at, last_run_at, last_instance_id, last_status, last_error,
created_at, updated_at`

// SQLiteScheduleStore persists schedules in SQLite. It is designed to
// share the engine store's database connection.
type SQLiteScheduleStore struct {
	db *sql.DB
}

// NewSQLiteScheduleStore creates the schedule table if needed and returns
// a store over the given connection.
func NewSQLiteScheduleStore(db *sql.DB) (*SQLiteScheduleStore, error) {
	if _, err := db.Exec(scheduleSchema); err != nil {
		return nil, fmt.Errorf("schedule sqlite store: create schema: %w", err)
	}
	return &SQLiteScheduleStore{db: db}, nil
}

func (s *SQLiteScheduleStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+`
FROM workflow_schedules
ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("schedule sqlite store list: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

func (s *SQLiteScheduleStore) GetSchedule(ctx context.Context, scheduleID string) (Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+`
FROM workflow_schedules
WHERE id = ?`, scheduleID)

	schedule, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return Schedule{}, false, nil
	}
	if err != nil {
		return Schedule{}, false, err
	}
	return schedule, true, nil
}

func (s *SQLiteScheduleStore) CreateSchedule(ctx context.Context, schedule Schedule) error {
	inputJSON, err := marshalScheduleInput(schedule.Input)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO workflow_schedules
(`+scheduleColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.TemplateID,
		schedule.TemplateVersion,
		schedule.ReferenceID,
		schedule.Cron,
		boolToInt(schedule.Enabled),
		inputJSON,
		schedule.NextRunAt.UTC().Format(time.RFC3339Nano),
		formatScheduleTime(schedule.LastRunAt),
		nullIfEmptyString(schedule.LastInstanceID),
		nullIfEmptyString(schedule.LastStatus),
		nullIfEmptyString(schedule.LastError),
		schedule.CreatedAt.UTC().Format(time.RFC3339Nano),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrScheduleExists
		}
		return fmt.Errorf("schedule sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteScheduleStore) UpdateSchedule(ctx context.Context, schedule Schedule) error {
	inputJSON, err := marshalScheduleInput(schedule.Input)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE workflow_schedules
SET template_id = ?, template_version = ?, reference_id = ?, cron_expr = ?, enabled = ?,
    input_json = ?, next_run_at = ?, last_run_at = ?, last_instance_id = ?,
    last_status = ?, last_error = ?, updated_at = ?
WHERE id = ?`,
		schedule.TemplateID,
		schedule.TemplateVersion,
		schedule.ReferenceID,
		schedule.Cron,
		boolToInt(schedule.Enabled),
		inputJSON,
		schedule.NextRunAt.UTC().Format(time.RFC3339Nano),
		formatScheduleTime(schedule.LastRunAt),
		nullIfEmptyString(schedule.LastInstanceID),
		nullIfEmptyString(schedule.LastStatus),
		nullIfEmptyString(schedule.LastError),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano),
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("schedule sqlite store update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule sqlite store update affected: %w", err)
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteScheduleStore) DeleteSchedule(ctx context.Context, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_schedules WHERE id = ?`, scheduleID)
	if err != nil {
		return fmt.Errorf("schedule sqlite store delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule sqlite store delete affected: %w", err)
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteScheduleStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	query := `SELECT ` + scheduleColumns + `
FROM workflow_schedules
WHERE enabled = 1 AND next_run_at <= ?
ORDER BY next_run_at ASC`
	args := []any{now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("schedule sqlite store list due: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

type scheduleScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scheduleScanner) (Schedule, error) {
	var (
		schedule       Schedule
		enabled        int
		inputJSON      []byte
		nextRunAt      string
		lastRunAt      sql.NullString
		lastInstanceID sql.NullString
		lastStatus     sql.NullString
		lastError      sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(
		&schedule.ID,
		&schedule.TemplateID,
		&schedule.TemplateVersion,
		&schedule.ReferenceID,
		&schedule.Cron,
		&enabled,
		&inputJSON,
		&nextRunAt,
		&lastRunAt,
		&lastInstanceID,
		&lastStatus,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return Schedule{}, err
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule sqlite store scan: %w", err)
	}

	schedule.Enabled = enabled != 0
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &schedule.Input); err != nil {
			return Schedule{}, fmt.Errorf("schedule sqlite store unmarshal input: %w", err)
		}
	}
	if schedule.NextRunAt, err = time.Parse(time.RFC3339Nano, nextRunAt); err != nil {
		return Schedule{}, fmt.Errorf("schedule sqlite store parse next_run_at: %w", err)
	}
	if lastRunAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastRunAt.String)
		if err != nil {
			return Schedule{}, fmt.Errorf("schedule sqlite store parse last_run_at: %w", err)
		}
		schedule.LastRunAt = &t
	}
	schedule.LastInstanceID = lastInstanceID.String
	schedule.LastStatus = lastStatus.String
	schedule.LastError = lastError.String
	if schedule.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Schedule{}, fmt.Errorf("schedule sqlite store parse created_at: %w", err)
	}
	if schedule.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Schedule{}, fmt.Errorf("schedule sqlite store parse updated_at: %w", err)
	}
	return schedule, nil
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var schedules []Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule sqlite store rows: %w", err)
	}
	return schedules, nil
}

func marshalScheduleInput(input map[string]any) ([]byte, error) {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("schedule sqlite store marshal input: %w", err)
	}
	return raw, nil
}

func formatScheduleTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmptyString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ ScheduleStore = (*SQLiteScheduleStore)(nil)
