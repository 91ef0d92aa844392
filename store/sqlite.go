package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/graph"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS templates (
	id TEXT NOT NULL,
	version TEXT NOT NULL,
	name TEXT,
	definition BLOB NOT NULL,
	published INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	template_version TEXT NOT NULL,
	status TEXT NOT NULL,
	reference_id TEXT,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	error_details TEXT,
	started_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_instances_status
ON instances(status);

CREATE INDEX IF NOT EXISTS idx_instances_reference
ON instances(reference_id);

CREATE TABLE IF NOT EXISTS step_executions (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	attempt_number INTEGER NOT NULL,
	status TEXT NOT NULL,
	input_json BLOB,
	output_json BLOB,
	error_details TEXT,
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT,
	compensation_executed INTEGER NOT NULL DEFAULT 0,
	join_arrivals INTEGER NOT NULL DEFAULT 0,
	join_expected INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	FOREIGN KEY(instance_id) REFERENCES instances(id)
);

CREATE INDEX IF NOT EXISTS idx_steps_instance
ON step_executions(instance_id, created_at);

CREATE INDEX IF NOT EXISTS idx_steps_ready
ON step_executions(status, next_retry_at);

CREATE INDEX IF NOT EXISTS idx_steps_node
ON step_executions(instance_id, step_id);`

const stepColumns = `id, instance_id, step_id, idempotency_key, attempt_number, status,
	input_json, output_json, error_details, started_at, completed_at, duration_ms,
	retry_count, max_retries, next_retry_at, compensation_executed,
	join_arrivals, join_expected, priority, created_at`

// SQLiteStoreConfig configures the SQLite engine store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists templates, instances, and step executions in SQLite.
// A single writer connection with WAL mode keeps compare-and-swap
// transitions serialized without table locks blocking readers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed engine store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("engine store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("engine sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine sqlite store enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine sqlite store set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for sharing with other
// stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- templates ---

func (s *SQLiteStore) CreateTemplate(ctx context.Context, td *graph.TemplateDefinition, published bool) error {
	definition, err := json.Marshal(td)
	if err != nil {
		return fmt.Errorf("engine sqlite store marshal template: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO templates (id, version, name, definition, published, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		td.ID, td.Version, td.Name, definition, boolToInt(published), now, now)
	if err != nil {
		return fmt.Errorf("engine sqlite store create template: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id, version string) (*TemplateRecord, error) {
	var row *sql.Row
	if version == "" {
		row = s.db.QueryRowContext(ctx, `
SELECT definition, published, created_at, updated_at
FROM templates
WHERE id = ?
ORDER BY created_at DESC
LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx, `
SELECT definition, published, created_at, updated_at
FROM templates
WHERE id = ? AND version = ?`, id, version)
	}

	rec, err := scanTemplateRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTemplateNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]TemplateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT definition, published, created_at, updated_at
FROM templates
ORDER BY id ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("engine sqlite store list templates: %w", err)
	}
	defer rows.Close()

	var records []TemplateRecord
	for rows.Next() {
		rec, err := scanTemplateRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine sqlite store list templates rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) UpdateTemplate(ctx context.Context, td *graph.TemplateDefinition) error {
	published, err := s.templatePublished(ctx, td.ID, td.Version)
	if err != nil {
		return err
	}
	if published {
		return core.ErrTemplatePublished
	}

	definition, err := json.Marshal(td)
	if err != nil {
		return fmt.Errorf("engine sqlite store marshal template: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE templates
SET name = ?, definition = ?, updated_at = ?
WHERE id = ? AND version = ? AND published = 0`,
		td.Name, definition, time.Now().UTC().Format(time.RFC3339Nano), td.ID, td.Version)
	if err != nil {
		return fmt.Errorf("engine sqlite store update template: %w", err)
	}
	return requireAffected(res, core.ErrTemplateNotFound, "engine sqlite store update template")
}

func (s *SQLiteStore) PublishTemplate(ctx context.Context, id, version string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE templates
SET published = 1, updated_at = ?
WHERE id = ? AND version = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id, version)
	if err != nil {
		return fmt.Errorf("engine sqlite store publish template: %w", err)
	}
	return requireAffected(res, core.ErrTemplateNotFound, "engine sqlite store publish template")
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id, version string) error {
	published, err := s.templatePublished(ctx, id, version)
	if err != nil {
		return err
	}
	if published {
		return core.ErrTemplatePublished
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return fmt.Errorf("engine sqlite store delete template: %w", err)
	}
	return requireAffected(res, core.ErrTemplateNotFound, "engine sqlite store delete template")
}

func (s *SQLiteStore) templatePublished(ctx context.Context, id, version string) (bool, error) {
	var published int
	err := s.db.QueryRowContext(ctx,
		`SELECT published FROM templates WHERE id = ? AND version = ?`, id, version).Scan(&published)
	if errors.Is(err, sql.ErrNoRows) {
		return false, core.ErrTemplateNotFound
	}
	if err != nil {
		return false, fmt.Errorf("engine sqlite store read template: %w", err)
	}
	return published == 1, nil
}

// --- instances ---

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *core.Instance) error {
	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO instances (id, template_id, template_version, status, reference_id, escalation_level, error_details, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.TemplateID,
		inst.TemplateVersion,
		string(inst.Status),
		nullIfEmpty(inst.ReferenceID),
		inst.EscalationLevel,
		nullIfEmpty(inst.ErrorDetails),
		inst.StartedAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(inst.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("engine sqlite store create instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*core.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, template_id, template_version, status, reference_id, escalation_level, error_details, started_at, completed_at
FROM instances
WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id string, status core.InstanceStatus, errorDetails string) error {
	var completedAt any
	if status.Terminal() {
		completedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	// Terminal statuses are sticky: the guard refuses to move an already
	// finished instance.
	res, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = ?, error_details = ?, completed_at = COALESCE(?, completed_at)
WHERE id = ? AND status NOT IN (?, ?)`,
		string(status),
		nullIfEmpty(errorDetails),
		completedAt,
		id,
		string(core.InstanceCompleted),
		string(core.InstanceFailed),
	)
	if err != nil {
		return fmt.Errorf("engine sqlite store update instance status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("engine sqlite store update instance status affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetInstance(ctx, id); err != nil {
			return err
		}
		return core.ErrInstanceTerminal
	}
	return nil
}

func (s *SQLiteStore) SetEscalationLevel(ctx context.Context, id string, level int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET escalation_level = ? WHERE id = ?`, level, id)
	if err != nil {
		return fmt.Errorf("engine sqlite store set escalation level: %w", err)
	}
	return requireAffected(res, core.ErrInstanceNotFound, "engine sqlite store set escalation level")
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*core.Instance, core.Pagination, error) {
	where, args := instanceFilterClause(filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM instances" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, core.Pagination{}, fmt.Errorf("engine sqlite store count instances: %w", err)
	}

	page := NewPaginationBounds(filter.Page, filter.Limit)
	query := `
SELECT id, template_id, template_version, status, reference_id, escalation_level, error_details, started_at, completed_at
FROM instances` + where + `
ORDER BY started_at DESC
LIMIT ? OFFSET ?`
	args = append(args, page.Limit, (page.Page-1)*page.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.Pagination{}, fmt.Errorf("engine sqlite store list instances: %w", err)
	}
	defer rows.Close()

	var instances []*core.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, core.Pagination{}, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Pagination{}, fmt.Errorf("engine sqlite store list instances rows: %w", err)
	}

	return instances, core.NewPagination(page.Page, page.Limit, total), nil
}

func instanceFilterClause(filter InstanceFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TemplateID != "" {
		conds = append(conds, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.ReferenceID != "" {
		conds = append(conds, "reference_id = ?")
		args = append(args, filter.ReferenceID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// --- steps ---

func (s *SQLiteStore) CreateStep(ctx context.Context, step *core.StepExecution) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	inputJSON, err := marshalStepData(step.InputData)
	if err != nil {
		return err
	}
	outputJSON, err := marshalStepData(step.OutputData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO step_executions
	(`+stepColumns+`)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID,
		step.InstanceID,
		step.StepID,
		step.IdempotencyKey,
		step.AttemptNumber,
		string(step.Status),
		inputJSON,
		outputJSON,
		nullIfEmpty(step.ErrorDetails),
		formatNullableTime(step.StartedAt),
		formatNullableTime(step.CompletedAt),
		step.DurationMs,
		step.RetryCount,
		step.MaxRetries,
		formatNullableTime(step.NextRetryAt),
		boolToInt(step.CompensationExecuted),
		step.JoinArrivals,
		step.JoinExpected,
		step.Priority,
		step.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isStepKeyUniqueViolation(err) {
			return &core.DuplicateIdempotencyKeyError{Key: step.IdempotencyKey}
		}
		return fmt.Errorf("engine sqlite store create step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*core.StepExecution, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+stepColumns+`
FROM step_executions
WHERE id = ?`, id)
	return scanStepOrNotFound(row)
}

func (s *SQLiteStore) GetStepByKey(ctx context.Context, idempotencyKey string) (*core.StepExecution, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+stepColumns+`
FROM step_executions
WHERE idempotency_key = ?`, idempotencyKey)
	return scanStepOrNotFound(row)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, instanceID string) ([]*core.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+stepColumns+`
FROM step_executions
WHERE instance_id = ?
ORDER BY created_at ASC, attempt_number ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("engine sqlite store list steps: %w", err)
	}
	defer rows.Close()

	var steps []*core.StepExecution
	for rows.Next() {
		step, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine sqlite store list steps rows: %w", err)
	}
	return steps, nil
}

func (s *SQLiteStore) TransitionStep(ctx context.Context, id string, from, to core.StepStatus, update StepUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(to)}

	if update.OutputData != nil {
		outputJSON, err := marshalStepData(update.OutputData)
		if err != nil {
			return err
		}
		sets = append(sets, "output_json = ?")
		args = append(args, outputJSON)
	}
	if update.ErrorDetails != nil {
		sets = append(sets, "error_details = ?")
		args = append(args, nullIfEmpty(*update.ErrorDetails))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC().Format(time.RFC3339Nano))
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, update.NextRetryAt.UTC().Format(time.RFC3339Nano))
	} else if update.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	}
	if update.CompensationExecuted != nil {
		sets = append(sets, "compensation_executed = ?")
		args = append(args, boolToInt(*update.CompensationExecuted))
	}

	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx, `
UPDATE step_executions
SET `+strings.Join(sets, ", ")+`
WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("engine sqlite store transition step: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("engine sqlite store transition step affected rows: %w", err)
	}
	if affected == 0 {
		current, err := s.GetStep(ctx, id)
		if err != nil {
			return err
		}
		return &core.ConflictError{StepExecutionID: id, Expected: from, Actual: current.Status}
	}
	return nil
}

func (s *SQLiteStore) IncrementJoinArrival(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET join_arrivals = join_arrivals + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("engine sqlite store increment join arrival: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("engine sqlite store increment join arrival affected rows: %w", err)
	}
	if affected == 0 {
		return 0, core.ErrStepNotFound
	}

	var arrivals int
	if err := s.db.QueryRowContext(ctx,
		`SELECT join_arrivals FROM step_executions WHERE id = ?`, id).Scan(&arrivals); err != nil {
		return 0, fmt.Errorf("engine sqlite store read join arrivals: %w", err)
	}
	return arrivals, nil
}

func (s *SQLiteStore) ListReadySteps(ctx context.Context, now time.Time, limit int) ([]*core.StepExecution, error) {
	query := `
SELECT ` + stepColumns + `
FROM step_executions
WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY priority DESC, created_at ASC`
	args := []any{string(core.StepPending), now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engine sqlite store list ready steps: %w", err)
	}
	defer rows.Close()

	var steps []*core.StepExecution
	for rows.Next() {
		step, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine sqlite store list ready steps rows: %w", err)
	}
	return steps, nil
}

func (s *SQLiteStore) HasLiveStep(ctx context.Context, instanceID, stepID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM step_executions
WHERE instance_id = ? AND step_id = ? AND status IN (?, ?)`,
		instanceID, stepID, string(core.StepPending), string(core.StepRunning)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("engine sqlite store has live step: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) CountLiveSteps(ctx context.Context, instanceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM step_executions
WHERE instance_id = ? AND status IN (?, ?, ?)`,
		instanceID, string(core.StepPending), string(core.StepRunning), string(core.StepCancelling)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("engine sqlite store count live steps: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) LatestAttempt(ctx context.Context, instanceID, stepID string) (int, error) {
	var attempt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT MAX(attempt_number)
FROM step_executions
WHERE instance_id = ? AND step_id = ?`, instanceID, stepID).Scan(&attempt)
	if err != nil {
		return 0, fmt.Errorf("engine sqlite store latest attempt: %w", err)
	}
	return int(attempt.Int64), nil
}

func (s *SQLiteStore) CountCompletedAttempts(ctx context.Context, instanceID, stepID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM step_executions
WHERE instance_id = ? AND step_id = ? AND status = ?`,
		instanceID, stepID, string(core.StepCompleted)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("engine sqlite store count completed attempts: %w", err)
	}
	return count, nil
}

// --- metrics ---

func (s *SQLiteStore) CountStepsByStatus(ctx context.Context) (map[core.StepStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM step_executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("engine sqlite store count steps by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.StepStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("engine sqlite store scan step counts: %w", err)
		}
		counts[core.StepStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine sqlite store step count rows: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) CountDelayedSteps(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM step_executions
WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at > ?`,
		string(core.StepPending), now.UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("engine sqlite store count delayed steps: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CountInstancesByStatus(ctx context.Context) (map[core.InstanceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM instances GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("engine sqlite store count instances by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.InstanceStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("engine sqlite store scan instance counts: %w", err)
		}
		counts[core.InstanceStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine sqlite store instance count rows: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) CountInstancesCompletedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM instances
WHERE status = ? AND completed_at >= ?`,
		string(core.InstanceCompleted), since.UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("engine sqlite store count completed instances: %w", err)
	}
	return count, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplateRecord(scanner rowScanner) (*TemplateRecord, error) {
	var (
		definition []byte
		published  int
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(&definition, &published, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var td graph.TemplateDefinition
	if err := json.Unmarshal(definition, &td); err != nil {
		return nil, fmt.Errorf("engine sqlite store unmarshal template: %w", err)
	}
	created, err := parseStoredTime(createdAt, "template created_at")
	if err != nil {
		return nil, err
	}
	updated, err := parseStoredTime(updatedAt, "template updated_at")
	if err != nil {
		return nil, err
	}

	return &TemplateRecord{
		Definition: td,
		Published:  published == 1,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}

func scanInstance(scanner rowScanner) (*core.Instance, error) {
	var (
		id              string
		templateID      string
		templateVersion string
		status          string
		referenceID     sql.NullString
		escalationLevel int
		errorDetails    sql.NullString
		startedAt       string
		completedAt     sql.NullString
	)
	if err := scanner.Scan(&id, &templateID, &templateVersion, &status, &referenceID,
		&escalationLevel, &errorDetails, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	started, err := parseStoredTime(startedAt, "instance started_at")
	if err != nil {
		return nil, err
	}
	completed, err := parseNullableTime(completedAt, "instance completed_at")
	if err != nil {
		return nil, err
	}

	return &core.Instance{
		ID:              id,
		TemplateID:      templateID,
		TemplateVersion: templateVersion,
		Status:          core.InstanceStatus(status),
		ReferenceID:     referenceID.String,
		EscalationLevel: escalationLevel,
		ErrorDetails:    errorDetails.String,
		StartedAt:       started,
		CompletedAt:     completed,
	}, nil
}

func scanStepExecution(scanner rowScanner) (*core.StepExecution, error) {
	var (
		id                   string
		instanceID           string
		stepID               string
		idempotencyKey       string
		attemptNumber        int
		status               string
		inputRaw             []byte
		outputRaw            []byte
		errorDetails         sql.NullString
		startedAt            sql.NullString
		completedAt          sql.NullString
		durationMs           int64
		retryCount           int
		maxRetries           int
		nextRetryAt          sql.NullString
		compensationExecuted int
		joinArrivals         int
		joinExpected         int
		priority             int
		createdAt            string
	)
	if err := scanner.Scan(&id, &instanceID, &stepID, &idempotencyKey, &attemptNumber,
		&status, &inputRaw, &outputRaw, &errorDetails, &startedAt, &completedAt,
		&durationMs, &retryCount, &maxRetries, &nextRetryAt, &compensationExecuted,
		&joinArrivals, &joinExpected, &priority, &createdAt); err != nil {
		return nil, err
	}

	input, err := unmarshalStepData(inputRaw)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalStepData(outputRaw)
	if err != nil {
		return nil, err
	}
	started, err := parseNullableTime(startedAt, "step started_at")
	if err != nil {
		return nil, err
	}
	completed, err := parseNullableTime(completedAt, "step completed_at")
	if err != nil {
		return nil, err
	}
	nextRetry, err := parseNullableTime(nextRetryAt, "step next_retry_at")
	if err != nil {
		return nil, err
	}
	created, err := parseStoredTime(createdAt, "step created_at")
	if err != nil {
		return nil, err
	}

	return &core.StepExecution{
		ID:                   id,
		InstanceID:           instanceID,
		StepID:               stepID,
		IdempotencyKey:       idempotencyKey,
		AttemptNumber:        attemptNumber,
		Status:               core.StepStatus(status),
		InputData:            input,
		OutputData:           output,
		ErrorDetails:         errorDetails.String,
		StartedAt:            started,
		CompletedAt:          completed,
		DurationMs:           durationMs,
		RetryCount:           retryCount,
		MaxRetries:           maxRetries,
		NextRetryAt:          nextRetry,
		CompensationExecuted: compensationExecuted == 1,
		JoinArrivals:         joinArrivals,
		JoinExpected:         joinExpected,
		Priority:             priority,
		CreatedAt:            created,
	}, nil
}

func scanStepOrNotFound(row *sql.Row) (*core.StepExecution, error) {
	step, err := scanStepExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrStepNotFound
		}
		return nil, err
	}
	return step, nil
}

func marshalStepData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("engine sqlite store marshal step data: %w", err)
	}
	return raw, nil
}

func unmarshalStepData(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("engine sqlite store unmarshal step data: %w", err)
	}
	return data, nil
}

func parseStoredTime(value, field string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("engine sqlite store parse %s: %w", field, err)
	}
	return parsed, nil
}

func parseNullableTime(value sql.NullString, field string) (*time.Time, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil, nil
	}
	parsed, err := parseStoredTime(value.String, field)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isStepKeyUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: step_executions.idempotency_key")
}

func requireAffected(res sql.Result, notFound error, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s affected rows: %w", op, err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

// NewPaginationBounds clamps page and limit to sane values.
func NewPaginationBounds(page, limit int) core.Pagination {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 20
	}
	return core.Pagination{Page: page, Limit: limit}
}

var _ Store = (*SQLiteStore)(nil)
