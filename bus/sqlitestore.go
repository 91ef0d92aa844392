package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/engine"

	_ "modernc.org/sqlite"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	kind        TEXT    NOT NULL,
	step_id     TEXT    NOT NULL DEFAULT '',
	node_kind   TEXT    NOT NULL DEFAULT '',
	time        TEXT    NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	elapsed     INTEGER NOT NULL DEFAULT 0,
	payload     TEXT    NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_instance_seq ON events(instance_id, seq);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per instance (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists events to a SQLite database. It runs in WAL
// mode for concurrent reads and owns a background pruner goroutine when
// retention is configured.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("event store: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(eventSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores an event in the database.
func (s *SQLiteEventStore) Append(ctx context.Context, event engine.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event store: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (instance_id, seq, kind, step_id, node_kind, time, attempt, elapsed, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.InstanceID,
		event.Seq,
		string(event.Kind),
		event.StepID,
		string(event.NodeKind),
		event.Time.Format(time.RFC3339Nano),
		event.Attempt,
		int64(event.Elapsed),
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("event store: append: %w", err)
	}
	return nil
}

// List returns events for an instance, optionally filtered by afterSeq and
// limit.
func (s *SQLiteEventStore) List(ctx context.Context, instanceID string, afterSeq uint64, limit int) ([]engine.Event, error) {
	query := `SELECT instance_id, seq, kind, step_id, node_kind, time, attempt, elapsed, payload
	           FROM events WHERE instance_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{instanceID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event store: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for an instance (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, instanceID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE instance_id = ?`, instanceID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("event store: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// InstanceIDs returns distinct instance IDs present in the store.
func (s *SQLiteEventStore) InstanceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT instance_id FROM events ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("event store: instance ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("event store: scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("event store: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		ids, err := s.InstanceIDs(ctx)
		if err != nil {
			return err
		}
		for _, instanceID := range ids {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM events WHERE instance_id = ? AND id NOT IN (
					SELECT id FROM events WHERE instance_id = ? ORDER BY seq DESC LIMIT ?
				)`, instanceID, instanceID, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("event store: prune by count for %s: %w", instanceID, err)
			}
		}
	}

	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]engine.Event, error) {
	var events []engine.Event
	for rows.Next() {
		var (
			e           engine.Event
			kind        string
			nodeKind    string
			timeStr     string
			elapsedNano int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.InstanceID,
			&e.Seq,
			&kind,
			&e.StepID,
			&nodeKind,
			&timeStr,
			&e.Attempt,
			&elapsedNano,
			&payloadJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("event store: scan event: %w", err)
		}

		e.Kind = engine.EventKind(kind)
		e.NodeKind = core.NodeKind(nodeKind)
		e.Elapsed = time.Duration(elapsedNano)

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("event store: parse time %q: %w", timeStr, err)
		}
		e.Time = t

		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("event store: unmarshal payload: %w", err)
			}
		} else {
			e.Payload = map[string]any{}
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

var _ EventStore = (*SQLiteEventStore)(nil)
