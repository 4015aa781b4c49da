package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinkius-labs/mcp-fusion/dispatch"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite call journal.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// BusyTimeout is how long a statement waits on a locked database
	// before failing (default 5s). Stdio and HTTP transports share one
	// journal, so writes can contend.
	BusyTimeout time.Duration
}

// SQLiteEventStore persists call events to a SQLite database. It
// satisfies the EventStore interface and enables WAL mode so replay
// reads do not block journal writes. The store holds no retention
// policy of its own: schedule PruneBefore externally.
type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore opens (or creates) a SQLite journal.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set busy timeout: %w", err)
	}

	// Create schema.
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	return &SQLiteEventStore{db: db}, nil
}

// Append stores an event in the journal. Times are stored as UTC
// RFC3339Nano strings so pruning can compare them lexically.
func (s *SQLiteEventStore) Append(ctx context.Context, event dispatch.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (call_id, seq, kind, tool, action, time, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.CallID,
		event.Seq,
		string(event.Kind),
		event.Tool,
		event.Action,
		event.Time.UTC().Format(time.RFC3339Nano),
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns events for a call, optionally filtered by afterSeq and limit.
func (s *SQLiteEventStore) List(ctx context.Context, callID string, afterSeq uint64, limit int) ([]dispatch.Event, error) {
	query := `SELECT call_id, seq, kind, tool, action, time, elapsed, payload, trace_id, span_id
	           FROM events WHERE call_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{callID, afterSeq}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a call (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, callID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE call_id = ?`, callID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is always non-negative
}

// PruneBefore deletes events recorded before the cutoff. It returns the
// number of rows removed.
func (s *SQLiteEventStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE time < ?`, cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: prune: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: prune rows affected: %w", err)
	}
	return removed, nil
}

// CallIDs returns distinct call IDs from the journal.
func (s *SQLiteEventStore) CallIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT call_id FROM events ORDER BY call_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: call ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan call id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]dispatch.Event, error) {
	var events []dispatch.Event
	for rows.Next() {
		var (
			e           dispatch.Event
			kind        string
			timeStr     string
			elapsedNano int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.CallID,
			&e.Seq,
			&kind,
			&e.Tool,
			&e.Action,
			&timeStr,
			&elapsedNano,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = dispatch.EventKind(kind)
		e.Elapsed = time.Duration(elapsedNano)

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		e.Time = t

		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		} else {
			e.Payload = map[string]any{}
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
