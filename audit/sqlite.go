package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is the embedded alternative to PostgresStore for single-node
// deployments. Immutability is enforced with BEFORE UPDATE/DELETE triggers
// that abort the statement, so even raw SQL against the file cannot alter a
// committed entry without first dropping the guard.
type SQLiteStore struct {
	db *sql.DB

	// SQLite serializes writers anyway; the mutex keeps error paths clean
	// instead of surfacing SQLITE_BUSY to callers.
	mu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    subject_id    TEXT NOT NULL,
    type          TEXT NOT NULL,
    timestamp     TEXT NOT NULL,
    payload       TEXT NOT NULL,
    prev_hash     TEXT NOT NULL,
    link_hash     TEXT NOT NULL,
    signature     TEXT NOT NULL,
    algorithm_tag TEXT NOT NULL,
    scope_key     TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS audit_events_scope_prev ON audit_events (scope_key, prev_hash);
CREATE INDEX IF NOT EXISTS audit_events_subject_idx ON audit_events (subject_id);
CREATE INDEX IF NOT EXISTS audit_events_timestamp_idx ON audit_events (timestamp);

CREATE TRIGGER IF NOT EXISTS audit_events_no_update
BEFORE UPDATE ON audit_events
BEGIN
    SELECT RAISE(ABORT, 'audit events are immutable');
END;

CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
BEFORE DELETE ON audit_events
BEGIN
    SELECT RAISE(ABORT, 'audit events cannot be deleted');
END;
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: empty sqlite path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const insertSQL = `
INSERT INTO audit_events (subject_id, type, timestamp, payload, prev_hash, link_hash, signature, algorithm_tag, scope_key)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`

	res, err := s.db.ExecContext(ctx, insertSQL,
		ev.SubjectID, ev.Type, ev.Timestamp.UTC().Format(timestampLayout), string(payload),
		ev.PrevHash, ev.LinkHash, ev.Signature, ev.AlgorithmTag, ev.ScopeKey,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("audit: insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit: read insert id: %w", err)
	}
	ev.ID = id
	return nil
}

func (s *SQLiteStore) Tail(ctx context.Context, scopeKey string) (string, error) {
	const tailSQL = `
SELECT link_hash FROM audit_events
WHERE scope_key = ?
ORDER BY id DESC
LIMIT 1;
`

	var tail string
	if err := s.db.QueryRowContext(ctx, tailSQL, scopeKey).Scan(&tail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GenesisHash, nil
		}
		return "", fmt.Errorf("audit: read tail: %w", err)
	}
	return tail, nil
}

func (s *SQLiteStore) Events(ctx context.Context, scopeKey string) ([]Event, error) {
	const selectSQL = `
SELECT id, subject_id, type, timestamp, payload, prev_hash, link_hash, signature, algorithm_tag, scope_key
FROM audit_events
WHERE scope_key = ?
ORDER BY id ASC;
`

	rows, err := s.db.QueryContext(ctx, selectSQL, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("audit: query scope events: %w", err)
	}
	defer rows.Close()

	return scanSQLiteEvents(rows)
}

func (s *SQLiteStore) AllEvents(ctx context.Context) ([]Event, error) {
	const selectSQL = `
SELECT id, subject_id, type, timestamp, payload, prev_hash, link_hash, signature, algorithm_tag, scope_key
FROM audit_events
ORDER BY id ASC;
`

	rows, err := s.db.QueryContext(ctx, selectSQL)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	return scanSQLiteEvents(rows)
}

func scanSQLiteEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			ev      Event
			ts      string
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.SubjectID, &ev.Type, &ts, &payload,
			&ev.PrevHash, &ev.LinkHash, &ev.Signature, &ev.AlgorithmTag, &ev.ScopeKey); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}

		parsed, err := time.Parse(timestampLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp %q: %w", ts, err)
		}
		ev.Timestamp = parsed

		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("audit: unmarshal payload: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
