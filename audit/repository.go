package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists ledger events in the audit_events table. The table
// carries a unique (scope_key, prev_hash) index so two appends racing for the
// same tail cannot both commit, and an immutability trigger that rejects any
// UPDATE or DELETE reaching the table directly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO audit_events (subject_id, type, timestamp, payload, prev_hash, link_hash, signature, algorithm_tag, scope_key)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
RETURNING id;
`

	err = s.pool.QueryRow(ctx, insertSQL,
		ev.SubjectID, ev.Type, ev.Timestamp, payload,
		ev.PrevHash, ev.LinkHash, ev.Signature, ev.AlgorithmTag, ev.ScopeKey,
	).Scan(&ev.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("audit: insert event: %w", err)
	}

	return nil
}

func (s *PostgresStore) Tail(ctx context.Context, scopeKey string) (string, error) {
	const tailSQL = `
SELECT link_hash FROM audit_events
WHERE scope_key = $1
ORDER BY id DESC
LIMIT 1;
`

	var tail string
	if err := s.pool.QueryRow(ctx, tailSQL, scopeKey).Scan(&tail); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GenesisHash, nil
		}
		return "", fmt.Errorf("audit: read tail: %w", err)
	}
	return tail, nil
}

func (s *PostgresStore) Events(ctx context.Context, scopeKey string) ([]Event, error) {
	const selectSQL = `
SELECT id, subject_id, type, timestamp, payload, prev_hash, link_hash, signature, algorithm_tag, scope_key
FROM audit_events
WHERE scope_key = $1
ORDER BY id ASC;
`

	rows, err := s.pool.Query(ctx, selectSQL, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("audit: query scope events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) AllEvents(ctx context.Context) ([]Event, error) {
	const selectSQL = `
SELECT id, subject_id, type, timestamp, payload, prev_hash, link_hash, signature, algorithm_tag, scope_key
FROM audit_events
ORDER BY id ASC;
`

	rows, err := s.pool.Query(ctx, selectSQL)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			ev      Event
			ts      time.Time
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SubjectID, &ev.Type, &ts, &payload,
			&ev.PrevHash, &ev.LinkHash, &ev.Signature, &ev.AlgorithmTag, &ev.ScopeKey); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("audit: unmarshal payload: %w", err)
		}
		ev.Timestamp = ts.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return out, nil
}
