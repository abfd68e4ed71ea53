package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the append-only ledger table, its tamper guards, and the
// subject projection table.
//
// audit_events carries a unique (scope_key, prev_hash) index: two appends
// racing for the same tail cannot both commit, and each scope reads back as a
// single linked list from genesis. The audit_events_immutable trigger rejects
// any UPDATE or DELETE reaching the table, so committed entries cannot be
// altered even by code that bypasses the Go store.
const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id            BIGSERIAL PRIMARY KEY,
    subject_id    TEXT NOT NULL,
    type          TEXT NOT NULL,
    timestamp     TIMESTAMPTZ NOT NULL,
    payload       JSONB NOT NULL,
    prev_hash     TEXT NOT NULL,
    link_hash     TEXT NOT NULL,
    signature     TEXT NOT NULL,
    algorithm_tag TEXT NOT NULL,
    scope_key     TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS audit_events_scope_prev ON audit_events (scope_key, prev_hash);
CREATE INDEX IF NOT EXISTS audit_events_subject_idx ON audit_events (subject_id);
CREATE INDEX IF NOT EXISTS audit_events_timestamp_idx ON audit_events (timestamp);

CREATE OR REPLACE FUNCTION audit_events_immutable() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'audit events are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_events_no_mutation ON audit_events;
CREATE TRIGGER audit_events_no_mutation
BEFORE UPDATE OR DELETE ON audit_events
FOR EACH ROW EXECUTE FUNCTION audit_events_immutable();

CREATE TABLE IF NOT EXISTS subjects (
    id                UUID PRIMARY KEY,
    status            TEXT NOT NULL,
    risk_class        TEXT NOT NULL DEFAULT '',
    payload           JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at        TIMESTAMPTZ NOT NULL,
    deadline          TIMESTAMPTZ NOT NULL,
    resolved_at       TIMESTAMPTZ,
    resolution_actor  TEXT,
    resolution_action TEXT,
    resolution_notes  TEXT,
    elapsed_seconds   DOUBLE PRECISION,
    escalated         BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS subjects_status_idx ON subjects (status);
`

// Migrate applies the schema. Idempotent; safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}
	return nil
}
