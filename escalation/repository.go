package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SubjectRepository persists subject projections so deadlines survive process
// restarts. The engine works memory-only when no repository is configured.
type SubjectRepository interface {
	Insert(ctx context.Context, sub Subject) error
	Update(ctx context.Context, sub Subject) error
	List(ctx context.Context) ([]Subject, error)
}

// PostgresSubjectRepository stores subjects in the subjects table.
type PostgresSubjectRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSubjectRepository(pool *pgxpool.Pool) *PostgresSubjectRepository {
	return &PostgresSubjectRepository{pool: pool}
}

func (r *PostgresSubjectRepository) Insert(ctx context.Context, sub Subject) error {
	payload, err := json.Marshal(sub.Payload)
	if err != nil {
		return fmt.Errorf("escalation: marshal subject payload: %w", err)
	}

	const insertSQL = `
INSERT INTO subjects (id, status, risk_class, payload, created_at, deadline, escalated)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7);
`

	if _, err := r.pool.Exec(ctx, insertSQL,
		sub.SubjectID, string(sub.Status), sub.RiskClass, payload,
		sub.CreatedAt, sub.Deadline, sub.Escalated,
	); err != nil {
		return fmt.Errorf("escalation: insert subject: %w", err)
	}
	return nil
}

func (r *PostgresSubjectRepository) Update(ctx context.Context, sub Subject) error {
	const updateSQL = `
UPDATE subjects
SET status = $2,
    escalated = $3,
    resolved_at = $4,
    resolution_actor = $5,
    resolution_action = $6,
    resolution_notes = $7,
    elapsed_seconds = $8
WHERE id = $1;
`

	var (
		resolvedAt     *time.Time
		actor          *string
		action         *string
		notes          *string
		elapsedSeconds *float64
	)
	if sub.Resolution != nil {
		res := *sub.Resolution
		resolvedAt = &res.ResolvedAt
		actor = &res.Actor
		action = &res.Action
		notes = &res.Notes
		elapsed := res.Elapsed.Seconds()
		elapsedSeconds = &elapsed
	}

	tag, err := r.pool.Exec(ctx, updateSQL,
		sub.SubjectID, string(sub.Status), sub.Escalated,
		resolvedAt, actor, action, notes, elapsedSeconds,
	)
	if err != nil {
		return fmt.Errorf("escalation: update subject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSubjectRepository) List(ctx context.Context) ([]Subject, error) {
	const selectSQL = `
SELECT id, status, risk_class, payload, created_at, deadline, escalated,
       resolved_at, resolution_actor, resolution_action, resolution_notes, elapsed_seconds
FROM subjects
ORDER BY created_at ASC;
`

	rows, err := r.pool.Query(ctx, selectSQL)
	if err != nil {
		return nil, fmt.Errorf("escalation: query subjects: %w", err)
	}
	defer rows.Close()

	var out []Subject
	for rows.Next() {
		var (
			sub            Subject
			status         string
			payload        []byte
			resolvedAt     sql.NullTime
			actor          sql.NullString
			action         sql.NullString
			notes          sql.NullString
			elapsedSeconds sql.NullFloat64
		)
		if err := rows.Scan(&sub.SubjectID, &status, &sub.RiskClass, &payload,
			&sub.CreatedAt, &sub.Deadline, &sub.Escalated,
			&resolvedAt, &actor, &action, &notes, &elapsedSeconds); err != nil {
			return nil, fmt.Errorf("escalation: scan subject: %w", err)
		}

		sub.Status = Status(status)
		sub.CreatedAt = sub.CreatedAt.UTC()
		sub.Deadline = sub.Deadline.UTC()
		if err := json.Unmarshal(payload, &sub.Payload); err != nil {
			return nil, fmt.Errorf("escalation: unmarshal subject payload: %w", err)
		}

		if resolvedAt.Valid {
			sub.Resolution = &Resolution{
				Actor:      actor.String,
				Action:     action.String,
				Notes:      notes.String,
				ResolvedAt: resolvedAt.Time.UTC(),
				Elapsed:    time.Duration(elapsedSeconds.Float64 * float64(time.Second)),
			}
		}

		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escalation: iterate subjects: %w", err)
	}
	return out, nil
}
