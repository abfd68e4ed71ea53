package escalation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestSubjectRepository_Integration exercises the subjects table roundtrip
// against a real PostgreSQL via DATABASE_URL.
func TestSubjectRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'subjects')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply db.Migrate first")
	}

	repo := NewPostgresSubjectRepository(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	sub := Subject{
		SubjectID: uuid.NewString(),
		Status:    StatusPending,
		RiskClass: "critical",
		Payload:   map[string]any{"severity": "HIGH"},
		CreatedAt: now,
		Deadline:  now.Add(10 * time.Minute),
	}

	if err := repo.Insert(ctx, sub); err != nil {
		t.Fatalf("insert: %v", err)
	}

	loaded := findSubject(t, ctx, repo, sub.SubjectID)
	if loaded.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", loaded.Status)
	}
	if !loaded.Deadline.Equal(sub.Deadline) {
		t.Errorf("expected deadline %v to survive the roundtrip, got %v", sub.Deadline, loaded.Deadline)
	}
	if loaded.Payload["severity"] != "HIGH" {
		t.Errorf("expected payload to survive the roundtrip, got %v", loaded.Payload)
	}

	sub.Status = StatusResolved
	sub.Resolution = &Resolution{
		Actor:      "staff-1",
		Action:     "guardian contacted",
		Notes:      "reached by phone",
		ResolvedAt: now.Add(59 * time.Second),
		Elapsed:    59 * time.Second,
	}
	if err := repo.Update(ctx, sub); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded = findSubject(t, ctx, repo, sub.SubjectID)
	if loaded.Status != StatusResolved {
		t.Errorf("expected RESOLVED, got %s", loaded.Status)
	}
	if loaded.Resolution == nil {
		t.Fatalf("expected resolution after update")
	}
	if loaded.Resolution.Actor != "staff-1" || loaded.Resolution.Elapsed != 59*time.Second {
		t.Errorf("unexpected resolution: %+v", loaded.Resolution)
	}

	t.Run("update unknown subject", func(t *testing.T) {
		unknown := Subject{SubjectID: uuid.NewString(), Status: StatusEscalated}
		if err := repo.Update(ctx, unknown); err == nil {
			t.Errorf("expected update of unknown subject to fail")
		}
	})
}

func findSubject(t *testing.T, ctx context.Context, repo *PostgresSubjectRepository, id string) Subject {
	t.Helper()
	subjects, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, sub := range subjects {
		if sub.SubjectID == id {
			return sub
		}
	}
	t.Fatalf("subject %s not found", id)
	return Subject{}
}
