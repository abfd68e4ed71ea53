package test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"riskledger/audit"
	"riskledger/db"
	"riskledger/escalation"
	"riskledger/signature"
	"riskledger/test/infra"
)

var (
	flDuration    = flag.Duration("duration", 10*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent signal producers")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// TestLedgerConcurrency hammers the engine and the chain with concurrent
// signals, interventions, and short deadlines, then checks the system-wide
// invariants: every subject terminal exactly once, every chain a single valid
// linked list from genesis.
func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in -short mode")
	}
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		store       audit.Store
		subjectRepo escalation.SubjectRepository
	)
	switch {
	case *flDSN != "" || os.Getenv("STRESS_TEST_PG_DSN") != "" || dockerAvailable(ctx):
		pgC, dsn, err := infra.StartPostgres16(ctx, *flDSN)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		defer pgC.Terminate(context.Background())

		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			t.Fatalf("connect pool: %v", err)
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
		store = audit.NewPostgresStore(pool)
		subjectRepo = escalation.NewPostgresSubjectRepository(pool)
	default:
		t.Log("docker unavailable and no DSN provided; using in-memory ledger")
		store = audit.NewMemoryStore()
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := signature.NewService(signature.WithClassicalKey(key))
	if err != nil {
		t.Fatalf("new signature service: %v", err)
	}

	chain := audit.NewChain(store, signer)

	engineOpts := []escalation.Option{escalation.WithTimeout(150 * time.Millisecond)}
	if subjectRepo != nil {
		engineOpts = append(engineOpts, escalation.WithSubjectRepository(subjectRepo))
	}
	engine := escalation.NewEngine(chain, engineOpts...)
	defer engine.Stop()

	var (
		received   atomic.Int64
		intervened atomic.Int64
		conflicts  atomic.Int64
	)

	deadline := time.Now().Add(*flDuration)
	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < *flConcurrency; w++ {
		w := w
		g.Go(func() error {
			rng := mrand.New(mrand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			for time.Now().Before(deadline) {
				id, err := engine.Receive(gctx, escalation.SignalRequest{Payload: map[string]any{
					"producer": w,
					"severity": "HIGH",
				}})
				if err != nil {
					return fmt.Errorf("receive: %w", err)
				}
				received.Add(1)

				// Roughly half the signals get a prompt intervention; the
				// rest are left to expire.
				if rng.IntN(2) == 0 {
					time.Sleep(time.Duration(rng.IntN(40)) * time.Millisecond)
					if _, err := engine.Intervene(gctx, id, fmt.Sprintf("staff-%d", w), "contacted", ""); err != nil {
						if errors.Is(err, escalation.ErrConflict) {
							conflicts.Add(1)
						} else {
							return fmt.Errorf("intervene: %w", err)
						}
					} else {
						intervened.Add(1)
					}
				}

			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("stress run: %v", err)
	}

	// Let the remaining deadline timers fire.
	waitForQuiescence(t, engine)

	t.Logf("received=%d intervened=%d late-conflicts=%d", received.Load(), intervened.Load(), conflicts.Load())

	// Oracle 1: every subject reached exactly one terminal state.
	resolved, escalated := 0, 0
	for _, sub := range engine.Subjects() {
		switch sub.Status {
		case escalation.StatusResolved:
			resolved++
			if sub.Escalated {
				t.Errorf("subject %s both resolved and escalated", sub.SubjectID)
			}
		case escalation.StatusEscalated:
			escalated++
		default:
			t.Errorf("subject %s still %s after quiescence", sub.SubjectID, sub.Status)
		}
	}
	if int64(resolved+escalated) != received.Load() {
		t.Errorf("terminal subjects %d != received %d", resolved+escalated, received.Load())
	}

	// Oracle 2: every chain verifies and event counts match transitions.
	stats, err := chain.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !stats.ChainsValid {
		t.Fatalf("chain verification failed after stress run: %+v", stats)
	}
	if got := stats.EventsByType[audit.EventSignalReceived]; int64(got) != received.Load() {
		t.Errorf("SIGNAL_RECEIVED events %d != received %d", got, received.Load())
	}
	if got := stats.EventsByType[audit.EventInterventionLogged]; got != resolved {
		t.Errorf("INTERVENTION_LOGGED events %d != resolved subjects %d", got, resolved)
	}
	if got := stats.EventsByType[audit.EventEscalatedToTier2]; got != escalated {
		t.Errorf("ESCALATED_TO_TIER2 events %d != escalated subjects %d", got, escalated)
	}
}

func waitForQuiescence(t *testing.T, engine *escalation.Engine) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if engine.PendingCount() == 0 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("%d subjects still pending after drain window", engine.PendingCount())
}

func dockerAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "info")
	return cmd.Run() == nil
}
