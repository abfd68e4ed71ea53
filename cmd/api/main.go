package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"riskledger/audit"
	"riskledger/db"
	"riskledger/escalation"
	"riskledger/signature"
)

// Configuration is environment-driven:
//
//	DATABASE_URL                PostgreSQL ledger + subject store
//	SQLITE_PATH                 embedded ledger store when DATABASE_URL is unset
//	LEDGER_SCOPE                "per-subject" (default) or "global"
//	LEDGER_HASH                 "sha512" (default) or "blake2b-512"
//	PQ_SIGNATURES               "true" to enable the ML-DSA-65 component
//	ESCALATION_TIMEOUT_SECONDS  deadline for unattended signals (default 600)
func main() {
	ctx := context.Background()

	scope, err := audit.ParseScope(os.Getenv("LEDGER_SCOPE"))
	if err != nil {
		log.Fatalf("parse ledger scope: %v", err)
	}

	hasher, err := audit.NewHasher(os.Getenv("LEDGER_HASH"))
	if err != nil {
		log.Fatalf("configure link hash: %v", err)
	}

	var signerOpts []signature.Option
	if os.Getenv("PQ_SIGNATURES") == "true" {
		signerOpts = append(signerOpts, signature.WithPostQuantum())
	}
	signer, err := signature.NewService(signerOpts...)
	if err != nil {
		log.Fatalf("bootstrap signature service: %v", err)
	}

	var (
		store      audit.Store
		engineOpts []escalation.Option
	)
	usePostgres := os.Getenv("DATABASE_URL") != ""
	switch {
	case usePostgres:
		pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			log.Fatalf("bootstrap database pool: %v", err)
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatalf("apply schema: %v", err)
		}

		store = audit.NewPostgresStore(pool)
		engineOpts = append(engineOpts, escalation.WithSubjectRepository(escalation.NewPostgresSubjectRepository(pool)))
	case os.Getenv("SQLITE_PATH") != "":
		sqliteStore, err := audit.NewSQLiteStore(os.Getenv("SQLITE_PATH"))
		if err != nil {
			log.Fatalf("bootstrap sqlite ledger: %v", err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	default:
		log.Printf("no DATABASE_URL or SQLITE_PATH set; ledger is in-memory and not durable")
		store = audit.NewMemoryStore()
	}

	if seconds := os.Getenv("ESCALATION_TIMEOUT_SECONDS"); seconds != "" {
		n, err := strconv.Atoi(seconds)
		if err != nil || n <= 0 {
			log.Fatalf("invalid ESCALATION_TIMEOUT_SECONDS %q", seconds)
		}
		engineOpts = append(engineOpts, escalation.WithTimeout(time.Duration(n)*time.Second))
	}

	chain := audit.NewChain(store, signer, audit.WithScope(scope), audit.WithHasher(hasher))
	engine := escalation.NewEngine(chain, engineOpts...)
	defer engine.Stop()

	if usePostgres {
		rearmed, err := engine.Recover(ctx)
		if err != nil {
			log.Fatalf("recover pending subjects: %v", err)
		}
		if rearmed > 0 {
			log.Printf("re-armed %d pending escalation timer(s)", rearmed)
		}
	}

	log.Printf("risk ledger ready: scope=%s signatures=%s pending=%d",
		chain.Scope(), signer.AlgorithmTag(), engine.PendingCount())
}
