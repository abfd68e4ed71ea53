package audit

import (
	"errors"
	"fmt"
	"time"
)

// Event types emitted by the escalation engine. The ledger itself accepts any
// non-empty type so downstream producers can extend the set.
const (
	EventSignalReceived     = "SIGNAL_RECEIVED"
	EventInterventionLogged = "INTERVENTION_LOGGED"
	EventEscalatedToTier2   = "ESCALATED_TO_TIER2"
)

// GenesisHash is the prev_hash sentinel carried by the first entry of a scope.
const GenesisHash = "genesis"

var (
	// ErrConcurrencyConflict signals that another append claimed the same tail;
	// transient, the append path retries with a refreshed tail hash.
	ErrConcurrencyConflict = errors.New("audit: concurrent append conflict")
	// ErrChainBroken marks a structural or hash mismatch found during
	// verification. Never auto-repaired.
	ErrChainBroken = errors.New("audit: chain broken")
	// ErrSignatureInvalid marks a signature that fails verification; treated as
	// a chain-broken finding for audit purposes.
	ErrSignatureInvalid = errors.New("audit: signature invalid")
)

// Event is one immutable ledger entry. LinkHash covers subject, type,
// timestamp, canonical payload, and the predecessor's link hash; Signature is
// the hybrid signature over the same canonical string.
type Event struct {
	ID           int64
	SubjectID    string
	Type         string
	Timestamp    time.Time
	Payload      map[string]any
	PrevHash     string
	LinkHash     string
	Signature    string
	AlgorithmTag string
	ScopeKey     string
}

// Scope selects how the ledger is partitioned: one chain per subject or a
// single chain across all subjects. A deployment picks one and applies it
// uniformly; append and verify are identical either way, only the tail lookup
// key differs.
type Scope int

const (
	ScopePerSubject Scope = iota
	ScopeGlobal
)

// GlobalScopeKey is the single chain key used under ScopeGlobal.
const GlobalScopeKey = "global"

// Key maps a subject to the chain it belongs to.
func (s Scope) Key(subjectID string) string {
	if s == ScopeGlobal {
		return GlobalScopeKey
	}
	return subjectID
}

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "per-subject"
}

// ParseScope reads a deployment configuration value.
func ParseScope(value string) (Scope, error) {
	switch value {
	case "", "per-subject", "subject":
		return ScopePerSubject, nil
	case "global":
		return ScopeGlobal, nil
	default:
		return ScopePerSubject, fmt.Errorf("audit: unknown chain scope %q", value)
	}
}

// VerifyResult reports the outcome of walking one chain scope.
type VerifyResult struct {
	Valid bool
	// FailureIndex is the zero-based index of the first failing entry, or -1
	// when the chain is valid or empty.
	FailureIndex int
	Reason       string
	Entries      int

	signatureFailure bool
}

// Err converts a failed result into the error taxonomy: signature findings map
// to ErrSignatureInvalid, everything else to ErrChainBroken. Nil when valid.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	if r.signatureFailure {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, r.Reason)
	}
	return fmt.Errorf("%w: %s", ErrChainBroken, r.Reason)
}

// Stats summarizes ledger contents across all scopes.
type Stats struct {
	TotalEntries   int
	UniqueSubjects int
	EventsByType   map[string]int
	// ChainsValid is true when every non-empty scope verifies end to end.
	ChainsValid bool
}
