package escalation

import (
	"errors"
	"time"
)

// Status of a tracked subject. PENDING is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusResolved  Status = "RESOLVED"
	StatusEscalated Status = "ESCALATED"
)

var (
	// ErrNotFound is returned for an unknown subject id.
	ErrNotFound = errors.New("escalation: subject not found")
	// ErrConflict is returned when an intervention arrives after the subject
	// reached a terminal state. The attempt leaves no trace in the ledger.
	ErrConflict = errors.New("escalation: subject already in terminal state")
)

// Resolution records a successful human intervention.
type Resolution struct {
	Actor      string
	Action     string
	Notes      string
	ResolvedAt time.Time
	Elapsed    time.Duration
}

// Subject is the mutable projection tracked per signal. Subjects are never
// deleted; terminal ones are retained for audit correlation.
type Subject struct {
	SubjectID  string
	Status     Status
	RiskClass  string
	Payload    map[string]any
	CreatedAt  time.Time
	Deadline   time.Time
	Resolution *Resolution
	Escalated  bool
}

// SignalRequest carries the opaque payload supplied by upstream classifiers
// plus the risk class used to pick the escalation timeout.
type SignalRequest struct {
	Payload   map[string]any
	RiskClass string
}
