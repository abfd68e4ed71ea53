package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskledger/audit"
)

// DefaultTimeout is the escalation deadline applied when no per-risk-class
// override is configured.
const DefaultTimeout = 600 * time.Second

const defaultRetryInterval = 5 * time.Second

// Ledger is the slice of audit.Chain the engine writes through.
type Ledger interface {
	Append(ctx context.Context, subjectID, eventType string, payload map[string]any) (audit.Event, error)
}

// Engine drives each subject through PENDING -> RESOLVED | ESCALATED and
// emits every transition through the audit ledger. All subject mutations go
// through the engine mutex, including the deadline timer's expiry handler, so
// a subject sees exactly one terminal transition no matter how cancellation
// and expiry race.
type Engine struct {
	ledger        Ledger
	repo          SubjectRepository
	timeout       time.Duration
	riskTimeouts  map[string]time.Duration
	retryInterval time.Duration
	now           func() time.Time
	idGenerator   func() string

	mu       sync.Mutex
	subjects map[string]*Subject
	timers   map[string]*time.Timer
}

type Option func(*Engine)

// WithSubjectRepository enables persistence of subjects and deadlines, which
// Recover uses to re-arm timers after a restart.
func WithSubjectRepository(repo SubjectRepository) Option {
	return func(e *Engine) {
		e.repo = repo
	}
}

// WithTimeout overrides the default escalation deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithRiskClassTimeout sets the deadline for one risk class.
func WithRiskClassTimeout(riskClass string, d time.Duration) Option {
	return func(e *Engine) {
		e.riskTimeouts[riskClass] = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.idGenerator = gen
	}
}

func NewEngine(ledger Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:        ledger,
		timeout:       DefaultTimeout,
		riskTimeouts:  make(map[string]time.Duration),
		retryInterval: defaultRetryInterval,
		now:           time.Now,
		idGenerator:   func() string { return uuid.NewString() },
		subjects:      make(map[string]*Subject),
		timers:        make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Receive creates a PENDING subject for the signal, appends SIGNAL_RECEIVED,
// and arms the deadline timer. It returns only after the event is durably
// appended.
func (e *Engine) Receive(ctx context.Context, req SignalRequest) (string, error) {
	subjectID := e.idGenerator()
	now := e.now().UTC()
	timeout := e.timeoutFor(req.RiskClass)

	sub := &Subject{
		SubjectID: subjectID,
		Status:    StatusPending,
		RiskClass: req.RiskClass,
		Payload:   clonePayload(req.Payload),
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}

	eventPayload := map[string]any{
		"signal":   sub.Payload,
		"status":   string(StatusPending),
		"deadline": sub.Deadline.Format(time.RFC3339Nano),
	}
	if req.RiskClass != "" {
		eventPayload["risk_class"] = req.RiskClass
	}
	if _, err := e.ledger.Append(ctx, subjectID, audit.EventSignalReceived, eventPayload); err != nil {
		return "", fmt.Errorf("escalation: record signal: %w", err)
	}

	if e.repo != nil {
		if err := e.repo.Insert(ctx, *sub); err != nil {
			return "", fmt.Errorf("escalation: persist subject: %w", err)
		}
	}

	e.mu.Lock()
	e.subjects[subjectID] = sub
	e.armTimer(subjectID, sub.Deadline)
	e.mu.Unlock()

	return subjectID, nil
}

// Intervene resolves a still-PENDING subject. The PENDING check and the
// transition happen as one step under the engine mutex; a subject already in
// a terminal state yields ErrConflict and leaves the ledger untouched.
func (e *Engine) Intervene(ctx context.Context, subjectID, actor, action, notes string) (Subject, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subjects[subjectID]
	if !ok {
		return Subject{}, ErrNotFound
	}
	if sub.Status != StatusPending {
		return projection(sub), ErrConflict
	}

	now := e.now().UTC()
	elapsed := now.Sub(sub.CreatedAt)

	if _, err := e.ledger.Append(ctx, subjectID, audit.EventInterventionLogged, map[string]any{
		"actor":           actor,
		"action":          action,
		"notes":           notes,
		"resolved_at":     now.Format(time.RFC3339Nano),
		"elapsed_seconds": elapsed.Seconds(),
	}); err != nil {
		return Subject{}, fmt.Errorf("escalation: record intervention: %w", err)
	}

	sub.Status = StatusResolved
	sub.Resolution = &Resolution{
		Actor:      actor,
		Action:     action,
		Notes:      notes,
		ResolvedAt: now,
		Elapsed:    elapsed,
	}
	e.cancelTimer(subjectID)

	if e.repo != nil {
		if err := e.repo.Update(ctx, *sub); err != nil {
			return Subject{}, fmt.Errorf("escalation: persist resolution: %w", err)
		}
	}

	return projection(sub), nil
}

// Expire performs the deadline transition for a subject. A subject already in
// a terminal state is a no-op, which makes duplicate or re-entrant timer
// firings harmless.
func (e *Engine) Expire(ctx context.Context, subjectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subjects[subjectID]
	if !ok {
		return ErrNotFound
	}
	if sub.Status != StatusPending {
		return nil
	}

	now := e.now().UTC()
	waited := now.Sub(sub.CreatedAt)

	if _, err := e.ledger.Append(ctx, subjectID, audit.EventEscalatedToTier2, map[string]any{
		"reason":         "no intervention within timeout",
		"escalated_at":   now.Format(time.RFC3339Nano),
		"deadline":       sub.Deadline.Format(time.RFC3339Nano),
		"waited_seconds": waited.Seconds(),
	}); err != nil {
		return fmt.Errorf("escalation: record escalation: %w", err)
	}

	sub.Status = StatusEscalated
	sub.Escalated = true
	e.cancelTimer(subjectID)

	if e.repo != nil {
		if err := e.repo.Update(ctx, *sub); err != nil {
			return fmt.Errorf("escalation: persist escalation: %w", err)
		}
	}

	return nil
}

// Status returns an immutable projection of the subject.
func (e *Engine) Status(subjectID string) (Subject, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subjects[subjectID]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return projection(sub), nil
}

// Subjects returns projections of every tracked subject.
func (e *Engine) Subjects() []Subject {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Subject, 0, len(e.subjects))
	for _, sub := range e.subjects {
		out = append(out, projection(sub))
	}
	return out
}

// PendingCount reports how many subjects still await intervention.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, sub := range e.subjects {
		if sub.Status == StatusPending {
			n++
		}
	}
	return n
}

// Recover reloads subjects from the repository and re-arms timers for the
// PENDING ones. Overdue deadlines fire immediately. Returns the number of
// timers re-armed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.repo == nil {
		return 0, fmt.Errorf("escalation: recover requires a subject repository")
	}

	subjects, err := e.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("escalation: load subjects: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rearmed := 0
	for i := range subjects {
		sub := subjects[i]
		if _, exists := e.subjects[sub.SubjectID]; exists {
			continue
		}
		e.subjects[sub.SubjectID] = &sub
		if sub.Status == StatusPending {
			e.armTimer(sub.SubjectID, sub.Deadline)
			rearmed++
		}
	}
	return rearmed, nil
}

// Stop cancels all armed timers. Pending subjects keep their persisted
// deadlines and are picked up again by Recover.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) timeoutFor(riskClass string) time.Duration {
	if d, ok := e.riskTimeouts[riskClass]; ok {
		return d
	}
	return e.timeout
}

// armTimer must be called with e.mu held.
func (e *Engine) armTimer(subjectID string, deadline time.Time) {
	delay := deadline.Sub(e.now().UTC())
	if delay < 0 {
		delay = 0
	}
	e.timers[subjectID] = time.AfterFunc(delay, func() {
		e.handleExpiry(subjectID)
	})
}

// cancelTimer must be called with e.mu held.
func (e *Engine) cancelTimer(subjectID string) {
	if timer, ok := e.timers[subjectID]; ok {
		timer.Stop()
		delete(e.timers, subjectID)
	}
}

// handleExpiry runs on the timer goroutine. The transition itself re-checks
// the subject's status under the engine mutex; when the ledger append fails
// the timer is re-armed so the escalation eventually lands.
func (e *Engine) handleExpiry(subjectID string) {
	if err := e.Expire(context.Background(), subjectID); err != nil {
		e.mu.Lock()
		if sub, ok := e.subjects[subjectID]; ok && sub.Status == StatusPending {
			e.armTimer(subjectID, e.now().UTC().Add(e.retryInterval))
		}
		e.mu.Unlock()
	}
}

func projection(sub *Subject) Subject {
	out := *sub
	out.Payload = clonePayload(sub.Payload)
	if sub.Resolution != nil {
		res := *sub.Resolution
		out.Resolution = &res
	}
	return out
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
