package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultMaxAppendRetries = 3

const reasonNoEntries = "no entries"

// Signer abstracts signature.Service so the chain can be tested with fakes.
type Signer interface {
	Sign(payload string) (string, error)
	Verify(payload, blob string) bool
	AlgorithmTag() string
}

// Chain is the append-only, hash-linked ledger. Appends within one scope are
// serialized by a per-scope mutex; the store's unique (scope_key, prev_hash)
// constraint catches races from other processes sharing the same database, in
// which case the append retries with the refreshed tail.
type Chain struct {
	store      Store
	signer     Signer
	scope      Scope
	hash       Hasher
	now        func() time.Time
	maxRetries int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type ChainOption func(*Chain)

// WithScope selects global or per-subject chaining. Per-subject is the
// default.
func WithScope(scope Scope) ChainOption {
	return func(c *Chain) {
		c.scope = scope
	}
}

// WithHasher overrides the default SHA-512 link digest.
func WithHasher(h Hasher) ChainOption {
	return func(c *Chain) {
		c.hash = h
	}
}

func WithClock(now func() time.Time) ChainOption {
	return func(c *Chain) {
		c.now = now
	}
}

func WithMaxAppendRetries(n int) ChainOption {
	return func(c *Chain) {
		c.maxRetries = n
	}
}

func NewChain(store Store, signer Signer, opts ...ChainOption) *Chain {
	sha512Hasher, _ := NewHasher(HashSHA512)
	c := &Chain{
		store:      store,
		signer:     signer,
		scope:      ScopePerSubject,
		hash:       sha512Hasher,
		now:        time.Now,
		maxRetries: defaultMaxAppendRetries,
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scope reports the deployment-wide chaining choice.
func (c *Chain) Scope() Scope {
	return c.scope
}

// Append reads the current tail of the entry's scope, builds the canonical
// string, hashes and signs it, verifies the signature, and persists the event.
// The signature is checked before persisting so a broken signer can never
// commit an unverifiable entry.
func (c *Chain) Append(ctx context.Context, subjectID, eventType string, payload map[string]any) (Event, error) {
	if subjectID == "" {
		return Event{}, fmt.Errorf("audit: missing subject id")
	}
	if eventType == "" {
		return Event{}, fmt.Errorf("audit: missing event type")
	}

	scopeKey := c.scope.Key(subjectID)
	lock := c.scopeLock(scopeKey)
	lock.Lock()
	defer lock.Unlock()

	var conflict error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		prevHash, err := c.store.Tail(ctx, scopeKey)
		if err != nil {
			return Event{}, fmt.Errorf("audit: read tail: %w", err)
		}

		ts := c.now().UTC().Truncate(time.Microsecond)
		canonical, err := canonicalString(subjectID, eventType, ts, payload, prevHash)
		if err != nil {
			return Event{}, err
		}

		sig, err := c.signer.Sign(canonical)
		if err != nil {
			return Event{}, fmt.Errorf("audit: sign entry: %w", err)
		}
		if !c.signer.Verify(canonical, sig) {
			return Event{}, fmt.Errorf("audit: pre-commit check: %w", ErrSignatureInvalid)
		}

		ev := Event{
			SubjectID:    subjectID,
			Type:         eventType,
			Timestamp:    ts,
			Payload:      clonePayload(payload),
			PrevHash:     prevHash,
			LinkHash:     c.hash(canonical),
			Signature:    sig,
			AlgorithmTag: c.signer.AlgorithmTag(),
			ScopeKey:     scopeKey,
		}

		if err := c.store.Append(ctx, &ev); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				conflict = err
				continue
			}
			return Event{}, fmt.Errorf("audit: append entry: %w", err)
		}
		return ev, nil
	}

	return Event{}, fmt.Errorf("audit: append retries exhausted: %w", conflict)
}

// Events returns one scope's entries in ascending order.
func (c *Chain) Events(ctx context.Context, scopeKey string) ([]Event, error) {
	return c.store.Events(ctx, scopeKey)
}

// SubjectEvents returns the entries recorded for one subject regardless of the
// deployment's scoping choice.
func (c *Chain) SubjectEvents(ctx context.Context, subjectID string) ([]Event, error) {
	if c.scope == ScopePerSubject {
		return c.store.Events(ctx, subjectID)
	}

	all, err := c.store.Events(ctx, GlobalScopeKey)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.SubjectID == subjectID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// AllEvents returns every entry across scopes.
func (c *Chain) AllEvents(ctx context.Context) ([]Event, error) {
	return c.store.AllEvents(ctx)
}

// Verify recomputes every link hash in the scope, confirms prev_hash linkage
// from genesis, and independently verifies each signature. The first failing
// entry's index is reported; an empty chain is invalid with reason
// "no entries", distinct from a broken chain.
func (c *Chain) Verify(ctx context.Context, scopeKey string) (VerifyResult, error) {
	events, err := c.store.Events(ctx, scopeKey)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: load scope %q: %w", scopeKey, err)
	}

	if len(events) == 0 {
		return VerifyResult{Valid: false, FailureIndex: -1, Reason: reasonNoEntries}, nil
	}

	prevHash := GenesisHash
	for i, ev := range events {
		if ev.PrevHash != prevHash {
			return VerifyResult{
				Valid:        false,
				FailureIndex: i,
				Reason:       fmt.Sprintf("broken chain: prev_hash mismatch at entry %d", i),
				Entries:      len(events),
			}, nil
		}

		canonical, err := canonicalString(ev.SubjectID, ev.Type, ev.Timestamp, ev.Payload, ev.PrevHash)
		if err != nil {
			return VerifyResult{}, err
		}
		if c.hash(canonical) != ev.LinkHash {
			return VerifyResult{
				Valid:        false,
				FailureIndex: i,
				Reason:       fmt.Sprintf("link hash mismatch at entry %d", i),
				Entries:      len(events),
			}, nil
		}
		if !c.signer.Verify(canonical, ev.Signature) {
			return VerifyResult{
				Valid:            false,
				FailureIndex:     i,
				Reason:           fmt.Sprintf("signature invalid at entry %d", i),
				Entries:          len(events),
				signatureFailure: true,
			}, nil
		}

		prevHash = ev.LinkHash
	}

	return VerifyResult{Valid: true, FailureIndex: -1, Entries: len(events)}, nil
}

// VerifySubject verifies the chain a subject's entries live on.
func (c *Chain) VerifySubject(ctx context.Context, subjectID string) (VerifyResult, error) {
	return c.Verify(ctx, c.scope.Key(subjectID))
}

// Stats tallies the ledger and verifies every non-empty scope.
func (c *Chain) Stats(ctx context.Context) (Stats, error) {
	events, err := c.store.AllEvents(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("audit: load events: %w", err)
	}

	stats := Stats{
		EventsByType: make(map[string]int),
		ChainsValid:  true,
	}
	subjects := make(map[string]struct{})
	scopes := make(map[string]struct{})
	for _, ev := range events {
		stats.TotalEntries++
		stats.EventsByType[ev.Type]++
		subjects[ev.SubjectID] = struct{}{}
		scopes[ev.ScopeKey] = struct{}{}
	}
	stats.UniqueSubjects = len(subjects)

	for scopeKey := range scopes {
		res, err := c.Verify(ctx, scopeKey)
		if err != nil {
			return Stats{}, err
		}
		if !res.Valid {
			stats.ChainsValid = false
			break
		}
	}

	return stats, nil
}

func (c *Chain) scopeLock(scopeKey string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[scopeKey]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[scopeKey] = lock
	}
	return lock
}
