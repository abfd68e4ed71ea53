package audit

import (
	"context"
	"sync"
)

// Store is the append-only persistence contract for ledger events. The
// interface deliberately exposes no update or delete operation at any layer;
// the database-backed implementations additionally install triggers so direct
// writes to the underlying tables cannot alter committed entries either.
type Store interface {
	// Append persists ev and assigns its monotonic ID. Returns
	// ErrConcurrencyConflict when another append already claimed ev.PrevHash
	// within the same scope.
	Append(ctx context.Context, ev *Event) error
	// Tail returns the link hash of the last entry in the scope, or
	// GenesisHash for an empty scope.
	Tail(ctx context.Context, scopeKey string) (string, error)
	// Events returns the scope's entries in ascending id order.
	Events(ctx context.Context, scopeKey string) ([]Event, error)
	// AllEvents returns every entry across scopes in ascending id order.
	AllEvents(ctx context.Context) ([]Event, error)
}

// MemoryStore keeps the ledger in process memory. Used by tests and
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	tails  map[string]string
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tails:  make(map[string]string),
		nextID: 1,
	}
}

func (s *MemoryStore) Append(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tail, ok := s.tails[ev.ScopeKey]
	if !ok {
		tail = GenesisHash
	}
	if ev.PrevHash != tail {
		return ErrConcurrencyConflict
	}

	ev.ID = s.nextID
	s.nextID++

	s.events = append(s.events, copyEvent(*ev))
	s.tails[ev.ScopeKey] = ev.LinkHash
	return nil
}

func (s *MemoryStore) Tail(ctx context.Context, scopeKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tail, ok := s.tails[scopeKey]; ok {
		return tail, nil
	}
	return GenesisHash, nil
}

func (s *MemoryStore) Events(ctx context.Context, scopeKey string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.ScopeKey == scopeKey {
			out = append(out, copyEvent(ev))
		}
	}
	return out, nil
}

func (s *MemoryStore) AllEvents(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

// copyEvent shields committed entries from callers mutating returned values.
func copyEvent(ev Event) Event {
	ev.Payload = clonePayload(ev.Payload)
	return ev
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
