package federation

import (
	"context"
	"sync"
	"time"
)

// MemoryStateStore is an in-memory StateStore for tests and single-process
// development.
type MemoryStateStore struct {
	mu   sync.Mutex
	recs map[string]Rec
}

// NewMemoryStateStore creates an empty state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{recs: make(map[string]Rec)}
}

// Put stores a new handshake record.
func (s *MemoryStateStore) Put(ctx context.Context, rec Rec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[rec.State] = rec
	return nil
}

// Get loads a record without consuming it.
func (s *MemoryStateStore) Get(ctx context.Context, state string) (Rec, error) {
	if err := ctx.Err(); err != nil {
		return Rec{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[state]
	if !ok {
		return Rec{}, ErrStateExpired
	}
	return rec, nil
}

// Consume atomically fetches and deletes a record.
func (s *MemoryStateStore) Consume(ctx context.Context, state string) (Rec, error) {
	if err := ctx.Err(); err != nil {
		return Rec{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[state]
	if !ok {
		return Rec{}, ErrStateExpired
	}
	delete(s.recs, state)
	return rec, nil
}

// Sweep removes records past their TTL.
func (s *MemoryStateStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for state, rec := range s.recs {
		if !rec.ExpiresAt.After(now) {
			delete(s.recs, state)
			removed++
		}
	}
	return removed, nil
}
