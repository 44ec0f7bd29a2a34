package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process development.
type MemoryStore struct {
	mu         sync.Mutex
	rows       map[string]Row       // hash -> row
	tombstones map[string]Tombstone // hash -> tombstone
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:       make(map[string]Row),
		tombstones: make(map[string]Tombstone),
	}
}

// Insert adds a fresh ledger row.
func (s *MemoryStore) Insert(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[row.Hash] = row
	return nil
}

// GetByHash loads a row by token hash.
func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[hash]
	if !ok {
		return Row{}, ErrTokenNotFound
	}
	return row, nil
}

// Rotate atomically replaces the predecessor with its successor.
func (s *MemoryStore) Rotate(ctx context.Context, now time.Time, oldHash string, successor Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.rows[oldHash]
	if !ok {
		return ErrTokenNotFound
	}

	delete(s.rows, oldHash)
	s.rows[successor.Hash] = successor
	s.tombstones[oldHash] = Tombstone{
		Hash:      oldHash,
		UserID:    old.UserID,
		FamilyID:  old.FamilyID,
		RotatedAt: now,
		ExpiresAt: old.AbsoluteExpiresAt,
	}
	return nil
}

// WasRotated reports whether hash matches a rotation tombstone.
func (s *MemoryStore) WasRotated(ctx context.Context, hash string) (Tombstone, bool, error) {
	if err := ctx.Err(); err != nil {
		return Tombstone{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tombstones[hash]
	return ts, ok, nil
}

// Delete removes a single row by hash (idempotent).
func (s *MemoryStore) Delete(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, hash)
	return nil
}

// DeleteFamily removes every row of a token family (idempotent).
func (s *MemoryStore) DeleteFamily(ctx context.Context, familyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, row := range s.rows {
		if row.FamilyID == familyID {
			delete(s.rows, hash)
		}
	}
	return nil
}

// DeleteAllForUser removes every row belonging to an identity (idempotent).
func (s *MemoryStore) DeleteAllForUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, row := range s.rows {
		if row.UserID == userID {
			delete(s.rows, hash)
		}
	}
	return nil
}

// Sweep removes rows and tombstones past their expiries.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for hash, row := range s.rows {
		if !row.AbsoluteExpiresAt.After(now) {
			delete(s.rows, hash)
			removed++
		}
	}
	for hash, ts := range s.tombstones {
		if !ts.ExpiresAt.After(now) {
			delete(s.tombstones, hash)
		}
	}
	return removed, nil
}
