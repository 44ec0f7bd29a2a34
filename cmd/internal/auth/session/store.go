package session

import (
	"context"
	"time"
)

// Row is one refresh-token record in the ledger.
//
// The raw token never appears here: Hash is its HMAC-SHA256 (or SHA-256) hex
// digest and doubles as the primary key. FamilyID ties together the chain of
// tokens produced by successive rotations from one login.
type Row struct {
	Hash              string
	UserID            string
	FamilyID          string
	DeviceTag         string
	CreatedAt         time.Time
	LastUsedAt        time.Time
	IdleExpiresAt     time.Time
	AbsoluteExpiresAt time.Time
}

// Tombstone records a rotated-out refresh token hash. A presented token that
// matches a tombstone is evidence of reuse.
type Tombstone struct {
	Hash      string
	UserID    string
	FamilyID  string
	RotatedAt time.Time
	ExpiresAt time.Time
}

// Store abstracts persistence for the refresh-token ledger.
//
// Rotate is the contended operation: implementations must guarantee that of
// two concurrent rotations of the same predecessor hash at most one succeeds
// and the other observes ErrTokenNotFound.
type Store interface {
	// Insert adds a fresh ledger row (login or federated login).
	Insert(ctx context.Context, row Row) error

	// GetByHash loads a row by token hash. Returns ErrTokenNotFound if absent.
	GetByHash(ctx context.Context, hash string) (Row, error)

	// Rotate atomically deletes the predecessor row, inserts its successor,
	// and records a tombstone for the predecessor hash. Returns
	// ErrTokenNotFound when the predecessor no longer exists, which is how
	// the loser of a concurrent rotation race fails.
	Rotate(ctx context.Context, now time.Time, oldHash string, successor Row) error

	// WasRotated reports whether hash matches a rotation tombstone.
	WasRotated(ctx context.Context, hash string) (Tombstone, bool, error)

	// Delete removes a single row by hash (idempotent).
	Delete(ctx context.Context, hash string) error

	// DeleteFamily removes every row of a token family (idempotent).
	DeleteFamily(ctx context.Context, familyID string) error

	// DeleteAllForUser removes every row belonging to an identity (idempotent).
	DeleteAllForUser(ctx context.Context, userID string) error

	// Sweep removes rows past their absolute expiry and tombstones past
	// theirs. Safe to run concurrently with Rotate: it only deletes rows that
	// are already unusable.
	Sweep(ctx context.Context, now time.Time) (removed int64, err error)
}
