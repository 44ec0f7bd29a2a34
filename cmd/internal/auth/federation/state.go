package federation

import (
	"context"
	"time"
)

// Rec is one pending handshake, keyed by its opaque state value.
//
// A record is created by Begin, consumed exactly once on a successful
// callback, or swept after its TTL if the user never returns.
type Rec struct {
	State     string
	Provider  string
	Verifier  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// StateStore persists pending handshakes.
//
// Consume must be exactly-once: of two concurrent callbacks carrying the same
// state, only one may receive the record.
type StateStore interface {
	// Put stores a new handshake record.
	Put(ctx context.Context, rec Rec) error

	// Get loads a record without consuming it. Returns ErrStateExpired when
	// absent.
	Get(ctx context.Context, state string) (Rec, error)

	// Consume atomically fetches and deletes a record. Returns
	// ErrStateExpired when absent (including when another caller consumed it
	// first).
	Consume(ctx context.Context, state string) (Rec, error)

	// Sweep removes records past their TTL.
	Sweep(ctx context.Context, now time.Time) (removed int64, err error)
}
