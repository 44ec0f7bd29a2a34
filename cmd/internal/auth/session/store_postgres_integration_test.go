package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are opt-in and require TEMPO_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_InsertAndGetByHash(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyLedgerSchema(t, pool, schema)

	s := mustNewLedgerStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)
	row := testLedgerRow(now)

	if err := s.Insert(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetByHash(ctx, row.Hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != row.UserID || got.FamilyID != row.FamilyID {
		t.Fatalf("row mismatch: %+v", got)
	}
	if !got.AbsoluteExpiresAt.Equal(row.AbsoluteExpiresAt) {
		t.Fatalf("absolute expiry mismatch: %v vs %v", got.AbsoluteExpiresAt, row.AbsoluteExpiresAt)
	}

	if _, err := s.GetByHash(ctx, "0000000000000000000000000000000000000000000000000000000000000000"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestPostgresStore_Rotate_WinnerAndLoser(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyLedgerSchema(t, pool, schema)

	s := mustNewLedgerStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)
	row := testLedgerRow(now)
	if err := s.Insert(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	successor := testLedgerRow(now)
	successor.UserID = row.UserID
	successor.FamilyID = row.FamilyID
	successor.AbsoluteExpiresAt = row.AbsoluteExpiresAt

	if err := s.Rotate(ctx, now, row.Hash, successor); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// The predecessor row is gone and tombstoned.
	if _, err := s.GetByHash(ctx, row.Hash); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected predecessor gone, got %v", err)
	}
	ts, rotated, err := s.WasRotated(ctx, row.Hash)
	if err != nil {
		t.Fatalf("was rotated: %v", err)
	}
	if !rotated {
		t.Fatalf("expected tombstone for predecessor")
	}
	if ts.FamilyID != row.FamilyID || ts.UserID != row.UserID {
		t.Fatalf("tombstone mismatch: %+v", ts)
	}

	// A second rotation of the same predecessor loses the conditional delete.
	another := testLedgerRow(now)
	another.FamilyID = row.FamilyID
	err = s.Rotate(ctx, now, row.Hash, another)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for loser, got %v", err)
	}

	// The successor survives.
	if _, err := s.GetByHash(ctx, successor.Hash); err != nil {
		t.Fatalf("successor lookup: %v", err)
	}
}

func TestPostgresStore_DeleteFamily(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyLedgerSchema(t, pool, schema)

	s := mustNewLedgerStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)

	fam := testLedgerRow(now)
	kin := testLedgerRow(now)
	kin.UserID = fam.UserID
	kin.FamilyID = fam.FamilyID
	other := testLedgerRow(now)

	for _, r := range []Row{fam, kin, other} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := s.DeleteFamily(ctx, fam.FamilyID); err != nil {
		t.Fatalf("delete family: %v", err)
	}
	// Idempotent.
	if err := s.DeleteFamily(ctx, fam.FamilyID); err != nil {
		t.Fatalf("delete family (repeat): %v", err)
	}

	for _, hash := range []string{fam.Hash, kin.Hash} {
		if _, err := s.GetByHash(ctx, hash); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("expected family member gone, got %v", err)
		}
	}
	if _, err := s.GetByHash(ctx, other.Hash); err != nil {
		t.Fatalf("unrelated row lost: %v", err)
	}
}

func TestPostgresStore_DeleteAllForUser(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyLedgerSchema(t, pool, schema)

	s := mustNewLedgerStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)

	a := testLedgerRow(now)
	b := testLedgerRow(now)
	b.UserID = a.UserID
	other := testLedgerRow(now)

	for _, r := range []Row{a, b, other} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := s.DeleteAllForUser(ctx, a.UserID); err != nil {
		t.Fatalf("delete all: %v", err)
	}

	for _, hash := range []string{a.Hash, b.Hash} {
		if _, err := s.GetByHash(ctx, hash); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("expected user row gone, got %v", err)
		}
	}
	if _, err := s.GetByHash(ctx, other.Hash); err != nil {
		t.Fatalf("unrelated row lost: %v", err)
	}
}

func TestPostgresStore_Sweep(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyLedgerSchema(t, pool, schema)

	s := mustNewLedgerStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)

	dead := testLedgerRow(now)
	dead.AbsoluteExpiresAt = now.Add(-time.Minute)
	live := testLedgerRow(now)

	if err := s.Insert(ctx, dead); err != nil {
		t.Fatalf("insert dead: %v", err)
	}
	if err := s.Insert(ctx, live); err != nil {
		t.Fatalf("insert live: %v", err)
	}

	removed, err := s.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if _, err := s.GetByHash(ctx, dead.Hash); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected dead row gone, got %v", err)
	}
	if _, err := s.GetByHash(ctx, live.Hash); err != nil {
		t.Fatalf("live row lost: %v", err)
	}
}

// ---- helpers ----

func testLedgerRow(now time.Time) Row {
	_, hash, err := newOpaqueRefreshToken(32)
	if err != nil {
		panic(err)
	}
	return Row{
		Hash:              hash,
		UserID:            ulid.Make().String(),
		FamilyID:          ulid.Make().String(),
		DeviceTag:         "it-device",
		CreatedAt:         now,
		LastUsedAt:        now,
		IdleExpiresAt:     now.Add(7 * 24 * time.Hour),
		AbsoluteExpiresAt: now.Add(180 * 24 * time.Hour),
	}
}

func mustNewLedgerStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()
	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TEMPO_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TEMPO_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse TEMPO_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (TEMPO_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "tempo_it_" + strings.ToLower(ulid.Make().String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyLedgerSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	tokens := pgx.Identifier{schema, "refresh_tokens"}.Sanitize()
	revoked := pgx.Identifier{schema, "revoked_refresh_tokens"}.Sanitize()

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  hash TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  family_id TEXT NOT NULL,
  device_tag TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  idle_expires_at TIMESTAMPTZ NOT NULL,
  absolute_expires_at TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_refresh_tokens_hash_len CHECK (char_length(hash) = 64),
  CONSTRAINT chk_refresh_tokens_expiry_order CHECK (idle_expires_at <= absolute_expires_at)
);

CREATE TABLE IF NOT EXISTS %s (
  hash TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  family_id TEXT NOT NULL,
  rotated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  expires_at TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_revoked_refresh_tokens_hash_len CHECK (char_length(hash) = 64)
);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id
  ON %s (user_id);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_family_id
  ON %s (family_id);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_absolute_expires_at
  ON %s (absolute_expires_at);

CREATE INDEX IF NOT EXISTS idx_revoked_refresh_tokens_expires_at
  ON %s (expires_at);
`, tokens, revoked, tokens, tokens, tokens, revoked)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}
