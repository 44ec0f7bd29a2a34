package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
//
// Rotation safety relies on the conditional DELETE of the predecessor row:
// the row's hash is the primary key, so of two concurrent rotations only one
// delete reports an affected row and the other fails with ErrTokenNotFound.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the ledger (default "tempo").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed ledger.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "tempo"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// Insert adds a fresh ledger row.
func (s *PostgresStore) Insert(ctx context.Context, row Row) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			hash, user_id, family_id, device_tag,
			created_at, last_used_at, idle_expires_at, absolute_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.table("refresh_tokens")),
		row.Hash, row.UserID, row.FamilyID, nullIfEmpty(row.DeviceTag),
		row.CreatedAt, row.LastUsedAt, row.IdleExpiresAt, row.AbsoluteExpiresAt)
	return err
}

// GetByHash loads a row by token hash.
func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (Row, error) {
	var row Row
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT hash, user_id, family_id, COALESCE(device_tag, ''),
		       created_at, last_used_at, idle_expires_at, absolute_expires_at
		FROM %s
		WHERE hash = $1
	`, s.table("refresh_tokens")), hash).Scan(
		&row.Hash,
		&row.UserID,
		&row.FamilyID,
		&row.DeviceTag,
		&row.CreatedAt,
		&row.LastUsedAt,
		&row.IdleExpiresAt,
		&row.AbsoluteExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrTokenNotFound
	}
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

// Rotate deletes the predecessor, inserts its successor, and records a
// tombstone, all in one transaction. The conditional delete is the race
// arbiter: zero affected rows means another rotation already won.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, oldHash string, successor Row) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var old Row
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE hash = $1
		RETURNING user_id, family_id, absolute_expires_at
	`, s.table("refresh_tokens")), oldHash).Scan(
		&old.UserID, &old.FamilyID, &old.AbsoluteExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			hash, user_id, family_id, device_tag,
			created_at, last_used_at, idle_expires_at, absolute_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.table("refresh_tokens")),
		successor.Hash, successor.UserID, successor.FamilyID, nullIfEmpty(successor.DeviceTag),
		successor.CreatedAt, successor.LastUsedAt, successor.IdleExpiresAt, successor.AbsoluteExpiresAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (hash, user_id, family_id, rotated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING
	`, s.table("revoked_refresh_tokens")),
		oldHash, old.UserID, old.FamilyID, now, old.AbsoluteExpiresAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// WasRotated reports whether hash matches a rotation tombstone.
func (s *PostgresStore) WasRotated(ctx context.Context, hash string) (Tombstone, bool, error) {
	var ts Tombstone
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT hash, user_id, family_id, rotated_at, expires_at
		FROM %s
		WHERE hash = $1
	`, s.table("revoked_refresh_tokens")), hash).Scan(
		&ts.Hash, &ts.UserID, &ts.FamilyID, &ts.RotatedAt, &ts.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tombstone{}, false, nil
	}
	if err != nil {
		return Tombstone{}, false, err
	}
	return ts, true, nil
}

// Delete removes a single row by hash (idempotent).
func (s *PostgresStore) Delete(ctx context.Context, hash string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE hash = $1
	`, s.table("refresh_tokens")), hash)
	return err
}

// DeleteFamily removes every row of a token family (idempotent).
func (s *PostgresStore) DeleteFamily(ctx context.Context, familyID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE family_id = $1
	`, s.table("refresh_tokens")), familyID)
	return err
}

// DeleteAllForUser removes every row belonging to an identity (idempotent).
func (s *PostgresStore) DeleteAllForUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE user_id = $1
	`, s.table("refresh_tokens")), userID)
	return err
}

// Sweep removes rows past absolute expiry and tombstones past theirs.
func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE absolute_expires_at <= $1
	`, s.table("refresh_tokens")), now)
	if err != nil {
		return 0, err
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE expires_at <= $1
	`, s.table("revoked_refresh_tokens")), now)
	if err != nil {
		return tag.RowsAffected(), err
	}

	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
