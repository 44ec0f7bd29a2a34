package federation

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

// PostgresStateStore implements StateStore using PostgreSQL.
//
// Exactly-once consumption rides on DELETE ... RETURNING: of two concurrent
// callbacks with the same state value only one delete returns the row.
type PostgresStateStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStateStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "tempo").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStateStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("federation: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStateStore creates a Postgres-backed state store.
func NewPostgresStateStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStateStore, error) {
	st := &PostgresStateStore{pool: pool, schema: "tempo"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("federation: nil pool")
	}
	return st, nil
}

func (s *PostgresStateStore) table() string {
	return pgx.Identifier{s.schema, "federation_states"}.Sanitize()
}

// Put stores a new handshake record.
func (s *PostgresStateStore) Put(ctx context.Context, rec Rec) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (state, provider, verifier, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.table()), rec.State, rec.Provider, rec.Verifier, rec.CreatedAt, rec.ExpiresAt)
	return err
}

// Get loads a record without consuming it.
func (s *PostgresStateStore) Get(ctx context.Context, state string) (Rec, error) {
	var rec Rec
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT state, provider, verifier, created_at, expires_at
		FROM %s
		WHERE state = $1
	`, s.table()), state).Scan(
		&rec.State, &rec.Provider, &rec.Verifier, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rec{}, ErrStateExpired
	}
	if err != nil {
		return Rec{}, err
	}
	return rec, nil
}

// Consume atomically fetches and deletes a record.
func (s *PostgresStateStore) Consume(ctx context.Context, state string) (Rec, error) {
	var rec Rec
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE state = $1
		RETURNING state, provider, verifier, created_at, expires_at
	`, s.table()), state).Scan(
		&rec.State, &rec.Provider, &rec.Verifier, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rec{}, ErrStateExpired
	}
	if err != nil {
		return Rec{}, err
	}
	return rec, nil
}

// Sweep removes records past their TTL.
func (s *PostgresStateStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE expires_at <= $1
	`, s.table()), now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
