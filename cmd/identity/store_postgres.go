package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore implements identity persistence over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must not close it.
// Schema/table identifiers are safely quoted to avoid SQL injection via
// identifiers. Errors are mapped to identity sentinel kinds.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "tempo").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tempo",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// CreateIdentity creates an identity, optional credential, and the base
// role in one transaction.
func (s *PostgresStore) CreateIdentity(ctx context.Context, in CreateIdentityInput) (Identity, error) {
	const op = "identity.CreateIdentity"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	email := strings.TrimSpace(in.Email)
	if email == "" {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email is required"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var hash string
	if in.Password != "" {
		h, err := hashPassword(in.Password)
		if err != nil {
			return Identity{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
		}
		hash = h
	}

	ident := Identity{
		ID:          ulid.Make().String(),
		Email:       email,
		EmailNorm:   NormalizeEmail(email),
		DisplayName: strings.TrimSpace(in.DisplayName),
		Active:      true,
		CreatedAt:   now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Identity{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, email, email_norm, display_name, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
	`, s.table("identities")),
		ident.ID, ident.Email, ident.EmailNorm, nullIfEmpty(ident.DisplayName), now)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return Identity{}, ConflictError{Op: op, Field: "email"}
		}
		return Identity{}, err
	}

	if hash != "" {
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (identity_id, password_hash, password_changed_at)
			VALUES ($1, $2, $3)
		`, s.table("identity_credentials")), ident.ID, hash, now)
		if err != nil {
			return Identity{}, err
		}
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (identity_id, role, granted_at)
		VALUES ($1, $2, $3)
	`, s.table("identity_roles")), ident.ID, string(RoleMember), now)
	if err != nil {
		return Identity{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Identity{}, err
	}

	return ident, nil
}

// GetByID loads an identity by id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (Identity, error) {
	const op = "identity.GetByID"

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, email, email_norm, COALESCE(display_name, ''), active, created_at
		FROM %s
		WHERE id = $1
	`, s.table("identities")), id)

	return scanIdentity(op, row)
}

// GetByEmail loads an identity by normalized email.
func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (Identity, error) {
	const op = "identity.GetByEmail"

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, email, email_norm, COALESCE(display_name, ''), active, created_at
		FROM %s
		WHERE email_norm = $1
	`, s.table("identities")), NormalizeEmail(email))

	return scanIdentity(op, row)
}

// Deactivate flips the active flag (idempotent).
func (s *PostgresStore) Deactivate(ctx context.Context, id string, now time.Time) error {
	const op = "identity.Deactivate"

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET active = FALSE, deactivated_at = COALESCE(deactivated_at, $2)
		WHERE id = $1
	`, s.table("identities")), id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return nil
}

// VerifyPassword checks a candidate against the stored credential.
func (s *PostgresStore) VerifyPassword(ctx context.Context, identityID, candidate string) (bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT password_hash
		FROM %s
		WHERE identity_id = $1
	`, s.table("identity_credentials")), identityID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		burnDummyVerify(candidate)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return verifyPassword(candidate, hash)
}

// SetPassword replaces the credential wholesale and stamps password_changed_at.
func (s *PostgresStore) SetPassword(ctx context.Context, identityID, newPassword string, now time.Time) error {
	const op = "identity.SetPassword"

	hash, err := hashPassword(newPassword)
	if err != nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Upsert so federation-only identities can add a password later.
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (identity_id, password_hash, password_changed_at)
		SELECT id, $2, $3 FROM %s WHERE id = $1
		ON CONFLICT (identity_id) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			password_changed_at = EXCLUDED.password_changed_at
	`, s.table("identity_credentials"), s.table("identities")), identityID, hash, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return nil
}

// RolesOf returns the identity's role set.
func (s *PostgresStore) RolesOf(ctx context.Context, identityID string) ([]Role, error) {
	const op = "identity.RolesOf"

	var exists bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)
	`, s.table("identities")), identityID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, OpError{Op: op, Kind: ErrNotFound}
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT role FROM %s WHERE identity_id = $1 ORDER BY role
	`, s.table("identity_roles")), identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, Role(r))
	}
	return out, rows.Err()
}

// GrantRole adds a role edge (no-op if already granted).
func (s *PostgresStore) GrantRole(ctx context.Context, identityID string, role Role, now time.Time) error {
	const op = "identity.GrantRole"

	if err := guardRoleChange(op, role, false); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (identity_id, role, granted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id, role) DO NOTHING
	`, s.table("identity_roles")), identityID, string(role), now)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return OpError{Op: op, Kind: ErrNotFound}
		}
		return err
	}
	return nil
}

// RevokeRole removes a role edge (no-op if absent). The base role is protected.
func (s *PostgresStore) RevokeRole(ctx context.Context, identityID string, role Role) error {
	const op = "identity.RevokeRole"

	if err := guardRoleChange(op, role, true); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE identity_id = $1 AND role = $2
	`, s.table("identity_roles")), identityID, string(role))
	return err
}

// GetByExternalLogin resolves a (provider, subject) pair to its identity.
func (s *PostgresStore) GetByExternalLogin(ctx context.Context, provider, subjectID string) (Identity, error) {
	const op = "identity.GetByExternalLogin"

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT i.id, i.email, i.email_norm, COALESCE(i.display_name, ''), i.active, i.created_at
		FROM %s e
		JOIN %s i ON i.id = e.identity_id
		WHERE e.provider = $1 AND e.subject_id = $2
	`, s.table("external_logins"), s.table("identities")), provider, subjectID)

	return scanIdentity(op, row)
}

// LinkExternalLogin records a (provider, subject) -> identity edge.
func (s *PostgresStore) LinkExternalLogin(ctx context.Context, identityID, provider, subjectID string, now time.Time) error {
	const op = "identity.LinkExternalLogin"

	if provider == "" || subjectID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "provider and subject are required"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (identity_id, provider, subject_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, subject_id) DO NOTHING
	`, s.table("external_logins")), identityID, provider, subjectID, now)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return OpError{Op: op, Kind: ErrNotFound}
		}
		return err
	}

	// DO NOTHING swallows a pair already linked to another identity;
	// surface that as a conflict instead.
	var owner string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT identity_id FROM %s WHERE provider = $1 AND subject_id = $2
	`, s.table("external_logins")), provider, subjectID).Scan(&owner)
	if err != nil {
		return err
	}
	if owner != identityID {
		return ConflictError{Op: op, Field: "external_login"}
	}
	return nil
}

// HasExternalLogin reports whether the identity already links the provider.
func (s *PostgresStore) HasExternalLogin(ctx context.Context, identityID, provider string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (SELECT 1 FROM %s WHERE identity_id = $1 AND provider = $2)
	`, s.table("external_logins")), identityID, provider).Scan(&exists)
	return exists, err
}

func scanIdentity(op string, row pgx.Row) (Identity, error) {
	var ident Identity
	err := row.Scan(
		&ident.ID,
		&ident.Email,
		&ident.EmailNorm,
		&ident.DisplayName,
		&ident.Active,
		&ident.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return Identity{}, err
	}
	return ident, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}
