package identity

import (
	"context"
	"time"
)

// Identity is Tempo's canonical security principal.
type Identity struct {
	ID          string
	Email       string
	EmailNorm   string
	DisplayName string

	// Active is flipped to false on admin deactivation; rows are never
	// hard-deleted by this core.
	Active bool

	CreatedAt time.Time
}

// ExternalLogin links an identity to an account at an external provider.
// A (Provider, SubjectID) pair maps to at most one identity; an identity
// may link several providers.
type ExternalLogin struct {
	IdentityID string
	Provider   string
	SubjectID  string
	CreatedAt  time.Time
}

// CreateIdentityInput describes a registration request.
// Password may be empty for identities created by a federated login;
// such identities carry no credential until SetPassword is called.
type CreateIdentityInput struct {
	Email       string
	DisplayName string
	Password    string
	Now         time.Time
}

// Store is the identity persistence boundary.
//
// Implementations grant RoleMember inside CreateIdentity so an identity
// is never observable without its base role.
type Store interface {
	CreateIdentity(ctx context.Context, in CreateIdentityInput) (Identity, error)
	GetByID(ctx context.Context, id string) (Identity, error)
	GetByEmail(ctx context.Context, email string) (Identity, error)
	Deactivate(ctx context.Context, id string, now time.Time) error

	// VerifyPassword checks a candidate against the stored credential.
	// It returns (false, nil) for an unknown identity, a missing
	// credential, and a mismatch alike, and burns comparable CPU in each
	// case so callers cannot distinguish them by timing.
	VerifyPassword(ctx context.Context, identityID, candidate string) (bool, error)

	// SetPassword replaces the credential wholesale and stamps
	// password_changed_at.
	SetPassword(ctx context.Context, identityID, newPassword string, now time.Time) error

	// Role registry. Grant and RevokeRole are idempotent; revoking the
	// base role fails with ErrProtectedRole.
	RolesOf(ctx context.Context, identityID string) ([]Role, error)
	GrantRole(ctx context.Context, identityID string, role Role, now time.Time) error
	RevokeRole(ctx context.Context, identityID string, role Role) error

	// External logins.
	GetByExternalLogin(ctx context.Context, provider, subjectID string) (Identity, error)
	LinkExternalLogin(ctx context.Context, identityID, provider, subjectID string, now time.Time) error
	HasExternalLogin(ctx context.Context, identityID, provider string) (bool, error)
}
