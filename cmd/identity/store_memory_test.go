package identity

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_CreateIdentity_GrantsBaseRole(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	ident, err := s.CreateIdentity(ctx, CreateIdentityInput{
		Email:       "Alice@Example.com",
		DisplayName: "Alice",
		Password:    "very-strong-password-1",
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if ident.ID == "" {
		t.Fatalf("expected identity id")
	}
	if !ident.Active {
		t.Fatalf("expected active identity")
	}
	if ident.EmailNorm != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", ident.EmailNorm)
	}

	roles, err := s.RolesOf(ctx, ident.ID)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if !HasRole(roles, RoleMember) {
		t.Fatalf("expected base role at creation, got %v", roles)
	}
}

func TestMemoryStore_CreateIdentity_ConflictEmail_CaseInsensitive(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIdentity(ctx, CreateIdentityInput{
		Email:    "User@Example.com",
		Password: "very-strong-password-1",
		Now:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create identity 1: %v", err)
	}

	_, err = s.CreateIdentity(ctx, CreateIdentityInput{
		Email:    "user@example.COM",
		Password: "very-strong-password-2",
		Now:      time.Now().UTC(),
	})
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got: %v", err)
	}
}

func TestMemoryStore_CreateIdentity_RequiresEmail(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()

	_, err := s.CreateIdentity(context.Background(), CreateIdentityInput{
		Email:    "   ",
		Password: "very-strong-password-1",
		Now:      time.Now().UTC(),
	})
	if !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got: %v", err)
	}
}

func TestMemoryStore_VerifyPassword(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	ident, err := s.CreateIdentity(ctx, CreateIdentityInput{
		Email:    "verify@example.com",
		Password: "very-strong-password-1",
		Now:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	ok, err := s.VerifyPassword(ctx, ident.ID, "very-strong-password-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}

	ok, err = s.VerifyPassword(ctx, ident.ID, "wrong-password")
	if err != nil {
		t.Fatalf("verify mismatch: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch")
	}

	// Unknown identity fails closed without error.
	ok, err = s.VerifyPassword(ctx, "no-such-identity", "whatever-password")
	if err != nil {
		t.Fatalf("verify unknown: %v", err)
	}
	if ok {
		t.Fatalf("expected no match for unknown identity")
	}
}

func TestMemoryStore_SetPassword_ReplacesCredential(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	ident, err := s.CreateIdentity(ctx, CreateIdentityInput{
		Email:    "setpw@example.com",
		Password: "old-strong-password",
		Now:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	if err := s.SetPassword(ctx, ident.ID, "new-strong-password", time.Now().UTC()); err != nil {
		t.Fatalf("set password: %v", err)
	}

	ok, err := s.VerifyPassword(ctx, ident.ID, "old-strong-password")
	if err != nil {
		t.Fatalf("verify old: %v", err)
	}
	if ok {
		t.Fatalf("expected old password rejected")
	}

	ok, err = s.VerifyPassword(ctx, ident.ID, "new-strong-password")
	if err != nil {
		t.Fatalf("verify new: %v", err)
	}
	if !ok {
		t.Fatalf("expected new password accepted")
	}

	if err := s.SetPassword(ctx, "no-such-identity", "new-strong-password", time.Now().UTC()); !IsNotFound(err) {
		t.Fatalf("expected not found, got: %v", err)
	}
}

func TestMemoryStore_Roles_GrantRevoke(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	ident, err := s.CreateIdentity(ctx, CreateIdentityInput{
		Email:    "roles@example.com",
		Password: "very-strong-password-1",
		Now:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	if err := s.GrantRole(ctx, ident.ID, RoleAdmin, time.Now().UTC()); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := s.GrantRole(ctx, ident.ID, RoleAdmin, time.Now().UTC()); err != nil {
		t.Fatalf("grant (repeat): %v", err)
	}

	roles, err := s.RolesOf(ctx, ident.ID)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if !HasRole(roles, RoleAdmin) || len(roles) != 2 {
		t.Fatalf("expected {member, admin}, got %v", roles)
	}

	if err := s.RevokeRole(ctx, ident.ID, RoleAdmin); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.RevokeRole(ctx, ident.ID, RoleAdmin); err != nil {
		t.Fatalf("revoke (repeat): %v", err)
	}

	if err := s.RevokeRole(ctx, ident.ID, RoleMember); !IsProtectedRole(err) {
		t.Fatalf("expected protected role error, got: %v", err)
	}

	if err := s.GrantRole(ctx, ident.ID, Role("superuser"), time.Now().UTC()); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input for unknown role, got: %v", err)
	}

	if err := s.GrantRole(ctx, "no-such-identity", RoleAdmin, time.Now().UTC()); !IsNotFound(err) {
		t.Fatalf("expected not found, got: %v", err)
	}
}

func TestMemoryStore_ExternalLogins(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.CreateIdentity(ctx, CreateIdentityInput{
		Email: "fed-a@example.com",
		Now:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create identity a: %v", err)
	}
	b, err := s.CreateIdentity(ctx, CreateIdentityInput{
		Email: "fed-b@example.com",
		Now:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create identity b: %v", err)
	}

	if err := s.LinkExternalLogin(ctx, a.ID, "github", "gh-42", time.Now().UTC()); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.LinkExternalLogin(ctx, a.ID, "github", "gh-42", time.Now().UTC()); err != nil {
		t.Fatalf("link (repeat): %v", err)
	}
	if err := s.LinkExternalLogin(ctx, b.ID, "github", "gh-42", time.Now().UTC()); !IsConflict(err) {
		t.Fatalf("expected conflict, got: %v", err)
	}

	got, err := s.GetByExternalLogin(ctx, "github", "gh-42")
	if err != nil {
		t.Fatalf("get by external login: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("expected identity %s, got %s", a.ID, got.ID)
	}

	if _, err := s.GetByExternalLogin(ctx, "github", "gh-0"); !IsNotFound(err) {
		t.Fatalf("expected not found, got: %v", err)
	}

	has, err := s.HasExternalLogin(ctx, a.ID, "github")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !has {
		t.Fatalf("expected link present")
	}
	has, err = s.HasExternalLogin(ctx, a.ID, "google")
	if err != nil {
		t.Fatalf("has (other provider): %v", err)
	}
	if has {
		t.Fatalf("expected no link for other provider")
	}
}

func TestMemoryStore_Deactivate(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	ident, err := s.CreateIdentity(ctx, CreateIdentityInput{
		Email:    "deactivate@example.com",
		Password: "very-strong-password-1",
		Now:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	if err := s.Deactivate(ctx, ident.ID, time.Now().UTC()); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.Deactivate(ctx, ident.ID, time.Now().UTC()); err != nil {
		t.Fatalf("deactivate (second call): %v", err)
	}

	got, err := s.GetByID(ctx, ident.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Fatalf("expected inactive identity")
	}

	if err := s.Deactivate(ctx, "no-such-identity", time.Now().UTC()); !IsNotFound(err) {
		t.Fatalf("expected not found, got: %v", err)
	}
}
