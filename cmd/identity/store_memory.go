package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is an in-memory Store used in dev mode (no database) and
// in unit tests. Safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	identities map[string]Identity
	byEmail    map[string]string // email_norm -> identity id

	creds map[string]memCredential          // identity id -> credential
	roles map[string]map[Role]struct{}      // identity id -> role set
	ext   map[string]ExternalLogin          // provider "\x00" subject -> link
	extBy map[string]map[string]struct{}    // identity id -> set of providers
}

type memCredential struct {
	hash      string
	changedAt time.Time
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]Identity),
		byEmail:    make(map[string]string),
		creds:      make(map[string]memCredential),
		roles:      make(map[string]map[Role]struct{}),
		ext:        make(map[string]ExternalLogin),
		extBy:      make(map[string]map[string]struct{}),
	}
}

func extKey(provider, subjectID string) string {
	return provider + "\x00" + subjectID
}

// CreateIdentity creates an identity, optional credential, and the base role.
func (s *MemoryStore) CreateIdentity(ctx context.Context, in CreateIdentityInput) (Identity, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	norm := NormalizeEmail(email)
	if _, ok := s.byEmail[norm]; ok {
		return Identity{}, ConflictError{Op: op, Field: "email"}
	}

	id := Identity{
		ID:          ulid.Make().String(),
		Email:       email,
		EmailNorm:   norm,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Active:      true,
		CreatedAt:   now,
	}

	s.identities[id.ID] = id
	s.byEmail[norm] = id.ID
	s.roles[id.ID] = map[Role]struct{}{RoleMember: {}}
	if hash != "" {
		s.creds[id.ID] = memCredential{hash: hash, changedAt: now}
	}

	return id, nil
}

// GetByID loads an identity by id.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (Identity, error) {
	const op = "identity.GetByID"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return Identity{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return ident, nil
}

// GetByEmail loads an identity by normalized email.
func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (Identity, error) {
	const op = "identity.GetByEmail"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return Identity{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return s.identities[id], nil
}

// Deactivate flips the active flag (idempotent).
func (s *MemoryStore) Deactivate(ctx context.Context, id string, _ time.Time) error {
	const op = "identity.Deactivate"

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	ident.Active = false
	s.identities[id] = ident
	return nil
}

// VerifyPassword checks a candidate against the stored credential.
func (s *MemoryStore) VerifyPassword(ctx context.Context, identityID, candidate string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	cred, ok := s.creds[identityID]
	s.mu.Unlock()

	if !ok {
		burnDummyVerify(candidate)
		return false, nil
	}
	return verifyPassword(candidate, cred.hash)
}

// SetPassword replaces the credential wholesale.
func (s *MemoryStore) SetPassword(ctx context.Context, identityID, newPassword string, now time.Time) error {
	const op = "identity.SetPassword"

	if err := ctx.Err(); err != nil {
		return err
	}

	hash, err := hashPassword(newPassword)
	if err != nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[identityID]; !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	s.creds[identityID] = memCredential{hash: hash, changedAt: now}
	return nil
}

// RolesOf returns the identity's role set.
func (s *MemoryStore) RolesOf(ctx context.Context, identityID string) ([]Role, error) {
	const op = "identity.RolesOf"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.roles[identityID]
	if !ok {
		return nil, OpError{Op: op, Kind: ErrNotFound}
	}

	out := make([]Role, 0, len(set))
	for _, r := range Catalog() {
		if _, has := set[r]; has {
			out = append(out, r)
		}
	}
	return out, nil
}

// GrantRole adds a role edge (no-op if already granted).
func (s *MemoryStore) GrantRole(ctx context.Context, identityID string, role Role, _ time.Time) error {
	const op = "identity.GrantRole"

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := guardRoleChange(op, role, false); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.roles[identityID]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	set[role] = struct{}{}
	return nil
}

// RevokeRole removes a role edge (no-op if absent). The base role is protected.
func (s *MemoryStore) RevokeRole(ctx context.Context, identityID string, role Role) error {
	const op = "identity.RevokeRole"

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := guardRoleChange(op, role, true); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.roles[identityID]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	delete(set, role)
	return nil
}

// GetByExternalLogin resolves a (provider, subject) pair to its identity.
func (s *MemoryStore) GetByExternalLogin(ctx context.Context, provider, subjectID string) (Identity, error) {
	const op = "identity.GetByExternalLogin"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.ext[extKey(provider, subjectID)]
	if !ok {
		return Identity{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return s.identities[link.IdentityID], nil
}

// LinkExternalLogin records a (provider, subject) -> identity edge.
func (s *MemoryStore) LinkExternalLogin(ctx context.Context, identityID, provider, subjectID string, now time.Time) error {
	const op = "identity.LinkExternalLogin"

	if err := ctx.Err(); err != nil {
		return err
	}
	if provider == "" || subjectID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "provider and subject are required"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[identityID]; !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	key := extKey(provider, subjectID)
	if existing, ok := s.ext[key]; ok {
		if existing.IdentityID == identityID {
			return nil
		}
		return ConflictError{Op: op, Field: "external_login"}
	}

	s.ext[key] = ExternalLogin{
		IdentityID: identityID,
		Provider:   provider,
		SubjectID:  subjectID,
		CreatedAt:  now,
	}
	if s.extBy[identityID] == nil {
		s.extBy[identityID] = make(map[string]struct{})
	}
	s.extBy[identityID][provider] = struct{}{}
	return nil
}

// HasExternalLogin reports whether the identity already links the provider.
func (s *MemoryStore) HasExternalLogin(ctx context.Context, identityID, provider string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	providers, ok := s.extBy[identityID]
	if !ok {
		return false, nil
	}
	_, has := providers[provider]
	return has, nil
}
