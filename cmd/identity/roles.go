package identity

// Role names a grant in Tempo's static role catalog.
type Role string

const (
	// RoleMember is the base role granted to every identity at creation.
	// It can never be revoked.
	RoleMember Role = "member"
	// RoleModerator may curate posts and suggestions.
	RoleModerator Role = "moderator"
	// RoleAdmin may manage identities and role assignments.
	RoleAdmin Role = "admin"
)

// Catalog returns the full static role catalog.
func Catalog() []Role {
	return []Role{RoleMember, RoleModerator, RoleAdmin}
}

// Valid reports whether r names a catalog role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// Protected reports whether r is immune to revocation.
func (r Role) Protected() bool { return r == RoleMember }

// HasRole is the pure membership check used for enforcement.
func HasRole(roles []Role, want Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// guardRoleChange validates role mutation input shared by all Store
// implementations. Revoking the base role is always rejected.
func guardRoleChange(op string, role Role, revoke bool) error {
	if !role.Valid() {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown role"}
	}
	if revoke && role.Protected() {
		return OpError{Op: op, Kind: ErrProtectedRole, Msg: string(role)}
	}
	return nil
}
