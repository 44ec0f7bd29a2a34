// Package notify delivers security event notifications to identity owners.
//
// Delivery is fire-and-forget: authentication flows emit events and move on,
// and a failing notifier must never fail the operation that triggered it.
package notify

import "context"

// Event names a security-relevant occurrence worth telling the user about.
type Event string

const (
	// EventPasswordChanged fires after a successful password change.
	EventPasswordChanged Event = "password_changed"
	// EventLogin fires on every successful login, that is whenever a fresh
	// session family is issued.
	EventLogin Event = "login"
	// EventRevokeAll fires when all of an identity's sessions are revoked.
	EventRevokeAll Event = "revoke_all"
	// EventSessionReuse fires when a rotated refresh token is presented again.
	EventSessionReuse Event = "session_reuse"
)

// Notifier delivers an event notification for an identity.
//
// Implementations must be safe for concurrent use and should bound their own
// delivery time; callers do not wait on the outcome.
type Notifier interface {
	Notify(ctx context.Context, identityID string, event Event)
}

// Noop discards all notifications.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, string, Event) {}
