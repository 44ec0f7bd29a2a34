package federation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tempo/cmd/identity"
	"tempo/cmd/internal/auth/session"
)

// Coordinator drives the external-login handshake end to end.
//
// Begin starts a handshake and returns the provider redirect; Complete
// consumes the callback, resolves the local identity, and issues a session
// pair exactly as a password login would.
type Coordinator struct {
	providers       map[string]Provider
	states          StateStore
	identities      identity.Store
	sessions        *session.Service
	stateTTL        time.Duration
	exchangeTimeout time.Duration
	logger          *slog.Logger
}

// CoordinatorOption configures optional Coordinator behavior.
type CoordinatorOption func(*Coordinator)

// WithStateTTL overrides the handshake TTL (default 10 minutes).
func WithStateTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.stateTTL = ttl
		}
	}
}

// WithExchangeTimeout bounds each provider call (default 10 seconds).
func WithExchangeTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.exchangeTimeout = d
		}
	}
}

// WithCoordinatorLogger sets the structured logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(states StateStore, identities identity.Store, sessions *session.Service, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		providers:       make(map[string]Provider),
		states:          states,
		identities:      identities,
		sessions:        sessions,
		stateTTL:        10 * time.Minute,
		exchangeTimeout: 10 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterProvider adds a provider under its name.
func (c *Coordinator) RegisterProvider(p Provider) {
	c.providers[p.Name()] = p
}

// Providers returns the registered provider names.
func (c *Coordinator) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	return names
}

// Begin starts a handshake with the named provider and returns the redirect
// URL plus the opaque state the callback must echo.
func (c *Coordinator) Begin(ctx context.Context, now time.Time, providerName string) (authURL, state string, err error) {
	provider, ok := c.providers[providerName]
	if !ok {
		return "", "", ErrUnknownProvider
	}

	verifier, err := NewCodeVerifier()
	if err != nil {
		return "", "", err
	}
	state, err = randomToken(32)
	if err != nil {
		return "", "", err
	}

	rec := Rec{
		State:     state,
		Provider:  providerName,
		Verifier:  verifier,
		CreatedAt: now,
		ExpiresAt: now.Add(c.stateTTL),
	}
	if err := c.states.Put(ctx, rec); err != nil {
		return "", "", err
	}

	authURL, err = provider.AuthCodeURL(state, ComputeS256Challenge(verifier))
	if err != nil {
		return "", "", err
	}
	return authURL, state, nil
}

// Complete finishes the handshake for a callback carrying state and code.
//
// The state record is consumed only after the provider exchange succeeds: a
// provider timeout leaves it in place so a retried callback can still win
// before the TTL. Consumption itself is exactly-once, so a replayed callback
// after success fails with ErrStateExpired.
func (c *Coordinator) Complete(ctx context.Context, now time.Time, state, code string) (session.Issued, identity.Identity, error) {
	state = strings.TrimSpace(state)
	if state == "" || strings.TrimSpace(code) == "" {
		return session.Issued{}, identity.Identity{}, ErrStateExpired
	}

	rec, err := c.states.Get(ctx, state)
	if err != nil {
		return session.Issued{}, identity.Identity{}, err
	}
	if !rec.ExpiresAt.After(now) {
		return session.Issued{}, identity.Identity{}, ErrStateExpired
	}

	provider, ok := c.providers[rec.Provider]
	if !ok {
		return session.Issued{}, identity.Identity{}, ErrUnknownProvider
	}

	exCtx, cancel := context.WithTimeout(ctx, c.exchangeTimeout)
	defer cancel()

	accessToken, err := provider.Exchange(exCtx, code, rec.Verifier)
	if err != nil {
		return session.Issued{}, identity.Identity{}, err
	}
	account, err := provider.FetchAccount(exCtx, accessToken)
	if err != nil {
		return session.Issued{}, identity.Identity{}, err
	}

	// The exchange worked: now burn the state so nobody can replay it.
	if _, err := c.states.Consume(ctx, state); err != nil {
		return session.Issued{}, identity.Identity{}, err
	}

	ident, err := c.resolveIdentity(ctx, now, rec.Provider, account)
	if err != nil {
		return session.Issued{}, identity.Identity{}, err
	}
	if !ident.Active {
		return session.Issued{}, identity.Identity{}, ErrIdentityInactive
	}

	issued, err := c.sessions.Issue(ctx, now, ident.ID, "federated:"+rec.Provider)
	if err != nil {
		return session.Issued{}, identity.Identity{}, err
	}

	c.logger.Info("federation.login",
		"provider", rec.Provider,
		"identity_id", ident.ID,
	)
	return issued, ident, nil
}

// Sweep removes handshakes whose TTL elapsed unconsumed.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return c.states.Sweep(ctx, now)
}

// resolveIdentity applies the account-linking rules:
//  1. a provider-subject already linked reuses its identity;
//  2. a matching email with no prior link for this provider gets linked;
//  3. anything else creates a fresh identity with only the base role.
func (c *Coordinator) resolveIdentity(ctx context.Context, now time.Time, providerName string, account Account) (identity.Identity, error) {
	ident, err := c.identities.GetByExternalLogin(ctx, providerName, account.SubjectID)
	if err == nil {
		return ident, nil
	}
	if !identity.IsNotFound(err) {
		return identity.Identity{}, err
	}

	email := account.Email
	if email != "" {
		ident, err = c.identities.GetByEmail(ctx, email)
		switch {
		case err == nil:
			linked, herr := c.identities.HasExternalLogin(ctx, ident.ID, providerName)
			if herr != nil {
				return identity.Identity{}, herr
			}
			if !linked {
				if lerr := c.identities.LinkExternalLogin(ctx, ident.ID, providerName, account.SubjectID, now); lerr != nil {
					return identity.Identity{}, lerr
				}
				return ident, nil
			}
			// The email's identity already links a different account at this
			// provider. A fresh identity cannot reuse the claimed address,
			// so it gets the placeholder instead.
			email = ""
		case !identity.IsNotFound(err):
			return identity.Identity{}, err
		}
	}

	if email == "" {
		// Some providers withhold email; synthesize a stable placeholder.
		email = fmt.Sprintf("%s-%s@users.noreply.tempo.local", providerName, account.SubjectID)
	}

	ident, err = c.identities.CreateIdentity(ctx, identity.CreateIdentityInput{
		Email:       email,
		DisplayName: account.DisplayName,
		Now:         now,
	})
	if err != nil {
		return identity.Identity{}, err
	}
	if err := c.identities.LinkExternalLogin(ctx, ident.ID, providerName, account.SubjectID, now); err != nil {
		return identity.Identity{}, err
	}
	return ident, nil
}
