package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"tempo/cmd/internal/notify"
)

// Service implements the high-level session operations for Tempo.
//
// It issues sessions (access + refresh), validates access tokens statelessly,
// supports per-token and per-user revocation, and performs refresh rotation
// with reuse detection against rotation tombstones.
type Service struct {
	cfg      Config
	store    Store
	tokens   AccessTokenManager
	notifier notify.Notifier
	logger   *slog.Logger
}

// Issued is the result of issuing or rotating a session.
// It includes a short-lived access token and an opaque refresh token.
type Issued struct {
	FamilyID     string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithNotifier sets the security-event notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService constructs a Service with the provided configuration, store, and
// token manager.
func NewService(cfg Config, store Store, tokens AccessTokenManager, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		notifier: notify.Noop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a new token family for userID and returns fresh tokens.
//
// Refresh tokens are opaque random strings and must never be persisted in
// plaintext. Only the hash (hex) is stored, and the raw value is returned to
// the caller exactly once.
func (s *Service) Issue(ctx context.Context, now time.Time, userID, deviceTag string) (Issued, error) {
	refreshPlain, refreshHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes)
	if err != nil {
		return Issued{}, err
	}

	absoluteExp := now.Add(s.cfg.RefreshAbsoluteTTL)
	idleExp := capAt(now.Add(s.cfg.RefreshIdleTTL), absoluteExp)

	row := Row{
		Hash:              refreshHash,
		UserID:            userID,
		FamilyID:          ulid.Make().String(),
		DeviceTag:         strings.TrimSpace(deviceTag),
		CreatedAt:         now,
		LastUsedAt:        now,
		IdleExpiresAt:     idleExp,
		AbsoluteExpiresAt: absoluteExp,
	}

	if err := s.store.Insert(ctx, row); err != nil {
		return Issued{}, err
	}

	accessToken, accessExp, err := s.tokens.Issue(userID, now)
	if err != nil {
		return Issued{}, err
	}

	s.notify(ctx, userID, notify.EventLogin)

	return Issued{
		FamilyID:     row.FamilyID,
		AccessToken:  accessToken,
		AccessExp:    accessExp,
		RefreshToken: refreshPlain,
		RefreshExp:   idleExp,
	}, nil
}

// ValidateAccessToken verifies an access token without touching storage.
//
// Revocation is enforced at the next rotation: a revoked session keeps its
// current access token until it expires, then can no longer refresh.
func (s *Service) ValidateAccessToken(token string, now time.Time) (AccessClaims, error) {
	return s.tokens.Verify(token, now)
}

// Refresh rotates a refresh token and returns a fresh token pair.
//
// Security model:
//   - Look up the ledger row by token hash; absent rows are ErrTokenNotFound.
//   - An absent hash that matches a rotation tombstone means a rotated-out
//     token was presented again: revoke the whole token family, fire the
//     notifier, and still answer ErrTokenNotFound so an attacker learns
//     nothing.
//   - Expiry (idle or absolute) is checked before rotation.
//   - Rotation is a conditional delete-and-insert in the store; of two
//     concurrent calls with the same token the loser fails the delete and
//     gets ErrTokenNotFound, never a stale success.
func (s *Service) Refresh(ctx context.Context, now time.Time, refreshTokenPlain, deviceTag string) (Issued, error) {
	refreshTokenPlain = strings.TrimSpace(refreshTokenPlain)
	// Basic sanity bounds to avoid pathological inputs.
	if refreshTokenPlain == "" || len(refreshTokenPlain) > 4096 {
		return Issued{}, ErrTokenNotFound
	}

	// Hash in-memory (never persist or log the plain token).
	refreshHash := hashRefreshTokenHex(refreshTokenPlain)

	row, err := s.store.GetByHash(ctx, refreshHash)
	if errors.Is(err, ErrTokenNotFound) {
		return Issued{}, s.handleMissing(ctx, now, refreshHash)
	}
	if err != nil {
		return Issued{}, err
	}

	if !row.AbsoluteExpiresAt.After(now) || !row.IdleExpiresAt.After(now) {
		return Issued{}, ErrTokenExpired
	}

	newPlain, newHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes)
	if err != nil {
		return Issued{}, err
	}

	tag := strings.TrimSpace(deviceTag)
	if tag == "" {
		tag = row.DeviceTag
	}

	successor := Row{
		Hash:      newHash,
		UserID:    row.UserID,
		FamilyID:  row.FamilyID,
		DeviceTag: tag,
		CreatedAt: now,
		// The rolling window restarts, the absolute ceiling never moves.
		LastUsedAt:        now,
		IdleExpiresAt:     capAt(now.Add(s.cfg.RefreshIdleTTL), row.AbsoluteExpiresAt),
		AbsoluteExpiresAt: row.AbsoluteExpiresAt,
	}

	if err := s.store.Rotate(ctx, now, refreshHash, successor); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			// Lost the race: the token was rotated out underneath us.
			return Issued{}, s.handleMissing(ctx, now, refreshHash)
		}
		return Issued{}, err
	}

	accessToken, accessExp, err := s.tokens.Issue(row.UserID, now)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		FamilyID:     successor.FamilyID,
		AccessToken:  accessToken,
		AccessExp:    accessExp,
		RefreshToken: newPlain,
		RefreshExp:   successor.IdleExpiresAt,
	}, nil
}

// handleMissing decides whether an unknown hash is benign or evidence of
// token theft. Either way the caller's answer is ErrTokenNotFound.
func (s *Service) handleMissing(ctx context.Context, now time.Time, refreshHash string) error {
	ts, rotated, err := s.store.WasRotated(ctx, refreshHash)
	if err != nil {
		return err
	}
	if !rotated {
		return ErrTokenNotFound
	}
	if !ts.ExpiresAt.After(now) {
		// The family would be dead anyway; nothing worth revoking.
		return ErrTokenNotFound
	}

	if err := s.store.DeleteFamily(ctx, ts.FamilyID); err != nil {
		return err
	}

	s.logger.Warn("session.reuse_detected",
		"user_id", ts.UserID,
		"family_id", ts.FamilyID,
		"err", ErrTokenReuseDetected,
	)
	s.notify(ctx, ts.UserID, notify.EventSessionReuse)

	return ErrTokenNotFound
}

// Revoke deletes the ledger row for one refresh token (idempotent).
func (s *Service) Revoke(ctx context.Context, refreshTokenPlain string) error {
	refreshTokenPlain = strings.TrimSpace(refreshTokenPlain)
	if refreshTokenPlain == "" || len(refreshTokenPlain) > 4096 {
		return nil
	}
	return s.store.Delete(ctx, hashRefreshTokenHex(refreshTokenPlain))
}

// RevokeAll deletes every ledger row for an identity (idempotent).
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if err := s.store.DeleteAllForUser(ctx, userID); err != nil {
		return err
	}
	s.notify(ctx, userID, notify.EventRevokeAll)
	return nil
}

// Sweep removes rows past absolute expiry. It is invoked by an external
// scheduler rather than a hidden background task so tests stay deterministic.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int64, error) {
	removed, err := s.store.Sweep(ctx, now)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("session.sweep", "removed", removed)
	}
	return removed, nil
}

func (s *Service) notify(ctx context.Context, userID string, event notify.Event) {
	// Fire-and-forget: delivery must never fail or delay the auth operation.
	go s.notifier.Notify(context.WithoutCancel(ctx), userID, event)
}

func capAt(t, ceiling time.Time) time.Time {
	if t.After(ceiling) {
		return ceiling
	}
	return t
}
