package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tempo/cmd/internal/notify"
)

func testServiceConfig() Config {
	cfg := DefaultConfig()
	cfg.AccessTokenSecret = []byte(strings.Repeat("k", 32))
	return cfg
}

func newTestService(t *testing.T, cfg Config) (*Service, *MemoryStore, *recordingNotifier) {
	t.Helper()

	mgr, err := NewJWTManager(cfg)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}

	store := NewMemoryStore()
	rec := &recordingNotifier{}
	svc := NewService(cfg, store, mgr, WithNotifier(rec))
	return svc, store, rec
}

func TestService_Issue_ReturnsWorkingPair(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.Issue(ctx, now, "user-1", "laptop")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.AccessToken == "" || issued.RefreshToken == "" {
		t.Fatalf("expected both tokens")
	}
	if issued.FamilyID == "" {
		t.Fatalf("expected family id")
	}
	if !issued.RefreshExp.After(now) {
		t.Fatalf("expected future refresh expiry")
	}

	claims, err := svc.ValidateAccessToken(issued.AccessToken, now)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("subject mismatch: %q", claims.UserID)
	}

	// The ledger holds only the hash of the raw token.
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.rows[issued.RefreshToken]; ok {
		t.Fatalf("raw refresh token persisted")
	}
	if _, ok := store.rows[hashRefreshTokenHex(issued.RefreshToken)]; !ok {
		t.Fatalf("expected hashed row in ledger")
	}
}

func TestService_Issue_NotifiesLogin(t *testing.T) {
	t.Parallel()

	svc, _, rec := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.Issue(ctx, now, "user-1", "laptop"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	waitForEvent(t, rec, notify.EventLogin)

	// A second login from the same device tag still announces itself.
	if _, err := svc.Issue(ctx, now.Add(time.Minute), "user-1", "laptop"); err != nil {
		t.Fatalf("Issue (repeat): %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		n := 0
		for _, e := range rec.events {
			if e == notify.EventLogin {
				n++
			}
		}
		rec.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected two login notifications, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_Refresh_RotationScenario(t *testing.T) {
	t.Parallel()

	svc, _, rec := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := svc.Issue(ctx, now, "user-1", "web")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	second, err := svc.Refresh(ctx, now.Add(time.Minute), first.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("rotation returned the same raw token")
	}
	if second.FamilyID != first.FamilyID {
		t.Fatalf("rotation changed family")
	}

	// Presenting the rotated-out token again is theft evidence: it fails,
	// and the successor becomes unusable too.
	_, err = svc.Refresh(ctx, now.Add(2*time.Minute), first.RefreshToken, "")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound on reuse, got %v", err)
	}

	_, err = svc.Refresh(ctx, now.Add(3*time.Minute), second.RefreshToken, "")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for revoked successor, got %v", err)
	}

	waitForEvent(t, rec, notify.EventSessionReuse)
}

func TestService_Refresh_ConcurrentExclusivity(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.Issue(ctx, now, "user-1", "web")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(ctx, now.Add(time.Minute), issued.RefreshToken, "")
			switch {
			case err == nil:
				mu.Lock()
				successes++
				mu.Unlock()
			case errors.Is(err, ErrTokenNotFound):
				// Expected for every loser.
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes > 1 {
		t.Fatalf("expected at most one winner, got %d", successes)
	}
	if successes == 0 {
		t.Fatalf("expected one rotation to win")
	}
}

func TestService_Refresh_UnknownToken(t *testing.T) {
	t.Parallel()

	svc, _, rec := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := svc.Refresh(ctx, now, "never-issued-token", "")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	_, err = svc.Refresh(ctx, now, "", "")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for empty token, got %v", err)
	}

	// A benign miss is not theft.
	time.Sleep(50 * time.Millisecond)
	if rec.has(notify.EventSessionReuse) {
		t.Fatalf("unexpected reuse notification")
	}
}

func TestService_Refresh_AbsoluteExpiryWins(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	// A row whose rolling window is open but whose hard ceiling has passed.
	plain, hash, err := newOpaqueRefreshToken(32)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	row := Row{
		Hash:              hash,
		UserID:            "user-1",
		FamilyID:          "fam-1",
		CreatedAt:         now.Add(-200 * 24 * time.Hour),
		LastUsedAt:        now.Add(-time.Hour),
		IdleExpiresAt:     now.Add(24 * time.Hour),
		AbsoluteExpiresAt: now.Add(-time.Minute),
	}
	if err := store.Insert(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.Refresh(ctx, now, plain, ""); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired past ceiling, got %v", err)
	}
}

func TestService_Refresh_IdleExpiry(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	plain, hash, err := newOpaqueRefreshToken(32)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	row := Row{
		Hash:              hash,
		UserID:            "user-1",
		FamilyID:          "fam-1",
		CreatedAt:         now.Add(-10 * 24 * time.Hour),
		LastUsedAt:        now.Add(-8 * 24 * time.Hour),
		IdleExpiresAt:     now.Add(-24 * time.Hour),
		AbsoluteExpiresAt: now.Add(100 * 24 * time.Hour),
	}
	if err := store.Insert(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.Refresh(ctx, now, plain, ""); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired for dormant session, got %v", err)
	}
}

func TestService_Refresh_CeilingNeverExtended(t *testing.T) {
	t.Parallel()

	cfg := testServiceConfig()
	cfg.RefreshIdleTTL = 7 * 24 * time.Hour
	cfg.RefreshAbsoluteTTL = 10 * 24 * time.Hour
	svc, _, _ := newTestService(t, cfg)

	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.Issue(ctx, now, "user-1", "web")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ceiling := now.Add(cfg.RefreshAbsoluteTTL)

	// Rotate inside the idle window to keep the session alive.
	mid, err := svc.Refresh(ctx, now.Add(6*24*time.Hour), issued.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh (day 6): %v", err)
	}

	// Rotate close to the ceiling: the successor's expiry is clamped.
	rotated, err := svc.Refresh(ctx, now.Add(9*24*time.Hour), mid.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh (day 9): %v", err)
	}
	if rotated.RefreshExp.After(ceiling) {
		t.Fatalf("rolling window crossed the absolute ceiling")
	}
	if !rotated.RefreshExp.Equal(ceiling) {
		t.Fatalf("expected expiry clamped to the ceiling, got %v", rotated.RefreshExp)
	}

	// Past the ceiling the successor is dead no matter how recently used.
	_, err = svc.Refresh(ctx, ceiling.Add(time.Second), rotated.RefreshToken, "")
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired past ceiling, got %v", err)
	}
}

func TestService_RevokeAndRevokeAll(t *testing.T) {
	t.Parallel()

	svc, _, rec := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	a, err := svc.Issue(ctx, now, "user-1", "laptop")
	if err != nil {
		t.Fatalf("Issue a: %v", err)
	}
	b, err := svc.Issue(ctx, now, "user-1", "phone")
	if err != nil {
		t.Fatalf("Issue b: %v", err)
	}

	if err := svc.Revoke(ctx, a.RefreshToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Idempotent.
	if err := svc.Revoke(ctx, a.RefreshToken); err != nil {
		t.Fatalf("Revoke (repeat): %v", err)
	}

	if _, err := svc.Refresh(ctx, now.Add(time.Minute), a.RefreshToken, ""); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound after revoke, got %v", err)
	}

	if err := svc.RevokeAll(ctx, "user-1"); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if _, err := svc.Refresh(ctx, now.Add(time.Minute), b.RefreshToken, ""); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound after revoke all, got %v", err)
	}

	waitForEvent(t, rec, notify.EventRevokeAll)
}

func TestService_Sweep_RemovesDeadRows(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t, testServiceConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, hash, err := newOpaqueRefreshToken(32)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if err := store.Insert(ctx, Row{
			Hash:              hash,
			UserID:            "user-1",
			FamilyID:          "fam-dead",
			CreatedAt:         now.Add(-200 * 24 * time.Hour),
			LastUsedAt:        now.Add(-200 * 24 * time.Hour),
			IdleExpiresAt:     now.Add(-193 * 24 * time.Hour),
			AbsoluteExpiresAt: now.Add(-20 * 24 * time.Hour),
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	live, err := svc.Issue(ctx, now, "user-2", "web")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	removed, err := svc.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	// The live session survives the sweep.
	if _, err := svc.Refresh(ctx, now.Add(time.Minute), live.RefreshToken, ""); err != nil {
		t.Fatalf("Refresh after sweep: %v", err)
	}
}

// ---- helpers ----

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, event notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) has(event notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

// waitForEvent polls because notifications are delivered asynchronously.
func waitForEvent(t *testing.T, rec *recordingNotifier, event notify.Event) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.has(event) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("notification %q not observed", event)
}
