// Package app wires the Tempo runtime: config, logging, metrics, stores, and
// the HTTP surface.
//
// It is intentionally small and deterministic so startup failures are loud
// and behavior is predictable.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tempo/cmd/identity"
	"tempo/cmd/internal/auth/api"
	"tempo/cmd/internal/auth/federation"
	"tempo/cmd/internal/auth/session"
	"tempo/cmd/internal/notify"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App owns the wired services and the HTTP server lifecycle.
type App struct {
	cfg Config
	log Logger

	pool      *pgxpool.Pool
	dbEnabled bool

	identities identity.Store
	sessions   *session.Service
	auth       *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	InitMetrics()

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	if err := a.wireStores(context.Background(), cfg); err != nil {
		return nil, err
	}

	notifier, err := a.wireNotifier(cfg)
	if err != nil {
		a.closePool()
		return nil, err
	}

	tokens, err := session.NewJWTManager(sessCfg)
	if err != nil {
		a.closePool()
		return nil, err
	}

	var sessStore session.Store
	if a.dbEnabled {
		sessStore, err = session.NewPostgresStore(a.pool)
		if err != nil {
			a.closePool()
			return nil, err
		}
	} else {
		sessStore = session.NewMemoryStore()
	}
	a.sessions = session.NewService(sessCfg, sessStore, tokens,
		session.WithNotifier(notifier),
		session.WithLogger(log),
	)

	coord, err := a.wireFederation(cfg)
	if err != nil {
		a.closePool()
		return nil, err
	}

	authOpts := []api.HandlerOption{api.WithNotifier(notifier)}
	if coord != nil {
		authOpts = append(authOpts, api.WithFederation(coord))
	}
	if a.dbEnabled {
		authOpts = append(authOpts, api.WithAuditPool(a.pool))
	}
	a.auth, err = api.NewHandler(log, api.LoadConfigFromEnv(), a.identities, a.sessions, authOpts...)
	if err != nil {
		a.closePool()
		return nil, err
	}

	return a, nil
}

// wireStores decides between Postgres-backed persistence and the in-memory
// dev stores.
func (a *App) wireStores(ctx context.Context, cfg Config) error {
	if cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.identities = identity.NewMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	a.log.Info("db.enabled.postgres_store")

	idStore, err := identity.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return err
	}

	a.pool = pool
	a.dbEnabled = true
	a.identities = idStore
	return nil
}

func (a *App) wireNotifier(cfg Config) (notify.Notifier, error) {
	if !cfg.SMTPEnabled {
		return WithEventMetrics(notify.Noop{}), nil
	}

	smtpCfg, err := notify.LoadSMTPConfig()
	if err != nil {
		return nil, err
	}

	// Resolve identity ids to mail addresses through the identity store.
	resolve := func(ctx context.Context, identityID string) (string, error) {
		id, err := a.identities.GetByID(ctx, identityID)
		if err != nil {
			return "", err
		}
		return id.Email, nil
	}

	smtp, err := notify.NewSMTPNotifier(smtpCfg, resolve, a.log)
	if err != nil {
		return nil, err
	}
	return WithEventMetrics(smtp), nil
}

func (a *App) wireFederation(cfg Config) (*federation.Coordinator, error) {
	if len(cfg.FederationProviders) == 0 {
		return nil, nil
	}

	var states federation.StateStore
	if a.dbEnabled {
		st, err := federation.NewPostgresStateStore(a.pool)
		if err != nil {
			return nil, err
		}
		states = st
	} else {
		states = federation.NewMemoryStateStore()
	}

	coord := federation.NewCoordinator(states, a.identities, a.sessions,
		federation.WithCoordinatorLogger(a.log))

	for _, name := range cfg.FederationProviders {
		pcfg, err := federation.LoadProviderConfig(name)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}

		var p federation.Provider
		switch name {
		case "google":
			p, err = federation.NewGoogleProvider(pcfg, nil)
		case "github":
			p, err = federation.NewGitHubProvider(pcfg, nil)
		default:
			return nil, fmt.Errorf("provider %s: unsupported", name)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		coord.RegisterProvider(p)
		a.log.Info("federation.provider.enabled", "provider", name)
	}

	return coord, nil
}

func (a *App) closePool() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.pool, a.dbEnabled, a.auth)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           InstrumentHTTP(WithRequestLogging(mux, a.log)),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closePool()
	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
