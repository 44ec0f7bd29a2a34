package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tempo/cmd/identity"
	"tempo/cmd/internal/auth/federation"
	"tempo/cmd/internal/auth/session"
	"tempo/cmd/internal/notify"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Handler wires HTTP auth endpoints to identity/session/federation services.
type Handler struct {
	log *slog.Logger
	cfg Config

	identities identity.Store
	sessions   *session.Service
	federation *federation.Coordinator

	notifier notify.Notifier

	// pool is used for audit inserts only; nil disables auditing.
	pool *pgxpool.Pool
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithFederation enables the federation endpoints.
func WithFederation(c *federation.Coordinator) HandlerOption {
	return func(h *Handler) {
		if h == nil || c == nil {
			return
		}
		h.federation = c
	}
}

// WithAuditPool enables fire-and-forget audit inserts.
func WithAuditPool(pool *pgxpool.Pool) HandlerOption {
	return func(h *Handler) {
		if h == nil || pool == nil {
			return
		}
		h.pool = pool
	}
}

// WithNotifier overrides the default no-op security-event notifier.
func WithNotifier(n notify.Notifier) HandlerOption {
	return func(h *Handler) {
		if h == nil || n == nil {
			return
		}
		h.notifier = n
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, identities identity.Store, sessions *session.Service, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if identities == nil {
		return nil, errors.New("api: nil identity store")
	}
	if sessions == nil {
		return nil, errors.New("api: nil session service")
	}

	h := &Handler{
		log:        log,
		cfg:        cfg,
		identities: identities,
		sessions:   sessions,
		notifier:   notify.Noop{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/auth/password", h.handlePasswordChange)
	mux.HandleFunc("/auth/roles/grant", h.handleRoleGrant)
	mux.HandleFunc("/auth/roles/revoke", h.handleRoleRevoke)
	mux.HandleFunc("/auth/identities/deactivate", h.handleDeactivate)
	mux.HandleFunc("/auth/sweep", h.handleSweep)
	mux.HandleFunc("/auth/federation/", h.handleFederation)
	mux.HandleFunc("/me", h.handleMe)
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Password) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	id, err := h.identities.CreateIdentity(ctx, identity.CreateIdentityInput{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
		Now:         now,
	})
	if err != nil {
		switch {
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "conflict", "email already registered")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
		default:
			h.log.Error("auth.register.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	issued, err := h.sessions.Issue(ctx, now, id.ID, normalizeDevice(req.Device))
	if err != nil {
		h.log.Error("auth.register.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	roles, err := h.identities.RolesOf(ctx, id.ID)
	if err != nil {
		h.log.Error("auth.register.roles.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLoginSuccess(ctx, id.ID, issued.FamilyID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))

	writeJSON(w, http.StatusCreated, loginResponse{
		Identity: toIdentityResponse(id, roles),
		Session:  toSessionResponse(issued),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := identity.NormalizeEmail(req.Email)
	password := req.Password
	if email == "" || password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	id, err := h.identities.GetByEmail(ctx, email)
	if err != nil {
		if identity.IsNotFound(err) {
			// Timing resistance: burn a verify against a nonexistent
			// identity so unknown emails cost the same as bad passwords.
			_, _ = h.identities.VerifyPassword(ctx, "missing", password)
			h.auditLoginFailed(ctx, nil, ip, ua, email, "not_found")
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.Error("auth.login.lookup.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "please retry later")
		return
	}

	okPw, err := h.identities.VerifyPassword(ctx, id.ID, password)
	if err != nil {
		h.log.Error("auth.login.verify.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "please retry later")
		return
	}
	if !okPw {
		h.auditLoginFailed(ctx, &id.ID, ip, ua, email, "bad_password")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	if !id.Active {
		// Deactivated identities fail exactly like bad credentials.
		h.auditLoginFailed(ctx, &id.ID, ip, ua, email, "inactive")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	issued, err := h.sessions.Issue(ctx, now, id.ID, normalizeDevice(req.Device))
	if err != nil {
		h.log.Error("auth.login.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	roles, err := h.identities.RolesOf(ctx, id.ID)
	if err != nil {
		h.log.Error("auth.login.roles.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLoginSuccess(ctx, id.ID, issued.FamilyID, ip, ua)

	writeJSON(w, http.StatusOK, loginResponse{
		Identity: toIdentityResponse(id, roles),
		Session:  toSessionResponse(issued),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	issued, err := h.sessions.Refresh(ctx, now, req.RefreshToken, normalizeDevice(req.Device))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTokenNotFound), errors.Is(err, session.ErrTokenExpired):
			h.auditRefreshRejected(ctx, ip, ua)
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token not active")
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.auditRefreshSuccess(ctx, issued.FamilyID, ip, ua)

	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req logoutRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	if err := h.sessions.Revoke(ctx, req.RefreshToken); err != nil {
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogout(ctx, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.sessions.RevokeAll(ctx, claims.UserID); err != nil {
		h.log.Error("auth.logout_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogoutAll(ctx, claims.UserID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req passwordChangeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "current_password and new_password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	okPw, err := h.identities.VerifyPassword(ctx, claims.UserID, req.CurrentPassword)
	if err != nil {
		h.log.Error("auth.password.verify.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "please retry later")
		return
	}
	if !okPw {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	if err := h.identities.SetPassword(ctx, claims.UserID, req.NewPassword, now); err != nil {
		switch {
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid password")
		case identity.IsNotFound(err):
			writeError(w, http.StatusUnauthorized, "unauthorized", "identity not found")
		default:
			h.log.Error("auth.password.set.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	// A credential change invalidates every outstanding session.
	if err := h.sessions.RevokeAll(ctx, claims.UserID); err != nil {
		h.log.Error("auth.password.revoke_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditPasswordChanged(ctx, claims.UserID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	go h.notifier.Notify(context.WithoutCancel(ctx), claims.UserID, notify.EventPasswordChanged)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRoleGrant(w http.ResponseWriter, r *http.Request) {
	h.handleRoleChange(w, r, false)
}

func (h *Handler) handleRoleRevoke(w http.ResponseWriter, r *http.Request) {
	h.handleRoleChange(w, r, true)
}

func (h *Handler) handleRoleChange(w http.ResponseWriter, r *http.Request, revoke bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireRole(w, r, identity.RoleAdmin)
	if !ok {
		return
	}

	var req roleChangeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" || strings.TrimSpace(req.Role) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "identity_id and role are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	role := identity.Role(strings.TrimSpace(req.Role))

	var err error
	action := "auth.role.granted"
	if revoke {
		action = "auth.role.revoked"
		err = h.identities.RevokeRole(ctx, req.IdentityID, role)
	} else {
		err = h.identities.GrantRole(ctx, req.IdentityID, role, now)
	}
	if err != nil {
		switch {
		case identity.IsProtectedRole(err):
			writeError(w, http.StatusBadRequest, "protected_role", "role cannot be revoked")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "unknown_role", "unknown role")
		case identity.IsNotFound(err):
			writeError(w, http.StatusNotFound, "not_found", "identity not found")
		default:
			h.log.Error("auth.role.change.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.auditRoleChange(ctx, action, claims.UserID, req.IdentityID, string(role), clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireRole(w, r, identity.RoleAdmin)
	if !ok {
		return
	}

	var req deactivateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "identity_id is required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	if err := h.identities.Deactivate(ctx, req.IdentityID, now); err != nil {
		switch {
		case identity.IsNotFound(err):
			writeError(w, http.StatusNotFound, "not_found", "identity not found")
		default:
			h.log.Error("auth.deactivate.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}
	if err := h.sessions.RevokeAll(ctx, req.IdentityID); err != nil {
		h.log.Error("auth.deactivate.revoke_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditDeactivated(ctx, claims.UserID, req.IdentityID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, ok := h.requireRole(w, r, identity.RoleAdmin); !ok {
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	removedSessions, err := h.sessions.Sweep(ctx, now)
	if err != nil {
		h.log.Error("auth.sweep.sessions.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	var removedStates int64
	if h.federation != nil {
		removedStates, err = h.federation.Sweep(ctx, now)
		if err != nil {
			h.log.Error("auth.sweep.states.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
	}

	writeJSON(w, http.StatusOK, sweepResponse{
		RemovedSessions: removedSessions,
		RemovedStates:   removedStates,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	id, err := h.identities.GetByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "not_found", "identity not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	roles, err := h.identities.RolesOf(ctx, id.ID)
	if err != nil {
		h.log.Error("auth.me.roles.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{Identity: toIdentityResponse(id, roles)})
}

// ---- middleware helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.ValidateAccessToken(token, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.AccessClaims{}, false
	}
	return claims, true
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, role identity.Role) (session.AccessClaims, bool) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return session.AccessClaims{}, false
	}
	roles, err := h.identities.RolesOf(r.Context(), claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "identity not found")
			return session.AccessClaims{}, false
		}
		h.log.Error("auth.require_role.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return session.AccessClaims{}, false
	}
	if !identity.HasRole(roles, role) {
		writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
		return session.AccessClaims{}, false
	}
	return claims, true
}
