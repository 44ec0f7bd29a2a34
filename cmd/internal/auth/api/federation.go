package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"tempo/cmd/internal/auth/federation"
)

// handleFederation dispatches /auth/federation/{provider}/start and
// /auth/federation/{provider}/callback.
func (h *Handler) handleFederation(w http.ResponseWriter, r *http.Request) {
	if h.federation == nil {
		writeError(w, http.StatusNotFound, "not_found", "federation not configured")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/auth/federation/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	provider := strings.ToLower(parts[0])

	switch parts[1] {
	case "start":
		h.handleFederationStart(w, r, provider)
	case "callback":
		h.handleFederationCallback(w, r, provider)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (h *Handler) handleFederationStart(w http.ResponseWriter, r *http.Request, provider string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	authURL, _, err := h.federation.Begin(ctx, now, provider)
	if err != nil {
		switch {
		case errors.Is(err, federation.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown_provider", "unknown provider")
		default:
			h.log.Error("auth.federation.start.fail", "err", err, "provider", provider)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) handleFederationCallback(w http.ResponseWriter, r *http.Request, provider string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if errCode := strings.TrimSpace(q.Get("error")); errCode != "" {
		writeError(w, http.StatusUnauthorized, "provider_denied", "authorization was denied")
		return
	}
	state := strings.TrimSpace(q.Get("state"))
	code := strings.TrimSpace(q.Get("code"))
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "state and code are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	issued, id, err := h.federation.Complete(ctx, now, state, code)
	if err != nil {
		switch {
		case errors.Is(err, federation.ErrStateExpired):
			writeError(w, http.StatusUnauthorized, "invalid_state", "state missing or expired")
		case errors.Is(err, federation.ErrProviderExchange):
			writeError(w, http.StatusBadGateway, "provider_error", "provider exchange failed")
		case errors.Is(err, federation.ErrIdentityInactive):
			writeError(w, http.StatusForbidden, "identity_inactive", "identity is deactivated")
		case errors.Is(err, federation.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown_provider", "unknown provider")
		default:
			h.log.Error("auth.federation.callback.fail", "err", err, "provider", provider)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	roles, err := h.identities.RolesOf(ctx, id.ID)
	if err != nil {
		h.log.Error("auth.federation.roles.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditFederationLogin(ctx, id.ID, provider, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))

	writeJSON(w, http.StatusOK, loginResponse{
		Identity: toIdentityResponse(id, roles),
		Session:  toSessionResponse(issued),
	})
}
