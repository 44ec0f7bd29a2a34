package api

import (
	"context"
	"encoding/json"
	"net"
	"strings"
)

func (h *Handler) auditLoginFailed(ctx context.Context, identityID *string, ip net.IP, ua, email, reason string) {
	h.insertAudit(ctx, "auth.login.failed", identityID, ip, ua, map[string]any{
		"email":  email,
		"reason": reason,
	})
}

func (h *Handler) auditLoginSuccess(ctx context.Context, identityID string, familyID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.login.success", &identityID, ip, ua, map[string]any{
		"family_id": familyID,
	})
}

func (h *Handler) auditRefreshSuccess(ctx context.Context, familyID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.refresh.success", nil, ip, ua, map[string]any{
		"family_id": familyID,
	})
}

func (h *Handler) auditRefreshRejected(ctx context.Context, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.refresh.rejected", nil, ip, ua, nil)
}

func (h *Handler) auditLogout(ctx context.Context, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.logout", nil, ip, ua, nil)
}

func (h *Handler) auditLogoutAll(ctx context.Context, identityID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.logout_all", &identityID, ip, ua, nil)
}

func (h *Handler) auditPasswordChanged(ctx context.Context, identityID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.password.changed", &identityID, ip, ua, nil)
}

func (h *Handler) auditRoleChange(ctx context.Context, action, actorID, identityID, role string, ip net.IP, ua string) {
	h.insertAudit(ctx, action, &actorID, ip, ua, map[string]any{
		"identity_id": identityID,
		"role":        role,
	})
}

func (h *Handler) auditDeactivated(ctx context.Context, actorID, identityID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.identity.deactivated", &actorID, ip, ua, map[string]any{
		"identity_id": identityID,
	})
}

func (h *Handler) auditFederationLogin(ctx context.Context, identityID, provider string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.federation.login", &identityID, ip, ua, map[string]any{
		"provider": provider,
	})
}

func (h *Handler) insertAudit(ctx context.Context, action string, identityID *string, ip net.IP, ua string, meta map[string]any) {
	if h == nil || h.pool == nil {
		return
	}

	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	var ipVal any
	if ip != nil {
		ipVal = ip.String()
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := h.pool.Exec(ctx, `
		INSERT INTO tempo.audit_log (
			identity_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, now(), $3, $4, $5::jsonb)
	`, identityID, action, ipVal, trimOrNil(ua), metaVal)
	if err != nil {
		h.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
