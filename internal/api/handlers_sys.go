package api

import (
	"context"
	"net/http"
	"time"

	"github.com/org/basegate/internal/audit"
)

const healthTimeout = 2 * time.Second

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	code := http.StatusOK
	status, cp := "ok", "ok"
	if err := s.controlPlane.Ping(ctx); err != nil {
		code = http.StatusServiceUnavailable
		status, cp = "degraded", "unreachable"
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"control_plane": cp,
		"connections":   s.registry.Len(),
	})
}

// ConnectionsHandler handles GET /v1/sys/connections
func (s *Server) ConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  conns,
		"count": len(conns),
	})
}

// LogoutHandler handles POST /v1/auth/logout. It drops the tenant's cached
// connection and always succeeds.
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	resp := map[string]any{"success": true}
	if !s.registry.EvictTenant(sess.TenantID) {
		resp["warning"] = "no open connection for tenant"
	}
	if s.auditor != nil {
		s.auditor.SecurityEvent(r.Context(), audit.Event{
			Kind:      audit.EventSessionLogout,
			SubjectID: sess.SubjectID,
			TenantID:  sess.TenantID,
			RequestID: requestIDFromCtx(r.Context()),
			ClientIP:  clientIP(r),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
