package api

import (
	"net/http"
	"time"
)

// sessionRoutes are the authenticated routes reported by SessionHandler.
var sessionRoutes = []string{
	"v1/erp/query",
	"v1/erp/test-connection",
	"v1/sys/connections",
	"v1/auth/session",
	"v1/auth/logout",
}

type sessionResponse struct {
	SubjectID    int64               `json:"subject_id"`
	Email        string              `json:"email"`
	TenantID     int64               `json:"tenant_id"`
	TenantName   string              `json:"tenant_name,omitempty"`
	Roles        []string            `json:"roles"`
	ExpiresAt    time.Time           `json:"expires_at"`
	Capabilities map[string][]string `json:"capabilities"`
}

// SessionHandler handles GET /v1/auth/session
func (s *Server) SessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())

	caps := make(map[string][]string, len(sessionRoutes))
	for _, route := range sessionRoutes {
		if granted := s.access.EffectiveCapabilities(sess.Roles, route); len(granted) > 0 {
			caps[route] = granted
		}
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SubjectID:    sess.SubjectID,
		Email:        sess.Email,
		TenantID:     sess.TenantID,
		TenantName:   sess.TenantName,
		Roles:        sess.Roles,
		ExpiresAt:    sess.ExpiresAt,
		Capabilities: caps,
	})
}
