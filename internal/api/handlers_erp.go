package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxQueryTimeout caps the per-request timeout a caller may ask for.
const maxQueryTimeout = 5 * time.Minute

type queryRequest struct {
	SQL       string `json:"sql"`
	Params    []any  `json:"params"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// QueryHandler handles POST /v1/erp/query
func (s *Server) QueryHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout > maxQueryTimeout {
		timeout = maxQueryTimeout
	}

	rows, err := s.executor.Run(r.Context(), sess.TenantID, sess.Tenant, req.SQL, normalizeParams(req.Params), timeout)
	if err != nil {
		log.Warn().Err(err).Int64("tenant_id", sess.TenantID).Str("request_id", requestIDFromCtx(r.Context())).Msg("tenant query failed")
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  rows,
		"count": len(rows),
	})
}

// TestConnectionHandler handles POST /v1/erp/test-connection
func (s *Server) TestConnectionHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res := s.executor.TestConnection(r.Context(), sess.TenantID, sess.Tenant)
	writeJSON(w, http.StatusOK, res)
}
