package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/org/basegate/internal/audit"
	"github.com/org/basegate/internal/auth"
	"github.com/org/basegate/internal/crypto"
	"github.com/org/basegate/internal/query"
	"github.com/org/basegate/pkg/models"
)

// --- fakes ---

type runCall struct {
	tenantID int64
	cfg      *models.TenantConfig
	sql      string
	args     []any
	timeout  time.Duration
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []runCall
	rows  []models.Row
	err   error
}

func (f *fakeExecutor) Run(_ context.Context, tenantID int64, cfg *models.TenantConfig, q string, args []any, timeout time.Duration) ([]models.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runCall{tenantID: tenantID, cfg: cfg, sql: q, args: args, timeout: timeout})
	return f.rows, f.err
}

func (f *fakeExecutor) TestConnection(_ context.Context, tenantID int64, _ *models.TenantConfig) query.TestResult {
	if f.err != nil {
		return query.TestResult{Message: f.err.Error()}
	}
	return query.TestResult{Success: true, Message: "connection ok", LatencyMs: 3}
}

type fakeRegistry struct {
	mu      sync.Mutex
	infos   []models.ConnectionInfo
	open    map[int64]bool
	evicted []int64
}

func (f *fakeRegistry) Snapshot() []models.ConnectionInfo { return f.infos }

func (f *fakeRegistry) EvictTenant(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, id)
	had := f.open[id]
	delete(f.open, id)
	return had
}

func (f *fakeRegistry) Len() int { return len(f.open) }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	events  []audit.Event
}

func (r *recordingAudit) LogRequest(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recordingAudit) SecurityEvent(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// --- harness ---

type testEnv struct {
	srv      *Server
	handler  http.Handler
	sessions *auth.SessionService
	exec     *fakeExecutor
	reg      *fakeRegistry
	audit    *recordingAudit
}

func tenantConfig() *models.TenantConfig {
	return &models.TenantConfig{
		TenantID: 12, Host: "erp.local", Port: 3050, DatabasePath: "/data/erp.fdb",
		User: "SYSDBA", Secret: "masterkey", Active: true,
	}
}

func newTestEnv(t *testing.T, cp error) *testEnv {
	t.Helper()
	codec, err := crypto.NewCodec("test-encryption-key")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	sessions, err := auth.NewSessionService("test-signing-key", codec, audit.NewLogger(io.Discard), auth.Options{})
	if err != nil {
		t.Fatalf("session service: %v", err)
	}
	env := &testEnv{
		sessions: sessions,
		exec:     &fakeExecutor{},
		reg:      &fakeRegistry{open: map[int64]bool{}},
		audit:    &recordingAudit{},
	}
	env.srv = NewServer(Deps{
		Sessions:     sessions,
		Executor:     env.exec,
		Registry:     env.reg,
		ControlPlane: fakePinger{err: cp},
		Auditor:      env.audit,
	}, Config{RateLimitRPS: 1000, RateLimitBurst: 1000})
	env.handler = env.srv.BuildRouter()
	return env
}

func (e *testEnv) token(t *testing.T, roles ...string) string {
	t.Helper()
	if len(roles) == 0 {
		roles = []string{auth.RoleUser}
	}
	tok, _, err := e.sessions.Issue(models.SessionUser{ID: 7, Email: "ana@example.com", Roles: roles}, tenantConfig())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reg.open[1] = true

	w := getJSON(t, env.handler, "/v1/sys/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
	if n, _ := body["connections"].(float64); n != 1 {
		t.Errorf("expected 1 connection, got %v", body["connections"])
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestHealthDegraded(t *testing.T) {
	env := newTestEnv(t, errors.New("dial tcp: connection refused"))

	w := getJSON(t, env.handler, "/v1/sys/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["control_plane"] != "unreachable" {
		t.Errorf("expected control_plane=unreachable, got %v", body["control_plane"])
	}
	if strings.Contains(w.Body.String(), "refused") {
		t.Error("driver error leaked into health response")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("GET", "/v1/sys/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("expected inbound request id, got %q", got)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	w := postJSON(t, env.handler, "/v1/erp/query", map[string]any{"sql": "SELECT 1 FROM RDB$DATABASE"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	w = postJSON(t, env.handler, "/v1/erp/query", map[string]any{"sql": "SELECT 1 FROM RDB$DATABASE"}, "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for garbage token, got %d", w.Code)
	}
	if len(env.exec.calls) != 0 {
		t.Errorf("executor must not run for unauthenticated requests")
	}
}

func TestExpiredToken(t *testing.T) {
	env := newTestEnv(t, nil)
	codec, _ := crypto.NewCodec("test-encryption-key")
	past, _ := auth.NewSessionService("test-signing-key", codec, nil, auth.Options{
		TTL: time.Minute,
		Now: func() time.Time { return time.Now().Add(-time.Hour) },
	})
	tok, _, err := past.Issue(models.SessionUser{ID: 7}, tenantConfig())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := getJSON(t, env.handler, "/v1/sys/connections", tok)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	body := decodeBody(t, w)
	errs, _ := body["errors"].([]any)
	if len(errs) != 1 || errs[0] != "session expired" {
		t.Errorf("unexpected errors: %v", body["errors"])
	}
}

func TestQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.exec.rows = []models.Row{{"NOME": "ACME"}}

	w := postJSON(t, env.handler, "/v1/erp/query", map[string]any{
		"sql":        "SELECT NOME FROM CLIENTES WHERE ID = ?",
		"params":     []any{42, "x", 1.5},
		"timeout_ms": 1500,
	}, env.token(t))
	if w.Code != http.StatusOK {
		t.Fatalf("query failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if n, _ := body["count"].(float64); n != 1 {
		t.Errorf("expected count=1, got %v", body["count"])
	}

	if len(env.exec.calls) != 1 {
		t.Fatalf("expected 1 executor call, got %d", len(env.exec.calls))
	}
	call := env.exec.calls[0]
	if call.tenantID != 12 {
		t.Errorf("expected tenant 12, got %d", call.tenantID)
	}
	if call.cfg == nil || call.cfg.Secret != "masterkey" {
		t.Error("expected decrypted tenant config from the session")
	}
	if call.timeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s timeout, got %v", call.timeout)
	}
	if len(call.args) != 3 || call.args[0] != int64(42) || call.args[1] != "x" || call.args[2] != 1.5 {
		t.Errorf("unexpected args: %#v", call.args)
	}
}

func TestQueryValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.token(t)

	w := postJSON(t, env.handler, "/v1/erp/query", map[string]any{"sql": "   "}, tok)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty sql, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/v1/erp/query", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestQueryErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", &models.TenantConfigError{TenantID: 12, Kind: models.TenantNotFound}, http.StatusNotFound},
		{"inactive", &models.TenantConfigError{TenantID: 12, Kind: models.TenantInactive}, http.StatusForbidden},
		{"incomplete", &models.TenantConfigError{TenantID: 12, Kind: models.TenantIncomplete}, http.StatusUnprocessableEntity},
		{"connect timeout", &models.ConnectionError{TenantID: 12, Kind: models.ConnConnectTimeout}, http.StatusGatewayTimeout},
		{"query timeout", &models.ConnectionError{TenantID: 12, Kind: models.ConnQueryTimeout}, http.StatusGatewayTimeout},
		{"unreachable", &models.ConnectionError{TenantID: 12, Kind: models.ConnUnreachable}, http.StatusServiceUnavailable},
		{"corrupted", &models.ConnectionError{TenantID: 12, Kind: models.ConnCorrupted}, http.StatusServiceUnavailable},
		{"sql error", errors.New("Dynamic SQL Error"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.exec.err = tc.err
			w := postJSON(t, env.handler, "/v1/erp/query", map[string]any{"sql": "SELECT 1 FROM RDB$DATABASE"}, env.token(t))
			if w.Code != tc.code {
				t.Errorf("expected %d, got %d (%s)", tc.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestTestConnectionEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := postJSON(t, env.handler, "/v1/erp/test-connection", nil, env.token(t))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if ok, _ := body["success"].(bool); !ok {
		t.Errorf("expected success, got %v", body)
	}
}

func TestConnectionsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reg.infos = []models.ConnectionInfo{{TenantID: 12, Host: "erp.local", Port: 3050, Database: "/data/erp.fdb"}}

	w := getJSON(t, env.handler, "/v1/sys/connections", env.token(t, auth.RoleAdmin))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "masterkey") {
		t.Error("connection listing leaked a secret")
	}
	body := decodeBody(t, w)
	if n, _ := body["count"].(float64); n != 1 {
		t.Errorf("expected count=1, got %v", body["count"])
	}
}

func TestConnectionsRequireAdmin(t *testing.T) {
	env := newTestEnv(t, nil)

	w := getJSON(t, env.handler, "/v1/sys/connections", env.token(t, auth.RoleUser))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for USER, got %d", w.Code)
	}
	w = postJSON(t, env.handler, "/v1/erp/query", map[string]any{"sql": "SELECT 1 FROM RDB$DATABASE"}, env.token(t, "GUEST"))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for unknown role, got %d", w.Code)
	}
}

func TestSessionCapabilities(t *testing.T) {
	env := newTestEnv(t, nil)

	w := getJSON(t, env.handler, "/v1/auth/session", env.token(t))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["email"] != "ana@example.com" {
		t.Errorf("expected email, got %v", body["email"])
	}
	caps, _ := body["capabilities"].(map[string]any)
	if got, _ := caps["v1/erp/query"].([]any); len(got) != 1 || got[0] != "write" {
		t.Errorf("expected write on v1/erp/query, got %v", caps["v1/erp/query"])
	}
	if _, ok := caps["v1/sys/connections"]; ok {
		t.Errorf("USER should hold nothing on v1/sys/connections, got %v", caps)
	}
	if strings.Contains(w.Body.String(), "masterkey") {
		t.Error("session response leaked the tenant secret")
	}

	w = getJSON(t, env.handler, "/v1/auth/session", env.token(t, auth.RoleAdmin))
	caps, _ = decodeBody(t, w)["capabilities"].(map[string]any)
	if got, _ := caps["v1/sys/connections"].([]any); len(got) != 1 || got[0] != "sudo" {
		t.Errorf("expected sudo on v1/sys/connections for ADMIN, got %v", caps["v1/sys/connections"])
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reg.open[12] = true

	w := postJSON(t, env.handler, "/v1/auth/logout", nil, env.token(t))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if _, ok := body["warning"]; ok {
		t.Errorf("unexpected warning: %v", body["warning"])
	}
	if len(env.reg.evicted) != 1 || env.reg.evicted[0] != 12 {
		t.Errorf("expected tenant 12 evicted, got %v", env.reg.evicted)
	}
	if len(env.audit.events) != 1 || env.audit.events[0].Kind != audit.EventSessionLogout {
		t.Errorf("expected logout security event, got %v", env.audit.events)
	}

	// Nothing left to close: still 200, with a warning.
	w = postJSON(t, env.handler, "/v1/auth/logout", nil, env.token(t))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["warning"] == nil {
		t.Error("expected warning on second logout")
	}
}

func TestAuditEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.token(t, auth.RoleMaster)

	getJSON(t, env.handler, "/v1/sys/connections", tok)

	if len(env.audit.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(env.audit.entries))
	}
	e := env.audit.entries[0]
	if e.SubjectID != 7 || e.TenantID != 12 {
		t.Errorf("expected subject 7 tenant 12, got %d %d", e.SubjectID, e.TenantID)
	}
	if e.TokenFingerprint != auth.Fingerprint(tok) {
		t.Errorf("expected token fingerprint, got %q", e.TokenFingerprint)
	}
	if e.ResponseCode != http.StatusOK || e.Path != "/v1/sys/connections" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.cfg.RateLimitRPS = 1
	env.srv.cfg.RateLimitBurst = 2
	handler := env.srv.BuildRouter()

	var limited bool
	for i := 0; i < 5; i++ {
		if w := getJSON(t, handler, "/v1/sys/health", ""); w.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("expected a 429 after the burst")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	if got := clientIP(req); got != "10.0.0.5" {
		t.Errorf("expected host without port, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("expected first forwarded address, got %q", got)
	}
}
