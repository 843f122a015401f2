package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/basegate/internal/audit"
	"github.com/org/basegate/internal/policy"
	"github.com/org/basegate/internal/query"
	"github.com/org/basegate/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	RateLimitRPS   float64
	RateLimitBurst int
}

// SessionVerifier decodes bearer tokens into sessions.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (*models.Session, error)
}

// QueryRunner executes tenant queries.
type QueryRunner interface {
	Run(ctx context.Context, tenantID int64, cfg *models.TenantConfig, query string, args []any, timeout time.Duration) ([]models.Row, error)
	TestConnection(ctx context.Context, tenantID int64, cfg *models.TenantConfig) query.TestResult
}

// ConnectionRegistry is the read and evict side of the tenant connection registry.
type ConnectionRegistry interface {
	Snapshot() []models.ConnectionInfo
	EvictTenant(tenantID int64) bool
	Len() int
}

// Pinger reports control-plane reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry audit.Entry)
	SecurityEvent(ctx context.Context, ev audit.Event)
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Sessions     SessionVerifier
	Executor     QueryRunner
	Registry     ConnectionRegistry
	ControlPlane Pinger
	Auditor      AuditLogger
	// Access decides which session roles reach which routes. Nil uses
	// policy.DefaultPolicies.
	Access *policy.Engine
}

// Server is the ops HTTP server.
type Server struct {
	sessions     SessionVerifier
	executor     QueryRunner
	registry     ConnectionRegistry
	controlPlane Pinger
	auditor      AuditLogger
	access       *policy.Engine
	cfg          Config
	httpSrv      *http.Server
}

// NewServer creates a Server. Zero rate limits take the defaults.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	access := deps.Access
	if access == nil {
		access = policy.NewEngine(policy.DefaultPolicies())
	}
	return &Server{
		access:       access,
		sessions:     deps.Sessions,
		executor:     deps.Executor,
		registry:     deps.Registry,
		controlPlane: deps.ControlPlane,
		auditor:      deps.Auditor,
		cfg:          cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	r.Use(auditMiddleware(s.auditor))

	r.Handle("/metrics", MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.sessions))
		r.Use(accessMiddleware(s.access))

		r.Post("/v1/erp/query", s.QueryHandler)
		r.Post("/v1/erp/test-connection", s.TestConnectionHandler)
		r.Get("/v1/sys/connections", s.ConnectionsHandler)
		r.Get("/v1/auth/session", s.SessionHandler)
		r.Post("/v1/auth/logout", s.LogoutHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
