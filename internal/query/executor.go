package query

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/basegate/internal/connpool"
	"github.com/org/basegate/internal/resilience"
	"github.com/org/basegate/pkg/models"
)

// TestQuery asks the server for its clock.
const TestQuery = "SELECT CURRENT_TIMESTAMP FROM RDB$DATABASE"

// Registry is the part of connpool.Registry the executor needs.
type Registry interface {
	Acquire(ctx context.Context, tenantID int64, cfg *models.TenantConfig) (connpool.Conn, error)
	Evict(tenantID int64, conn connpool.Conn, reason connpool.EvictReason) bool
}

// Config tunes query execution.
type Config struct {
	Timeout time.Duration
	// MaxCorruptRetries bounds re-runs after a corrupted connection. Ordinary
	// query errors are never retried.
	MaxCorruptRetries int
	RetryDelay        time.Duration
	CorruptionMarkers []string
}

// DefaultConfig returns a 30s timeout and two corruption retries.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		MaxCorruptRetries: 2,
		RetryDelay:        50 * time.Millisecond,
		CorruptionMarkers: connpool.DefaultCorruptionMarkers,
	}
}

// Executor runs queries on tenant connections.
type Executor struct {
	registry   Registry
	classifier *connpool.CorruptionClassifier
	cfg        Config
}

// NewExecutor creates an Executor. A zero Timeout takes the default and a
// negative MaxCorruptRetries disables re-runs.
func NewExecutor(registry Registry, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxCorruptRetries < 0 {
		cfg.MaxCorruptRetries = 0
	}
	if cfg.CorruptionMarkers == nil {
		cfg.CorruptionMarkers = connpool.DefaultCorruptionMarkers
	}
	return &Executor{
		registry:   registry,
		classifier: connpool.NewCorruptionClassifier(cfg.CorruptionMarkers),
		cfg:        cfg,
	}
}

// Run executes query for the tenant and returns its rows. timeout <= 0 uses
// the configured default.
//
// A query that outlives the timeout yields a QueryTimeout error; the
// connection stays cached and the next probe decides its fate. A corrupted
// connection is evicted and the query re-run on a fresh one up to
// MaxCorruptRetries times.
func (e *Executor) Run(ctx context.Context, tenantID int64, cfg *models.TenantConfig, query string, args []any, timeout time.Duration) ([]models.Row, error) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	start := time.Now()

	policy := resilience.Policy{
		MaxAttempts: e.cfg.MaxCorruptRetries + 1,
		BaseDelay:   e.cfg.RetryDelay,
		MaxDelay:    time.Second,
		OnRetry: func(err error, _ time.Duration) {
			corruptRetries.Inc()
			log.Warn().Err(err).Int64("tenant_id", tenantID).Msg("tenant connection corrupted, re-running query on a new connection")
		},
	}
	isCorrupted := func(err error) bool { return errors.Is(err, models.ErrCorrupted) }

	rows, err := resilience.Do(ctx, policy, isCorrupted, func(ctx context.Context) ([]models.Row, error) {
		return e.attempt(ctx, tenantID, cfg, query, args, timeout)
	})
	queryDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
	return rows, err
}

func (e *Executor) attempt(ctx context.Context, tenantID int64, cfg *models.TenantConfig, query string, args []any, timeout time.Duration) ([]models.Row, error) {
	conn, err := e.registry.Acquire(ctx, tenantID, cfg)
	if err != nil {
		return nil, err
	}

	rows, err := resilience.WithTimeout(ctx, timeout, func(ctx context.Context) ([]models.Row, error) {
		return conn.Query(ctx, query, args...)
	}, nil)
	switch {
	case err == nil:
		return rows, nil
	case errors.Is(err, resilience.ErrTimeout):
		log.Warn().Int64("tenant_id", tenantID).Dur("timeout", timeout).Msg("tenant query timed out")
		return nil, &models.ConnectionError{TenantID: tenantID, Kind: models.ConnQueryTimeout, Err: err}
	case ctx.Err() != nil:
		return nil, err
	case e.classifier.IsCorrupted(err):
		e.registry.Evict(tenantID, conn, connpool.ReasonCorrupted)
		return nil, &models.ConnectionError{TenantID: tenantID, Kind: models.ConnCorrupted, Err: err}
	default:
		return nil, err
	}
}

// TestResult reports a connectivity check.
type TestResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ServerTime any    `json:"server_time,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

// TestConnection runs a trivial query against the tenant database.
// Failures are reported in the result rather than returned.
func (e *Executor) TestConnection(ctx context.Context, tenantID int64, cfg *models.TenantConfig) TestResult {
	start := time.Now()
	rows, err := e.Run(ctx, tenantID, cfg, TestQuery, nil, 0)
	res := TestResult{LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Success = true
	res.Message = "connection ok"
	if len(rows) > 0 {
		for _, v := range rows[0] {
			res.ServerTime = v
		}
	}
	return res
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrQueryTimeout):
		return "timeout"
	case errors.Is(err, models.ErrCorrupted):
		return "corrupted"
	default:
		return "error"
	}
}
