package connpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/org/basegate/internal/resilience"
	"github.com/org/basegate/pkg/models"
)

// EvictReason labels why a connection left the registry.
type EvictReason string

const (
	ReasonIdle        EvictReason = "idle"
	ReasonProbeFailed EvictReason = "probe_failed"
	ReasonCorrupted   EvictReason = "corrupted"
	ReasonExplicit    EvictReason = "explicit"
	ReasonShutdown    EvictReason = "shutdown"
)

// Config bounds every blocking step the registry performs.
type Config struct {
	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration
	MaxIdle        time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns 3s probe, 10s connect, 30m idle and a 5m sweep.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:   3 * time.Second,
		ConnectTimeout: 10 * time.Second,
		MaxIdle:        30 * time.Minute,
		SweepInterval:  5 * time.Minute,
	}
}

type entry struct {
	conn       Conn
	cfg        models.TenantConfig
	lastUsedAt time.Time
}

// slot guards one tenant. A retired slot has been removed from the table
// and must not receive a new entry.
type slot struct {
	mu      sync.Mutex
	entry   *entry
	retired bool
}

// Registry keeps at most one live connection per tenant.
//
// The table lock only guards slot lookup; all connection work happens under
// the tenant's own slot lock, so a slow tenant never blocks another.
// Concurrent Acquire calls for one tenant share a single probe or dial.
type Registry struct {
	cfg         Config
	dialer      Dialer
	resolver    Resolver
	invalidator Invalidator
	clock       clock.Clock

	group singleflight.Group

	mu    sync.Mutex
	slots map[int64]*slot

	cronMu sync.Mutex
	cron   *cron.Cron
}

// Option customizes a Registry.
type Option func(*Registry)

// WithResolver sets the lookup used when Acquire receives no config.
func WithResolver(r Resolver) Option {
	return func(reg *Registry) { reg.resolver = r }
}

// WithInvalidator sets the cache notified when a dial fails.
func WithInvalidator(i Invalidator) Option {
	return func(reg *Registry) { reg.invalidator = i }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(reg *Registry) { reg.clock = c }
}

// NewRegistry creates an empty registry. Zero Config fields take defaults.
func NewRegistry(cfg Config, dialer Dialer, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = def.MaxIdle
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	r := &Registry{
		cfg:    cfg,
		dialer: dialer,
		clock:  clock.New(),
		slots:  make(map[int64]*slot),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Acquire returns the tenant's live connection, probing a cached one and
// dialing a new one when needed. cfg may be nil, in which case the
// resolver supplies it. Callers that join an in-flight acquire for the
// same tenant share its outcome.
//
// If ctx ends first Acquire returns ctx.Err(); the acquire itself keeps
// running and its result is still stored.
func (r *Registry) Acquire(ctx context.Context, tenantID int64, cfg *models.TenantConfig) (Conn, error) {
	var snapshot *models.TenantConfig
	if cfg != nil {
		s := cfg.Snapshot()
		snapshot = &s
	}

	ch := r.group.DoChan(strconv.FormatInt(tenantID, 10), func() (interface{}, error) {
		return r.acquire(tenantID, snapshot)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) acquire(tenantID int64, cfg *models.TenantConfig) (Conn, error) {
	s := r.lockSlot(tenantID)
	defer s.mu.Unlock()

	if e := s.entry; e != nil {
		err := r.probe(e.conn)
		if err == nil {
			e.lastUsedAt = r.clock.Now()
			return e.conn, nil
		}
		probeFailures.Inc()
		log.Warn().Err(err).Object("tenant", &e.cfg).Msg("liveness probe failed, reconnecting")
		r.drop(tenantID, s, ReasonProbeFailed)
	}

	if cfg == nil {
		resolved, err := r.resolve(tenantID)
		if err != nil {
			return nil, err
		}
		cfg = resolved
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := r.dial(*cfg)
	if err != nil {
		r.invalidate(tenantID)
		return nil, err
	}

	s.entry = &entry{conn: conn, cfg: cfg.Snapshot(), lastUsedAt: r.clock.Now()}
	openConnections.Inc()
	log.Info().Object("tenant", cfg).Msg("tenant connection established")
	return conn, nil
}

func (r *Registry) probe(conn Conn) error {
	_, err := resilience.WithTimeout(context.Background(), r.cfg.ProbeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, conn.Ping(ctx)
	}, nil)
	return err
}

func (r *Registry) resolve(tenantID int64) (*models.TenantConfig, error) {
	if r.resolver == nil {
		return nil, fmt.Errorf("tenant %d: no connection settings supplied", tenantID)
	}
	cfg, err := resilience.WithTimeout(context.Background(), r.cfg.ConnectTimeout, func(ctx context.Context) (*models.TenantConfig, error) {
		return r.resolver.GetTenantConfig(ctx, tenantID)
	}, nil)
	if errors.Is(err, resilience.ErrTimeout) {
		log.Warn().Int64("tenant_id", tenantID).Dur("timeout", r.cfg.ConnectTimeout).Msg("tenant settings lookup timed out")
		return nil, &models.ConnectionError{TenantID: tenantID, Kind: models.ConnConnectTimeout, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *Registry) dial(cfg models.TenantConfig) (Conn, error) {
	conn, err := resilience.WithTimeout(context.Background(), r.cfg.ConnectTimeout, func(ctx context.Context) (Conn, error) {
		return r.dialer.Dial(ctx, cfg)
	}, func(late Conn, err error) {
		if err == nil && late != nil {
			_ = late.Close()
			log.Warn().Int64("tenant_id", cfg.TenantID).Msg("closed connection that arrived after connect timeout")
		}
	})
	switch {
	case err == nil:
		dialsTotal.WithLabelValues("ok").Inc()
		return conn, nil
	case errors.Is(err, resilience.ErrTimeout):
		dialsTotal.WithLabelValues("timeout").Inc()
		log.Warn().Object("tenant", &cfg).Dur("timeout", r.cfg.ConnectTimeout).Msg("tenant connect timed out")
		return nil, &models.ConnectionError{TenantID: cfg.TenantID, Kind: models.ConnConnectTimeout, Err: err}
	default:
		dialsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Object("tenant", &cfg).Msg("tenant connect failed")
		return nil, &models.ConnectionError{TenantID: cfg.TenantID, Kind: models.ConnUnreachable, Err: err}
	}
}

func (r *Registry) invalidate(tenantID int64) {
	if r.invalidator == nil {
		return
	}
	if err := r.invalidator.Invalidate(context.Background(), tenantID); err != nil {
		log.Warn().Err(err).Int64("tenant_id", tenantID).Msg("invalidating cached tenant config")
	}
}

// slot returns the tenant's slot, creating it if needed.
func (r *Registry) slot(tenantID int64) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[tenantID]
	if !ok {
		s = &slot{}
		r.slots[tenantID] = s
	}
	return s
}

// lockSlot returns the tenant's current slot, locked.
func (r *Registry) lockSlot(tenantID int64) *slot {
	for {
		s := r.slot(tenantID)
		s.mu.Lock()
		if !s.retired {
			return s
		}
		s.mu.Unlock()
	}
}

// lookup returns the tenant's slot or nil without creating one.
func (r *Registry) lookup(tenantID int64) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[tenantID]
}

// retire removes s from the table. Caller holds s.mu.
func (r *Registry) retire(tenantID int64, s *slot) {
	s.retired = true
	r.mu.Lock()
	if r.slots[tenantID] == s {
		delete(r.slots, tenantID)
	}
	r.mu.Unlock()
}

// drop closes and forgets the slot's entry. Caller holds s.mu.
func (r *Registry) drop(tenantID int64, s *slot, reason EvictReason) {
	e := s.entry
	if e == nil {
		return
	}
	s.entry = nil
	openConnections.Dec()
	evictionsTotal.WithLabelValues(string(reason)).Inc()
	r.closeQuietly(tenantID, e.conn)
	log.Debug().Int64("tenant_id", tenantID).Str("reason", string(reason)).Msg("tenant connection evicted")
}

// closeQuietly closes conn, waiting at most the probe timeout. Errors are
// logged and otherwise ignored.
func (r *Registry) closeQuietly(tenantID int64, conn Conn) {
	_, err := resilience.WithTimeout(context.Background(), r.cfg.ProbeTimeout, func(context.Context) (struct{}, error) {
		return struct{}{}, conn.Close()
	}, nil)
	if err != nil {
		log.Debug().Err(err).Int64("tenant_id", tenantID).Msg("closing tenant connection")
	}
}

// Evict removes conn if it is still the tenant's cached connection. A newer
// connection created by another caller is left alone. It reports whether
// anything was removed.
func (r *Registry) Evict(tenantID int64, conn Conn, reason EvictReason) bool {
	s := r.lookup(tenantID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil || s.entry.conn != conn {
		return false
	}
	r.drop(tenantID, s, reason)
	return true
}

// EvictTenant removes whatever connection is cached for tenantID.
func (r *Registry) EvictTenant(tenantID int64) bool {
	s := r.lookup(tenantID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return false
	}
	r.drop(tenantID, s, ReasonExplicit)
	return true
}

// EvictIdle closes every connection unused for longer than maxAge and
// returns how many were closed. Tenants busy connecting or probing are
// skipped; they are in use. Safe to call concurrently with itself.
func (r *Registry) EvictIdle(maxAge time.Duration) int {
	now := r.clock.Now()

	r.mu.Lock()
	slots := make(map[int64]*slot, len(r.slots))
	for id, s := range r.slots {
		slots[id] = s
	}
	r.mu.Unlock()

	evicted := 0
	for id, s := range slots {
		if !s.mu.TryLock() {
			continue
		}
		if s.entry != nil && now.Sub(s.entry.lastUsedAt) > maxAge {
			r.drop(id, s, ReasonIdle)
			evicted++
		}
		if s.entry == nil && !s.retired {
			r.retire(id, s)
		}
		s.mu.Unlock()
	}
	return evicted
}

// CloseAll closes every connection concurrently and empties the registry.
// Individual close failures do not stop the others; they are returned
// together.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[int64]*slot)
	r.mu.Unlock()

	var g multierror.Group
	for id, s := range slots {
		id, s := id, s
		g.Go(func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.retired = true
			e := s.entry
			if e == nil {
				return nil
			}
			s.entry = nil
			openConnections.Dec()
			evictionsTotal.WithLabelValues(string(ReasonShutdown)).Inc()
			_, err := resilience.WithTimeout(context.Background(), r.cfg.ProbeTimeout, func(context.Context) (struct{}, error) {
				return struct{}{}, e.conn.Close()
			}, nil)
			if err != nil {
				return fmt.Errorf("closing tenant %d connection: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait().ErrorOrNil()
}

// Snapshot lists live connections without secrets, ordered by tenant id.
// Tenants busy connecting or probing are omitted.
func (r *Registry) Snapshot() []models.ConnectionInfo {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	out := make([]models.ConnectionInfo, 0, len(slots))
	for _, s := range slots {
		if !s.mu.TryLock() {
			continue
		}
		if e := s.entry; e != nil {
			out = append(out, models.ConnectionInfo{
				TenantID:   e.cfg.TenantID,
				Host:       e.cfg.Host,
				Port:       e.cfg.Port,
				Database:   e.cfg.DatabasePath,
				LastUsedAt: e.lastUsedAt,
			})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

// StartJanitor schedules EvictIdle every SweepInterval.
func (r *Registry) StartJanitor() error {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron != nil {
		return errors.New("janitor already running")
	}

	c := cron.New()
	spec := "@every " + r.cfg.SweepInterval.String()
	if _, err := c.AddFunc(spec, r.sweep); err != nil {
		return fmt.Errorf("scheduling idle sweep %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	log.Info().Dur("interval", r.cfg.SweepInterval).Dur("max_idle", r.cfg.MaxIdle).Msg("connection janitor started")
	return nil
}

// StopJanitor stops the sweep schedule and waits for a running sweep, or
// for ctx to end.
func (r *Registry) StopJanitor(ctx context.Context) {
	r.cronMu.Lock()
	c := r.cron
	r.cron = nil
	r.cronMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Registry) sweep() {
	if n := r.EvictIdle(r.cfg.MaxIdle); n > 0 {
		log.Info().Int("evicted", n).Int("remaining", r.Len()).Msg("idle tenant connections closed")
	}
}
