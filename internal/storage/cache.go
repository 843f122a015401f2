package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/org/basegate/pkg/models"
)

// RedisClient is the subset of go-redis used by the config cache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// SecretCodec encrypts tenant secrets before they leave the process.
type SecretCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(secret string) (string, error)
}

// CachedControlPlane serves tenant configs from Redis and falls back to the
// wrapped store. Secrets are stored encrypted. Redis failures degrade to
// the wrapped store and are never returned to the caller.
type CachedControlPlane struct {
	next   ControlPlane
	rdb    RedisClient
	codec  SecretCodec
	ttl    time.Duration
	prefix string
}

var (
	_ ControlPlane = (*CachedControlPlane)(nil)
	_ Invalidator  = (*CachedControlPlane)(nil)
)

type cachedConfig struct {
	TenantID     int64  `json:"tenant_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabasePath string `json:"database"`
	User         string `json:"user"`
	Secret       string `json:"secret"`
	Role         string `json:"role,omitempty"`
	Active       bool   `json:"active"`
}

// NewCachedControlPlane wraps next with a Redis cache holding entries for ttl.
func NewCachedControlPlane(next ControlPlane, rdb RedisClient, codec SecretCodec, ttl time.Duration) *CachedControlPlane {
	return &CachedControlPlane{
		next:   next,
		rdb:    rdb,
		codec:  codec,
		ttl:    ttl,
		prefix: "basegate:tenant_config:",
	}
}

func (c *CachedControlPlane) key(tenantID int64) string {
	return c.prefix + strconv.FormatInt(tenantID, 10)
}

// GetTenantConfig implements ControlPlane.
func (c *CachedControlPlane) GetTenantConfig(ctx context.Context, tenantID int64) (*models.TenantConfig, error) {
	if cfg, ok := c.lookup(ctx, tenantID); ok {
		configCacheLookups.WithLabelValues("hit").Inc()
		return cfg, nil
	}
	configCacheLookups.WithLabelValues("miss").Inc()

	cfg, err := c.next.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, cfg)
	return cfg, nil
}

func (c *CachedControlPlane) lookup(ctx context.Context, tenantID int64) (*models.TenantConfig, bool) {
	raw, err := c.rdb.Get(ctx, c.key(tenantID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Int64("tenant_id", tenantID).Msg("config cache read failed")
		}
		return nil, false
	}

	var entry cachedConfig
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.drop(ctx, tenantID, err)
		return nil, false
	}
	secret, err := c.codec.Decrypt(entry.Secret)
	if err != nil {
		c.drop(ctx, tenantID, err)
		return nil, false
	}
	return &models.TenantConfig{
		TenantID:     entry.TenantID,
		Host:         entry.Host,
		Port:         entry.Port,
		DatabasePath: entry.DatabasePath,
		User:         entry.User,
		Secret:       secret,
		Role:         entry.Role,
		Active:       entry.Active,
	}, true
}

func (c *CachedControlPlane) store(ctx context.Context, cfg *models.TenantConfig) {
	secret, err := c.codec.Encrypt(cfg.Secret)
	if err != nil {
		log.Warn().Err(err).Int64("tenant_id", cfg.TenantID).Msg("config cache encrypt failed")
		return
	}
	raw, err := json.Marshal(cachedConfig{
		TenantID:     cfg.TenantID,
		Host:         cfg.Host,
		Port:         cfg.Port,
		DatabasePath: cfg.DatabasePath,
		User:         cfg.User,
		Secret:       secret,
		Role:         cfg.Role,
		Active:       cfg.Active,
	})
	if err != nil {
		return
	}
	if err := c.rdb.SetEx(ctx, c.key(cfg.TenantID), raw, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Int64("tenant_id", cfg.TenantID).Msg("config cache write failed")
	}
}

func (c *CachedControlPlane) drop(ctx context.Context, tenantID int64, cause error) {
	log.Warn().Err(cause).Int64("tenant_id", tenantID).Msg("discarding unreadable config cache entry")
	c.rdb.Del(ctx, c.key(tenantID))
}

// Invalidate removes the cached entry for tenantID.
func (c *CachedControlPlane) Invalidate(ctx context.Context, tenantID int64) error {
	if err := c.rdb.Del(ctx, c.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("invalidating tenant %d config: %w", tenantID, err)
	}
	return nil
}

// Ping implements ControlPlane. Only the wrapped store decides health.
func (c *CachedControlPlane) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("config cache unreachable")
	}
	return c.next.Ping(ctx)
}

// Close implements ControlPlane.
func (c *CachedControlPlane) Close() error {
	var result *multierror.Error
	if err := c.rdb.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing redis: %w", err))
	}
	if err := c.next.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing control plane: %w", err))
	}
	return result.ErrorOrNil()
}
