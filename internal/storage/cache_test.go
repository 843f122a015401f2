package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/basegate/internal/crypto"
	"github.com/org/basegate/pkg/models"
)

// memControlPlane is an in-memory ControlPlane that counts lookups.
type memControlPlane struct {
	mu      sync.Mutex
	configs map[int64]models.TenantConfig
	calls   int
	pingErr error
	closed  bool
}

func (m *memControlPlane) GetTenantConfig(_ context.Context, id int64) (*models.TenantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	cfg, ok := m.configs[id]
	if !ok {
		return nil, &models.TenantConfigError{TenantID: id, Kind: models.TenantNotFound}
	}
	return &cfg, nil
}

func (m *memControlPlane) Ping(context.Context) error { return m.pingErr }

func (m *memControlPlane) Close() error {
	m.closed = true
	return nil
}

func newCacheFixture(t *testing.T) (*CachedControlPlane, *memControlPlane, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	codec, err := crypto.NewCodec("cache-test-key")
	require.NoError(t, err)

	inner := &memControlPlane{configs: map[int64]models.TenantConfig{
		7: {TenantID: 7, Host: "fb7", Port: 3050, DatabasePath: "/db7.fdb", User: "SYSDBA", Secret: "masterkey", Active: true},
	}}
	return NewCachedControlPlane(inner, rdb, codec, time.Minute), inner, mr
}

func TestCacheMissThenHit(t *testing.T) {
	c, inner, _ := newCacheFixture(t)
	ctx := context.Background()

	first, err := c.GetTenantConfig(ctx, 7)
	require.NoError(t, err)
	second, err := c.GetTenantConfig(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "masterkey", second.Secret)
	assert.Equal(t, 1, inner.calls, "second lookup served from redis")
}

func TestCacheStoresSecretEncrypted(t *testing.T) {
	c, _, mr := newCacheFixture(t)
	_, err := c.GetTenantConfig(context.Background(), 7)
	require.NoError(t, err)

	raw, err := mr.Get(c.key(7))
	require.NoError(t, err)
	assert.NotContains(t, raw, "masterkey")
	assert.Contains(t, raw, `"host":"fb7"`)
	assert.Equal(t, time.Minute, mr.TTL(c.key(7)))
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	c, inner, mr := newCacheFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.GetTenantConfig(ctx, 404)
		assert.ErrorIs(t, err, models.ErrTenantNotFound)
	}
	assert.Equal(t, 2, inner.calls)
	assert.False(t, mr.Exists(c.key(404)))
}

func TestCacheInvalidate(t *testing.T) {
	c, inner, mr := newCacheFixture(t)
	ctx := context.Background()

	_, err := c.GetTenantConfig(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, 7))
	assert.False(t, mr.Exists(c.key(7)))

	_, err = c.GetTenantConfig(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCacheUnreadableEntryFallsThrough(t *testing.T) {
	c, inner, mr := newCacheFixture(t)
	require.NoError(t, mr.Set(c.key(7), `{"tenant_id":7,"secret":"not-a-codec-value"}`))

	cfg, err := c.GetTenantConfig(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "masterkey", cfg.Secret)
	assert.Equal(t, 1, inner.calls)
}

func TestCacheRedisDownDegrades(t *testing.T) {
	c, inner, mr := newCacheFixture(t)
	mr.Close()

	cfg, err := c.GetTenantConfig(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "fb7", cfg.Host)
	assert.Equal(t, 1, inner.calls)
}

func TestCachePingFollowsInner(t *testing.T) {
	c, inner, mr := newCacheFixture(t)
	mr.Close()
	assert.NoError(t, c.Ping(context.Background()), "redis outage does not fail health")

	inner.pingErr = errors.New("control plane down")
	assert.Error(t, c.Ping(context.Background()))
}

func TestCacheClose(t *testing.T) {
	c, inner, _ := newCacheFixture(t)
	require.NoError(t, c.Close())
	assert.True(t, inner.closed)
}
