package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"8h":    8 * time.Hour,
		"1d":    24 * time.Hour,
		"7d":    7 * 24 * time.Hour,
		"30m":   30 * time.Minute,
		"800ms": 800 * time.Millisecond,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "d", "1.5d", "eight hours"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, found, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 3*time.Second, cfg.Tenant.ProbeTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Tenant.ConnectTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Tenant.QueryTimeout.Std())
	assert.Equal(t, 8*time.Hour, cfg.Session.TTL.Std())
	assert.Equal(t, 2, cfg.Tenant.MaxCorruptRetries)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
control_plane:
  driver: mysql
  dsn: "app:app@tcp(db:3306)/panel"
session:
  ttl: 1d
tenant:
  query_timeout: 45s
  corruption_markers: ["lazy_count"]
`), 0o600))

	t.Setenv("BASEGATE_SIGNING_KEY", "sign")
	t.Setenv("BASEGATE_ENCRYPTION_KEY", "enc")
	t.Setenv("BASEGATE_LISTEN_ADDR", ":9100")

	cfg, found, err := Load(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, ":9100", cfg.ListenAddr, "env wins over file")
	assert.Equal(t, "mysql", cfg.ControlPlane.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL.Std())
	assert.Equal(t, 45*time.Second, cfg.Tenant.QueryTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Tenant.ConnectTimeout.Std(), "unset keys keep defaults")
	assert.Equal(t, []string{"lazy_count"}, cfg.Tenant.CorruptionMarkers)
	assert.Equal(t, "sign", cfg.Session.SigningKey)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  ttl: forever\n"), 0o600))
	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := Default()
	cfg.ControlPlane.DSN = "postgres://localhost/panel"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")
	assert.Contains(t, err.Error(), "encryption_key")
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	cfg := Default()
	cfg.ControlPlane.DSN = "postgres://localhost/panel"
	cfg.Session.SigningKey = "s"
	cfg.Session.EncryptionKey = "e"
	cfg.Tenant.ProbeTimeout = 0
	cfg.Tenant.QueryTimeout = Duration(-time.Second)
	cfg.ControlPlane.Driver = "sqlite"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant.probe_timeout")
	assert.Contains(t, err.Error(), "tenant.query_timeout")
	assert.Contains(t, err.Error(), "postgres or mysql")
	assert.NotContains(t, err.Error(), "tenant.connect_timeout")
}

func TestValidateAccessCapabilities(t *testing.T) {
	cfg := Default()
	cfg.ControlPlane.DSN = "postgres://localhost/panel"
	cfg.Session.SigningKey = "s"
	cfg.Session.EncryptionKey = "e"
	cfg.HTTP.Access = map[string]map[string][]string{
		"USER":  {"v1/erp/**": {"write"}},
		"AUDIT": {"v1/sys/*": {"read", "delete"}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown capability "delete"`)
	assert.NotContains(t, err.Error(), "USER")

	delete(cfg.HTTP.Access, "AUDIT")
	assert.NoError(t, cfg.Validate())
}
