package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings plus whole days ("1d", "7d").
type Duration time.Duration

// ParseDuration parses s as a Go duration or as a number of days.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type ControlPlane struct {
	Driver        string   `yaml:"driver"`
	DSN           string   `yaml:"dsn"`
	MigrationsDir string   `yaml:"migrations_dir"`
	AutoMigrate   bool     `yaml:"auto_migrate"`
	CallTimeout   Duration `yaml:"call_timeout"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

type Cache struct {
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	TTL           Duration `yaml:"ttl"`
}

type Session struct {
	SigningKey    string   `yaml:"signing_key"`
	EncryptionKey string   `yaml:"encryption_key"`
	TTL           Duration `yaml:"ttl"`
	Issuer        string   `yaml:"issuer"`
}

type Tenant struct {
	ProbeTimeout      Duration `yaml:"probe_timeout"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	QueryTimeout      Duration `yaml:"query_timeout"`
	MaxIdle           Duration `yaml:"max_idle"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	MaxCorruptRetries int      `yaml:"max_corrupt_retries"`
	CorruptionMarkers []string `yaml:"corruption_markers"`
}

type HTTP struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	// Access maps a session role to path patterns and the capabilities
	// (read, write, sudo) it holds on them. Empty keeps the built-in rules.
	Access map[string]map[string][]string `yaml:"access"`
}

// Config is the server configuration.
type Config struct {
	ListenAddr   string       `yaml:"listen_addr"`
	TLSCertFile  string       `yaml:"tls_cert"`
	TLSKeyFile   string       `yaml:"tls_key"`
	LogLevel     string       `yaml:"log_level"`
	ControlPlane ControlPlane `yaml:"control_plane"`
	Cache        Cache        `yaml:"cache"`
	Session      Session      `yaml:"session"`
	Tenant       Tenant       `yaml:"tenant"`
	HTTP         HTTP         `yaml:"http"`
}

// Default returns every non-secret setting at its default. Keys have no
// default.
func Default() Config {
	return Config{
		ListenAddr: ":8300",
		LogLevel:   "info",
		ControlPlane: ControlPlane{
			Driver:        "postgres",
			MigrationsDir: "migrations",
			CallTimeout:   Duration(800 * time.Millisecond),
			MaxAttempts:   3,
		},
		Cache: Cache{TTL: Duration(5 * time.Minute)},
		Session: Session{
			TTL:    Duration(8 * time.Hour),
			Issuer: "basegate",
		},
		Tenant: Tenant{
			ProbeTimeout:      Duration(3 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			QueryTimeout:      Duration(30 * time.Second),
			MaxIdle:           Duration(30 * time.Minute),
			SweepInterval:     Duration(5 * time.Minute),
			MaxCorruptRetries: 2,
		},
		HTTP: HTTP{RateLimitRPS: 50, RateLimitBurst: 100},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error; found reports whether it existed.
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, found, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, false, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, found, nil
}

// ApplyEnv overrides secrets and addresses from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.ListenAddr, "BASEGATE_LISTEN_ADDR")
	set(&c.LogLevel, "BASEGATE_LOG_LEVEL")
	set(&c.ControlPlane.DSN, "DATABASE_URL")
	set(&c.ControlPlane.Driver, "BASEGATE_CONTROL_PLANE_DRIVER")
	set(&c.Cache.RedisAddr, "REDIS_ADDR")
	set(&c.Cache.RedisPassword, "REDIS_PASSWORD")
	set(&c.Session.SigningKey, "BASEGATE_SIGNING_KEY")
	set(&c.Session.EncryptionKey, "BASEGATE_ENCRYPTION_KEY")
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Session.SigningKey == "" {
		fail("session.signing_key is required (or BASEGATE_SIGNING_KEY)")
	}
	if c.Session.EncryptionKey == "" {
		fail("session.encryption_key is required (or BASEGATE_ENCRYPTION_KEY)")
	}
	if c.ControlPlane.DSN == "" {
		fail("control_plane.dsn is required (or DATABASE_URL)")
	}
	switch c.ControlPlane.Driver {
	case "postgres", "mysql":
	default:
		fail("control_plane.driver must be postgres or mysql, got %q", c.ControlPlane.Driver)
	}
	if c.ControlPlane.MaxAttempts < 1 {
		fail("control_plane.max_attempts must be at least 1")
	}

	positive := map[string]Duration{
		"control_plane.call_timeout": c.ControlPlane.CallTimeout,
		"session.ttl":                c.Session.TTL,
		"tenant.probe_timeout":       c.Tenant.ProbeTimeout,
		"tenant.connect_timeout":     c.Tenant.ConnectTimeout,
		"tenant.query_timeout":       c.Tenant.QueryTimeout,
		"tenant.max_idle":            c.Tenant.MaxIdle,
		"tenant.sweep_interval":      c.Tenant.SweepInterval,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			fail("%s must be positive", name)
		}
	}
	if c.Cache.RedisAddr != "" && c.Cache.TTL <= 0 {
		fail("cache.ttl must be positive when cache.redis_addr is set")
	}
	if c.Tenant.MaxCorruptRetries < 0 {
		fail("tenant.max_corrupt_retries must not be negative")
	}
	for _, role := range lo.Keys(c.HTTP.Access) {
		for pattern, caps := range c.HTTP.Access[role] {
			for _, capability := range caps {
				if !lo.Contains([]string{"read", "write", "sudo"}, capability) {
					fail("http.access.%s[%q]: unknown capability %q", role, pattern, capability)
				}
			}
		}
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		fail("tls_cert and tls_key must be set together")
	}
	return result.ErrorOrNil()
}

func sortedKeys(m map[string]Duration) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
