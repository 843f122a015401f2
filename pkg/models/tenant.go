package models

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultFirebirdPort is used when a control-plane row leaves the port empty.
const DefaultFirebirdPort = 3050

// TenantConfig describes how to reach one tenant's database.
// Secret is the plaintext database password and must never be logged.
type TenantConfig struct {
	TenantID     int64
	Host         string
	Port         int
	DatabasePath string
	User         string
	Secret       string
	Role         string
	Active       bool
}

// Addr returns host:port for logging and dialing.
func (c *TenantConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String omits the secret.
func (c *TenantConfig) String() string {
	return fmt.Sprintf("tenant=%d %s/%s user=%s", c.TenantID, c.Addr(), c.DatabasePath, c.User)
}

// MarshalZerologObject writes connection metadata only.
func (c *TenantConfig) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("tenant_id", c.TenantID).
		Str("host", c.Host).
		Int("port", c.Port).
		Str("database", c.DatabasePath).
		Str("user", c.User).
		Bool("active", c.Active)
}

// Validate checks that the config can be dialed.
func (c *TenantConfig) Validate() error {
	if !c.Active {
		return &TenantConfigError{TenantID: c.TenantID, Kind: TenantInactive}
	}
	if c.Host == "" || c.DatabasePath == "" {
		return &TenantConfigError{TenantID: c.TenantID, Kind: TenantIncomplete}
	}
	return nil
}

// Snapshot returns a copy the caller may keep.
func (c *TenantConfig) Snapshot() TenantConfig {
	return *c
}

// ConnectionInfo is the secret-free view of a cached tenant connection.
type ConnectionInfo struct {
	TenantID   int64     `json:"tenant_id"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Database   string    `json:"database"`
	LastUsedAt time.Time `json:"last_used_at"`
}
