package storage

import (
	"context"

	"github.com/org/basegate/pkg/models"
)

// ControlPlane resolves tenant connection settings from the control-plane store.
type ControlPlane interface {
	// GetTenantConfig returns the tenant's Firebird settings. It fails with a
	// *models.TenantConfigError of kind NotFound, Inactive or Incomplete when
	// the row cannot be used to dial.
	GetTenantConfig(ctx context.Context, tenantID int64) (*models.TenantConfig, error)

	// Ping checks that the control-plane store answers queries.
	Ping(ctx context.Context) error

	Close() error
}

// Invalidator drops any cached copy of a tenant's settings.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID int64) error
}
