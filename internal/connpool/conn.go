package connpool

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/org/basegate/pkg/models"
)

// Conn is one live tenant database connection. Implementations must allow
// Close to be called while a Query or Ping is still running.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) ([]models.Row, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens tenant connections.
type Dialer interface {
	Dial(ctx context.Context, cfg models.TenantConfig) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg models.TenantConfig) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, cfg models.TenantConfig) (Conn, error) {
	return f(ctx, cfg)
}

// Resolver looks up tenant settings when the caller supplies none.
type Resolver interface {
	GetTenantConfig(ctx context.Context, tenantID int64) (*models.TenantConfig, error)
}

// Invalidator drops cached tenant settings after a failed dial.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID int64) error
}

// DefaultCorruptionMarkers are driver messages seen on connections whose
// protocol state is broken even though the socket is still open.
var DefaultCorruptionMarkers = []string{
	"lazy_count",
	"Cannot set properties of undefined",
	"invalid transaction handle",
	"connection shutdown",
}

// CorruptionClassifier decides whether a query error means the connection
// itself is unusable.
type CorruptionClassifier struct {
	markers []string
}

// NewCorruptionClassifier matches the standard transport failures plus any
// error whose message contains one of markers.
func NewCorruptionClassifier(markers []string) *CorruptionClassifier {
	return &CorruptionClassifier{markers: markers}
}

// IsCorrupted reports whether err indicates a broken connection.
func (c *CorruptionClassifier) IsCorrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrCorrupted) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, m := range c.markers {
		if m != "" && strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
