package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/org/basegate/internal/resilience"
	"github.com/org/basegate/pkg/models"
)

// Dialect selects the control-plane database flavour.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

const baseConfigTable = "base_config"

var baseConfigColumns = []string{
	"id_base",
	"firebird_host",
	"firebird_port",
	"firebird_database",
	"firebird_user",
	"firebird_password",
	"firebird_role",
	"firebird_active",
}

// Options tune every control-plane call.
type Options struct {
	// CallTimeout bounds a single attempt.
	CallTimeout time.Duration
	Retry       resilience.Policy
}

// DefaultOptions returns an 800ms per-attempt timeout and the default retry policy.
func DefaultOptions() Options {
	return Options{CallTimeout: 800 * time.Millisecond, Retry: resilience.DefaultPolicy()}
}

// SQLBackend is a ControlPlane over a relational database.
type SQLBackend struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
	opts    Options
}

var _ ControlPlane = (*SQLBackend)(nil)

type tenantRow struct {
	ID       int64          `db:"id_base"`
	Host     sql.NullString `db:"firebird_host"`
	Port     sql.NullInt64  `db:"firebird_port"`
	Database sql.NullString `db:"firebird_database"`
	User     sql.NullString `db:"firebird_user"`
	Password sql.NullString `db:"firebird_password"`
	Role     sql.NullString `db:"firebird_role"`
	Active   sql.NullBool   `db:"firebird_active"`
}

func (r *tenantRow) config() *models.TenantConfig {
	port := int(r.Port.Int64)
	if port <= 0 {
		port = models.DefaultFirebirdPort
	}
	return &models.TenantConfig{
		TenantID:     r.ID,
		Host:         r.Host.String,
		Port:         port,
		DatabasePath: r.Database.String,
		User:         r.User.String,
		Secret:       r.Password.String,
		Role:         r.Role.String,
		Active:       r.Active.Valid && r.Active.Bool,
	}
}

// NewSQLBackend wraps an open database handle.
func NewSQLBackend(db *sqlx.DB, dialect Dialect, opts Options) *SQLBackend {
	var format sq.PlaceholderFormat = sq.Question
	if dialect == DialectPostgres {
		format = sq.Dollar
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultOptions().CallTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = func(err error, next time.Duration) {
			controlPlaneRetries.Inc()
			log.Warn().Err(err).Dur("backoff", next).Msg("control plane call failed, retrying")
		}
	}
	return &SQLBackend{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(format),
		opts:    opts,
	}
}

// Open connects to the control plane using dialect's driver and pings it.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options) (*SQLBackend, error) {
	var db *sqlx.DB
	switch dialect {
	case DialectPostgres:
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing postgres config: %w", err)
		}
		db = sqlx.NewDb(stdlib.OpenDB(*cfg), "pgx")
	case DialectMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing mysql config: %w", err)
		}
		cfg.ParseTime = true
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating mysql connector: %w", err)
		}
		db = sqlx.NewDb(sql.OpenDB(connector), "mysql")
	default:
		return nil, fmt.Errorf("unsupported control plane dialect %q", dialect)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	b := NewSQLBackend(db, dialect, opts)
	if err := b.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging control plane: %w", err)
	}
	return b, nil
}

// GetTenantConfig implements ControlPlane.
func (b *SQLBackend) GetTenantConfig(ctx context.Context, tenantID int64) (*models.TenantConfig, error) {
	query, args, err := b.builder.
		Select(baseConfigColumns...).
		From(baseConfigTable).
		Where(sq.Eq{"id_base": tenantID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building tenant config query: %w", err)
	}

	row, err := resilience.Do(ctx, b.opts.Retry, IsTransient, func(ctx context.Context) (tenantRow, error) {
		ctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
		var r tenantRow
		err := b.db.GetContext(ctx, &r, query, args...)
		return r, err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &models.TenantConfigError{TenantID: tenantID, Kind: models.TenantNotFound}
		}
		return nil, fmt.Errorf("loading tenant %d config: %w", tenantID, err)
	}

	cfg := row.config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Ping implements ControlPlane.
func (b *SQLBackend) Ping(ctx context.Context) error {
	_, err := resilience.Do(ctx, b.opts.Retry, IsTransient, func(ctx context.Context) (int, error) {
		ctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
		var one int
		err := b.db.QueryRowxContext(ctx, "SELECT 1").Scan(&one)
		return one, err
	})
	return err
}

// Close implements ControlPlane.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// DB exposes the underlying handle for migrations and tooling.
func (b *SQLBackend) DB() *sqlx.DB {
	return b.db
}
