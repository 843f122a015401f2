package connpool

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	_ "github.com/nakagami/firebirdsql"

	"github.com/org/basegate/pkg/models"
)

// ProbeQuery is the cheapest statement every Firebird database answers.
const ProbeQuery = "SELECT 1 FROM RDB$DATABASE"

// FirebirdDSN builds a firebirdsql DSN. The password is URL-escaped and the
// result must be treated as secret.
func FirebirdDSN(cfg models.TenantConfig) string {
	port := cfg.Port
	if port <= 0 {
		port = models.DefaultFirebirdPort
	}
	dsn := url.UserPassword(cfg.User, cfg.Secret).String() + "@" +
		cfg.Host + ":" + strconv.Itoa(port) + "/" + cfg.DatabasePath
	if cfg.Role != "" {
		dsn += "?role=" + url.QueryEscape(cfg.Role)
	}
	return dsn
}

// FirebirdDialer opens one pinned Firebird connection per tenant.
type FirebirdDialer struct{}

var _ Dialer = FirebirdDialer{}

// Dial implements Dialer.
func (FirebirdDialer) Dial(ctx context.Context, cfg models.TenantConfig) (Conn, error) {
	db, err := sql.Open("firebirdsql", FirebirdDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening firebird %s: %w", cfg.Addr(), err)
	}
	conn, err := newSQLConn(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("connecting firebird %s: %w", cfg.Addr(), err)
	}
	return conn, nil
}

// sqlConn pins one physical connection from a single-connection pool so
// the registry controls its lifetime.
type sqlConn struct {
	db   *sql.DB
	conn *sql.Conn

	closeOnce sync.Once
	closeErr  error
}

func newSQLConn(ctx context.Context, db *sql.DB) (*sqlConn, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &sqlConn{db: db, conn: conn}, nil
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) ([]models.Row, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (c *sqlConn) Ping(ctx context.Context) error {
	var one int
	return c.conn.QueryRowContext(ctx, ProbeQuery).Scan(&one)
}

// Close is idempotent.
func (c *sqlConn) Close() error {
	c.closeOnce.Do(func() {
		connErr := c.conn.Close()
		dbErr := c.db.Close()
		if connErr != nil {
			c.closeErr = connErr
		} else {
			c.closeErr = dbErr
		}
	})
	return c.closeErr
}

// scanRows reads every row into a column-keyed map. Byte slices become
// strings and trailing blanks from CHAR padding are trimmed.
func scanRows(rows *sql.Rows) ([]models.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]models.Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(models.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return strings.TrimRight(string(t), " ")
	case string:
		return strings.TrimRight(t, " ")
	default:
		return v
	}
}
