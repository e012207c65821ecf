package warehouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultClickHouseDialTimeout      = 5 * time.Second
	defaultClickHouseMaxExecutionTime = 60
)

// ClickHouseConn is the subset of a clickhouse-go connection the source uses.
type ClickHouseConn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

type clickhouseConfig struct {
	addr        string
	database    string
	user        string
	password    string
	tlsDisabled bool
	conn        ClickHouseConn
	log         *slog.Logger
}

// ClickHouseOption configures a ClickHouse source.
type ClickHouseOption func(*clickhouseConfig)

// WithClickHouseAddr sets the native protocol address, e.g. localhost:9440.
func WithClickHouseAddr(addr string) ClickHouseOption {
	return func(c *clickhouseConfig) { c.addr = addr }
}

func WithClickHouseDatabase(db string) ClickHouseOption {
	return func(c *clickhouseConfig) { c.database = db }
}

func WithClickHouseUser(user string) ClickHouseOption {
	return func(c *clickhouseConfig) { c.user = user }
}

func WithClickHousePassword(pass string) ClickHouseOption {
	return func(c *clickhouseConfig) { c.password = pass }
}

// WithClickHouseTLSDisabled disables TLS for the connection.
func WithClickHouseTLSDisabled(disabled bool) ClickHouseOption {
	return func(c *clickhouseConfig) { c.tlsDisabled = disabled }
}

// WithClickHouseConn uses an existing connection instead of dialing.
func WithClickHouseConn(conn ClickHouseConn) ClickHouseOption {
	return func(c *clickhouseConfig) { c.conn = conn }
}

func WithClickHouseLogger(log *slog.Logger) ClickHouseOption {
	return func(c *clickhouseConfig) { c.log = log }
}

// NewClickHouseSource opens a ClickHouse-backed source. The connection is
// established lazily; call Ping to verify it.
func NewClickHouseSource(opts ...ClickHouseOption) (*Source, error) {
	cfg := &clickhouseConfig{
		database: "default",
		user:     "default",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.log == nil {
		return nil, fmt.Errorf("logger is required: use WithClickHouseLogger")
	}

	if cfg.conn == nil {
		if cfg.addr == "" {
			return nil, fmt.Errorf("clickhouse address is required: use WithClickHouseAddr")
		}
		chOpts := &clickhouse.Options{
			Addr: []string{cfg.addr},
			Auth: clickhouse.Auth{
				Database: cfg.database,
				Username: cfg.user,
				Password: cfg.password,
			},
			Settings: clickhouse.Settings{
				"max_execution_time": defaultClickHouseMaxExecutionTime,
			},
			DialTimeout: defaultClickHouseDialTimeout,
		}
		if !cfg.tlsDisabled {
			chOpts.TLS = &tls.Config{}
		}
		conn, err := clickhouse.Open(chOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
		}
		cfg.conn = conn
		cfg.log.Info("warehouse: clickhouse source initialized", "addr", cfg.addr, "database", cfg.database)
	}

	return newSource(cfg.log, DialectClickHouse, &clickhouseBackend{conn: cfg.conn}), nil
}

type clickhouseBackend struct {
	conn ClickHouseConn
}

func (b *clickhouseBackend) query(ctx context.Context, sql string, args ...any) (rows, error) {
	return b.conn.Query(ctx, sql, args...)
}

func (b *clickhouseBackend) exec(ctx context.Context, sql string, args ...any) error {
	return b.conn.Exec(ctx, sql, args...)
}

func (b *clickhouseBackend) ping(ctx context.Context) error {
	return b.conn.Ping(ctx)
}

func (b *clickhouseBackend) close() error {
	return b.conn.Close()
}
