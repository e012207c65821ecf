package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/duckdb/duckdb-go/v2"
)

// NewDuckDBSource opens a DuckDB-backed source at path. An empty path opens
// an in-memory database shared by every connection of the source.
func NewDuckDBSource(ctx context.Context, log *slog.Logger, path string) (*Source, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}
	log.Info("warehouse: duckdb source initialized", "path", path)
	return newSource(log, DialectDuckDB, &duckdbBackend{db: db}), nil
}

type duckdbBackend struct {
	db *sql.DB
}

func (b *duckdbBackend) query(ctx context.Context, q string, args ...any) (rows, error) {
	return b.db.QueryContext(ctx, q, args...)
}

func (b *duckdbBackend) exec(ctx context.Context, q string, args ...any) error {
	_, err := b.db.ExecContext(ctx, q, args...)
	return err
}

func (b *duckdbBackend) ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *duckdbBackend) close() error {
	return b.db.Close()
}
