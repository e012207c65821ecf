// Package warehouse serves metric time series from pre-aggregated rollup
// tables in ClickHouse or DuckDB.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/insights/internal/query"
)

// rows is the cursor shared by clickhouse-go driver.Rows and *sql.Rows.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// backend runs SQL against one warehouse connection.
type backend interface {
	query(ctx context.Context, sql string, args ...any) (rows, error)
	exec(ctx context.Context, sql string, args ...any) error
	ping(ctx context.Context) error
	close() error
}

// Source implements the metric timeseries capability over rollup tables.
type Source struct {
	log     *slog.Logger
	dialect Dialect
	db      backend
}

func newSource(log *slog.Logger, dialect Dialect, db backend) *Source {
	return &Source{log: log, dialect: dialect, db: db}
}

// FetchMetricTimeseries returns the bucketed series for req ordered by date,
// then by breakdown values.
func (s *Source) FetchMetricTimeseries(ctx context.Context, req query.SeriesRequest) ([]query.SeriesRow, error) {
	r, err := resolverFor(req.Metric)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.resolve(ctx, s.fetchRollup, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", req, err)
	}
	s.log.Debug("warehouse: fetched series", "request", req.String(), "breakdowns", req.Breakdowns, "rows", len(rows), "duration", time.Since(start))
	return rows, nil
}

func (s *Source) fetchRollup(ctx context.Context, r rollup, req query.SeriesRequest) ([]query.SeriesRow, error) {
	sql, args, err := buildRollupQuery(s.dialect, r, req)
	if err != nil {
		return nil, err
	}

	rs, err := s.db.query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.Table, err)
	}
	defer rs.Close()

	var out []query.SeriesRow
	for rs.Next() {
		var (
			bucket string
			value  float64
			dims   = make([]string, len(req.Breakdowns))
		)
		dest := make([]any, 0, len(dims)+2)
		dest = append(dest, &bucket)
		for i := range dims {
			dest = append(dest, &dims[i])
		}
		dest = append(dest, &value)
		if err := rs.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.Table, err)
		}

		row := query.SeriesRow{Date: bucket, Value: value}
		if len(req.Breakdowns) > 0 {
			row.Dimensions = make(query.Dimensions, len(req.Breakdowns))
			for i, b := range req.Breakdowns {
				row.Dimensions[b] = dims[i]
			}
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", r.Table, err)
	}
	return out, nil
}

func (s *Source) Dialect() Dialect { return s.dialect }

// Exec runs a statement that returns no rows.
func (s *Source) Exec(ctx context.Context, sql string, args ...any) error {
	return s.db.exec(ctx, sql, args...)
}

func (s *Source) Ping(ctx context.Context) error {
	return s.db.ping(ctx)
}

func (s *Source) Close() error {
	return s.db.close()
}
