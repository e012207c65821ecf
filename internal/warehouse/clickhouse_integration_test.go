package warehouse_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/malbeclabs/insights/internal/query"
	"github.com/malbeclabs/insights/internal/warehouse/warehousetesting"
	"github.com/stretchr/testify/require"
)

func TestWarehouse_ClickHouse_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ClickHouse container test in short mode")
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := warehousetesting.NewClickHouse(t, log, nil)
	ctx := t.Context()

	for _, stmt := range []string{
		`INSERT INTO agg_daily_revenue VALUES ('t1', '2026-10-12', 100), ('t1', '2026-10-13', 200)`,
		`INSERT INTO agg_daily_activity VALUES
			('t1', '2026-10-12', 'US', 'ios', 60), ('t1', '2026-10-12', 'DE', 'ios', 40),
			('t1', '2026-10-13', 'US', 'ios', 100)`,
		`INSERT INTO agg_daily_cohorts VALUES
			('t1', '2026-10-12', 0, 'US', 'ios', 100, 100), ('t1', '2026-10-12', 7, 'US', 'ios', 100, 25)`,
	} {
		require.NoError(t, src.Exec(ctx, stmt))
	}

	req := query.SeriesRequest{
		TenantID:    "t1",
		Start:       time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC),
		Granularity: query.GranularityDay,
	}

	t.Run("revenue by country is apportioned", func(t *testing.T) {
		r := req
		r.Metric = query.MetricRevenue
		r.Breakdowns = []query.Breakdown{query.BreakdownCountry}
		rows, err := src.FetchMetricTimeseries(ctx, r)
		require.NoError(t, err)
		require.Equal(t, []query.SeriesRow{
			{Date: "2026-10-12", Value: 40, Dimensions: query.Dimensions{query.BreakdownCountry: "DE"}},
			{Date: "2026-10-12", Value: 60, Dimensions: query.Dimensions{query.BreakdownCountry: "US"}},
			{Date: "2026-10-13", Value: 200, Dimensions: query.Dimensions{query.BreakdownCountry: "US"}},
		}, rows)
	})

	t.Run("arpdau by week", func(t *testing.T) {
		r := req
		r.Metric = query.MetricARPDAU
		r.Granularity = query.GranularityWeek
		rows, err := src.FetchMetricTimeseries(ctx, r)
		require.NoError(t, err)
		require.Equal(t, []query.SeriesRow{{Date: "2026-10-12", Value: 1.5}}, rows)
	})

	t.Run("d7 retention", func(t *testing.T) {
		r := req
		r.Metric = query.MetricD7Retention
		rows, err := src.FetchMetricTimeseries(ctx, r)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.InDelta(t, 0.25, rows[0].Value, 1e-9)
	})
}
