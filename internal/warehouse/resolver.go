package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/malbeclabs/insights/internal/query"
)

var (
	ErrUnknownMetric        = errors.New("warehouse: unknown metric")
	ErrUnsupportedFilter    = errors.New("warehouse: unsupported filter")
	ErrUnsupportedBreakdown = errors.New("warehouse: unsupported breakdown")
)

// rollup describes how one pre-aggregated table yields a metric series.
type rollup struct {
	Table      string
	DateColumn string
	// ValueExpr aggregates the rows of one bucket.
	ValueExpr string
	// Filter is an extra predicate selecting the relevant rows, e.g. a cohort day.
	Filter     string
	Dimensions []query.Breakdown
}

func (r rollup) hasDimension(b query.Breakdown) bool {
	for _, d := range r.Dimensions {
		if d == b {
			return true
		}
	}
	return false
}

var (
	revenueRollup = rollup{
		Table:      "agg_daily_revenue",
		DateColumn: "date",
		ValueExpr:  "sum(revenue)",
	}
	activityRollup = rollup{
		Table:      "agg_daily_activity",
		DateColumn: "date",
		ValueExpr:  "sum(dau)",
		Dimensions: []query.Breakdown{query.BreakdownCountry, query.BreakdownPlatform},
	}
	installsRollup = rollup{
		Table:      "agg_daily_cohorts",
		DateColumn: "cohort_date",
		ValueExpr:  "sum(cohort_size)",
		Filter:     "day_n = 0",
		Dimensions: []query.Breakdown{query.BreakdownCountry, query.BreakdownPlatform},
	}
	d1RetentionRollup = retentionRollup(1)
	d7RetentionRollup = retentionRollup(7)
)

func retentionRollup(day int) rollup {
	return rollup{
		Table:      "agg_daily_cohorts",
		DateColumn: "cohort_date",
		ValueExpr:  "CASE WHEN sum(cohort_size) = 0 THEN 0 ELSE sum(retained) / sum(cohort_size) END",
		Filter:     fmt.Sprintf("day_n = %d", day),
		Dimensions: []query.Breakdown{query.BreakdownCountry, query.BreakdownPlatform},
	}
}

// fetchFunc reads one rollup for a request.
type fetchFunc func(ctx context.Context, r rollup, req query.SeriesRequest) ([]query.SeriesRow, error)

type resolver interface {
	resolve(ctx context.Context, fetch fetchFunc, req query.SeriesRequest) ([]query.SeriesRow, error)
}

// resolvers is the per-metric dispatch table.
var resolvers = map[query.Metric]resolver{
	query.MetricRevenue:     revenueResolver,
	query.MetricDAU:         rollupResolver{activityRollup},
	query.MetricInstalls:    rollupResolver{installsRollup},
	query.MetricD1Retention: rollupResolver{d1RetentionRollup},
	query.MetricD7Retention: rollupResolver{d7RetentionRollup},
	query.MetricARPDAU: ratioResolver{
		numerator:   revenueResolver,
		denominator: rollupResolver{activityRollup},
	},
}

var revenueResolver = apportionedResolver{total: revenueRollup, weight: activityRollup}

func resolverFor(m query.Metric) (resolver, error) {
	r, ok := resolvers[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, m)
	}
	return r, nil
}

// rollupResolver reads a metric natively stored in one rollup table.
type rollupResolver struct {
	rollup rollup
}

func (r rollupResolver) resolve(ctx context.Context, fetch fetchFunc, req query.SeriesRequest) ([]query.SeriesRow, error) {
	return fetch(ctx, r.rollup, req)
}

// apportionedResolver splits a total that has no native dimensions across
// groups by each group's share of a weight rollup on the same bucket:
//
//	value(date, group) = total(date) * weight(date, group) / weight(date)
//
// and 0 when weight(date) is 0. For revenue the weight is DAU. This is an
// approximation, not a per-group revenue ledger.
type apportionedResolver struct {
	total  rollup
	weight rollup
}

func (a apportionedResolver) resolve(ctx context.Context, fetch fetchFunc, req query.SeriesRequest) ([]query.SeriesRow, error) {
	if len(req.Breakdowns) == 0 && len(req.Filters) == 0 {
		return fetch(ctx, a.total, req)
	}

	base := req
	base.Breakdowns = nil
	base.Filters = nil

	totals, err := fetch(ctx, a.total, base)
	if err != nil {
		return nil, err
	}
	weights, err := fetch(ctx, a.weight, base)
	if err != nil {
		return nil, err
	}
	groups, err := fetch(ctx, a.weight, req)
	if err != nil {
		return nil, err
	}

	totalByDate := sumByDate(totals)
	weightByDate := sumByDate(weights)

	out := make([]query.SeriesRow, 0, len(groups))
	for _, g := range groups {
		var v float64
		if w := weightByDate[g.Date]; w != 0 {
			v = totalByDate[g.Date] * g.Value / w
		}
		out = append(out, query.SeriesRow{Date: g.Date, Value: v, Dimensions: g.Dimensions})
	}
	sortRows(out, req.Breakdowns)
	return out, nil
}

// ratioResolver divides two metric series bucket by bucket, yielding 0 where
// the denominator is 0 or missing.
type ratioResolver struct {
	numerator   resolver
	denominator resolver
}

func (r ratioResolver) resolve(ctx context.Context, fetch fetchFunc, req query.SeriesRequest) ([]query.SeriesRow, error) {
	num, err := r.numerator.resolve(ctx, fetch, req)
	if err != nil {
		return nil, err
	}
	den, err := r.denominator.resolve(ctx, fetch, req)
	if err != nil {
		return nil, err
	}

	type cell struct {
		row      query.SeriesRow
		num, den float64
	}
	cells := make(map[string]*cell)
	get := func(row query.SeriesRow) *cell {
		k := row.Date + "\x1e" + row.Dimensions.Key(req.Breakdowns)
		c, ok := cells[k]
		if !ok {
			c = &cell{row: query.SeriesRow{Date: row.Date, Dimensions: row.Dimensions}}
			cells[k] = c
		}
		return c
	}
	for _, row := range num {
		get(row).num += row.Value
	}
	for _, row := range den {
		get(row).den += row.Value
	}

	out := make([]query.SeriesRow, 0, len(cells))
	for _, c := range cells {
		row := c.row
		if c.den != 0 {
			row.Value = c.num / c.den
		}
		out = append(out, row)
	}
	sortRows(out, req.Breakdowns)
	return out, nil
}

func sumByDate(rows []query.SeriesRow) map[string]float64 {
	m := make(map[string]float64, len(rows))
	for _, r := range rows {
		m[r.Date] += r.Value
	}
	return m
}

func sortRows(rows []query.SeriesRow, breakdowns []query.Breakdown) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date < rows[j].Date
		}
		return rows[i].Dimensions.Key(breakdowns) < rows[j].Dimensions.Key(breakdowns)
	})
}
