package executor

import (
	"math"
	"sort"

	"github.com/malbeclabs/insights/internal/query"
)

// aggregate averages ratio metrics and sums volume metrics. Empty is 0.
func aggregate(metric query.Metric, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	if metric.IsRatio() {
		return sum / float64(len(values))
	}
	return sum
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// summarize derives the period-over-period change. changePct is null when
// previous is 0.
func summarize(value, previous float64) query.Summary {
	change := value - previous
	s := query.Summary{
		Value:    value,
		Previous: &previous,
		Change:   &change,
	}
	if previous != 0 {
		pct := round2(change / previous * 100)
		s.ChangePct = &pct
	}
	return s
}

// timeseries collapses rows to one point per date, ascending.
func timeseries(metric query.Metric, rows []query.SeriesRow) []query.SeriesPoint {
	byDate := make(map[string][]float64, len(rows))
	for _, r := range rows {
		byDate[r.Date] = append(byDate[r.Date], r.Value)
	}
	out := make([]query.SeriesPoint, 0, len(byDate))
	for date, values := range byDate {
		out = append(out, query.SeriesPoint{Date: date, Value: aggregate(metric, values)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func seriesValues(points []query.SeriesPoint) []float64 {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return values
}

// breakdownTable groups rows by their breakdown values and aggregates each
// group, sorted by descending value then key.
func breakdownTable(metric query.Metric, breakdowns []query.Breakdown, rows []query.SeriesRow) []query.BreakdownRow {
	type group struct {
		dims   query.Dimensions
		values []float64
	}
	groups := make(map[string]*group)
	var order []string
	for _, r := range rows {
		k := r.Dimensions.Key(breakdowns)
		g, ok := groups[k]
		if !ok {
			dims := make(query.Dimensions, len(breakdowns))
			for _, b := range breakdowns {
				dims[b] = r.Dimensions[b]
			}
			g = &group{dims: dims}
			groups[k] = g
			order = append(order, k)
		}
		g.values = append(g.values, r.Value)
	}

	table := make([]query.BreakdownRow, 0, len(groups))
	for _, k := range order {
		g := groups[k]
		table = append(table, query.BreakdownRow{Dimensions: g.dims, Value: aggregate(metric, g.values)})
	}
	sort.SliceStable(table, func(i, j int) bool {
		if table[i].Value != table[j].Value {
			return table[i].Value > table[j].Value
		}
		return table[i].Dimensions.Key(breakdowns) < table[j].Dimensions.Key(breakdowns)
	})
	return table
}

// attribution joins the current and previous breakdown tables on the
// breakdown key. Current groups drive the join; a group absent from the
// previous period counts as 0 there. Sorted by descending |delta| then key.
func attribution(breakdowns []query.Breakdown, current, previous []query.BreakdownRow) []query.AttributionRow {
	prev := make(map[string]float64, len(previous))
	for _, r := range previous {
		prev[r.Dimensions.Key(breakdowns)] = r.Value
	}

	out := make([]query.AttributionRow, 0, len(current))
	for _, r := range current {
		p := prev[r.Dimensions.Key(breakdowns)]
		out = append(out, query.AttributionRow{
			Dimensions: r.Dimensions,
			Current:    r.Value,
			Previous:   p,
			Delta:      r.Value - p,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := math.Abs(out[i].Delta), math.Abs(out[j].Delta)
		if di != dj {
			return di > dj
		}
		return out[i].Dimensions.Key(breakdowns) < out[j].Dimensions.Key(breakdowns)
	})
	return out
}
