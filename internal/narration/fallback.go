package narration

import (
	"strconv"
	"strings"

	"github.com/malbeclabs/insights/internal/query"
)

var metricLabels = map[query.Metric]string{
	query.MetricRevenue:     "revenue",
	query.MetricDAU:         "DAU",
	query.MetricInstalls:    "installs",
	query.MetricD1Retention: "D1 retention",
	query.MetricD7Retention: "D7 retention",
	query.MetricARPDAU:      "ARPDAU",
}

func metricLabel(m query.Metric) string {
	if label, ok := metricLabels[m]; ok {
		return label
	}
	return string(m)
}

// formatNumber renders v rounded to 2 decimals without trailing zeros.
func formatNumber(v float64) string {
	return strconv.FormatFloat(round2(v), 'f', -1, 64)
}

func formatSigned(v float64) string {
	if round2(v) > 0 {
		return "+" + formatNumber(v)
	}
	return formatNumber(v)
}

// Fallback builds a deterministic narration from the result summary. Every
// number it cites comes from the summary.
func Fallback(result *query.Result) string {
	var b strings.Builder
	b.WriteString("The ")
	b.WriteString(metricLabel(result.Context.Plan.Metric))
	b.WriteString(" over the requested period is ")
	b.WriteString(formatNumber(result.Summary.Value))
	b.WriteString(".")

	s := result.Summary
	if s.Previous != nil && s.Change != nil {
		b.WriteString(" Compared to the previous period, change is ")
		b.WriteString(formatSigned(*s.Change))
		if s.ChangePct != nil {
			b.WriteString(" (")
			b.WriteString(formatNumber(*s.ChangePct))
			b.WriteString("%)")
		}
		b.WriteString(".")
	}

	if result.Context.Plan.HasBreakdowns() && len(result.Attribution) == 0 {
		b.WriteString(" Attribution is inconclusive.")
	}
	return b.String()
}
