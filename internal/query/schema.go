package query

import "slices"

// Metric identifies a warehouse metric a plan can ask for.
type Metric string

const (
	MetricRevenue     Metric = "revenue"
	MetricDAU         Metric = "dau"
	MetricInstalls    Metric = "installs"
	MetricD1Retention Metric = "d1_retention"
	MetricD7Retention Metric = "d7_retention"
	MetricARPDAU      Metric = "arpdau"
)

// Breakdown is a dimension a metric can be grouped by.
type Breakdown string

const (
	BreakdownCountry  Breakdown = "country"
	BreakdownPlatform Breakdown = "platform"
)

type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

type TimeRangeType string

const (
	TimeRangeLastNDays TimeRangeType = "last_n_days"
)

type ComparisonType string

const (
	ComparisonNone           ComparisonType = "none"
	ComparisonPreviousPeriod ComparisonType = "previous_period"
)

type ResponseMode string

const (
	ResponseModeShort ResponseMode = "short"
	ResponseModeDeep  ResponseMode = "deep"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

var (
	allMetrics = []Metric{
		MetricRevenue,
		MetricDAU,
		MetricInstalls,
		MetricD1Retention,
		MetricD7Retention,
		MetricARPDAU,
	}
	allBreakdowns   = []Breakdown{BreakdownCountry, BreakdownPlatform}
	allGranularity  = []Granularity{GranularityDay, GranularityWeek}
	allComparisons  = []ComparisonType{ComparisonNone, ComparisonPreviousPeriod}
	allResponseMode = []ResponseMode{ResponseModeShort, ResponseModeDeep}
	allConfidence   = []Confidence{ConfidenceHigh, ConfidenceMedium, ConfidenceLow}

	// metricBreakdowns is the static per-metric breakdown compatibility table.
	metricBreakdowns = map[Metric][]Breakdown{
		MetricRevenue:     {BreakdownCountry, BreakdownPlatform},
		MetricDAU:         {BreakdownCountry, BreakdownPlatform},
		MetricInstalls:    {BreakdownCountry, BreakdownPlatform},
		MetricD1Retention: {BreakdownCountry, BreakdownPlatform},
		MetricD7Retention: {BreakdownCountry, BreakdownPlatform},
		MetricARPDAU:      {},
	}

	ratioMetrics = map[Metric]bool{
		MetricD1Retention: true,
		MetricD7Retention: true,
		MetricARPDAU:      true,
	}
)

// Metrics returns every known metric in declaration order.
func Metrics() []Metric { return slices.Clone(allMetrics) }

// Breakdowns returns every known breakdown dimension.
func Breakdowns() []Breakdown { return slices.Clone(allBreakdowns) }

// sortBreakdowns puts breakdowns in declaration order.
func sortBreakdowns(bs []Breakdown) {
	slices.SortFunc(bs, func(a, b Breakdown) int {
		return slices.Index(allBreakdowns, a) - slices.Index(allBreakdowns, b)
	})
}

func (m Metric) Valid() bool { return slices.Contains(allMetrics, m) }

// IsRatio reports whether the metric is averaged across buckets rather than summed.
func (m Metric) IsRatio() bool { return ratioMetrics[m] }

// SupportedBreakdowns returns the breakdowns the metric can be grouped by.
func (m Metric) SupportedBreakdowns() []Breakdown {
	return slices.Clone(metricBreakdowns[m])
}

func (m Metric) SupportsBreakdown(b Breakdown) bool {
	return slices.Contains(metricBreakdowns[m], b)
}

func (b Breakdown) Valid() bool      { return slices.Contains(allBreakdowns, b) }
func (g Granularity) Valid() bool    { return slices.Contains(allGranularity, g) }
func (c ComparisonType) Valid() bool { return slices.Contains(allComparisons, c) }
func (r ResponseMode) Valid() bool   { return slices.Contains(allResponseMode, r) }
func (c Confidence) Valid() bool     { return slices.Contains(allConfidence, c) }
