package query

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DateLayout is the day-granular date format used in results and series rows.
const DateLayout = "2006-01-02"

// Plan is the validated, structured form of an analytics question.
type Plan struct {
	Game         string       `json:"game" jsonschema:"Game the question is about, as written by the user"`
	Metric       Metric       `json:"metric" jsonschema:"One of: revenue, dau, installs, d1_retention, d7_retention, arpdau"`
	Granularity  Granularity  `json:"granularity" jsonschema:"Time bucket size: day or week"`
	TimeRange    TimeRange    `json:"time_range"`
	Breakdowns   []Breakdown  `json:"breakdowns" jsonschema:"Dimensions to group by: country, platform. Must be supported by the metric"`
	Comparison   Comparison   `json:"comparison"`
	Analysis     []string     `json:"analysis" jsonschema:"Requested analyses, e.g. trend, top_contributors"`
	Filters      []Filter     `json:"filters" jsonschema:"Dimension filters"`
	ResponseMode ResponseMode `json:"response_mode" jsonschema:"short or deep"`
}

type TimeRange struct {
	Type TimeRangeType `json:"type" jsonschema:"Always last_n_days"`
	N    int           `json:"n" jsonschema:"Number of days ending today, a positive integer"`
}

type Comparison struct {
	Type ComparisonType `json:"type" jsonschema:"none or previous_period"`
}

// Filter restricts the rows a metric is computed over. Value is a string or a float64.
type Filter struct {
	Field string `json:"field" jsonschema:"Dimension to filter on"`
	Op    string `json:"op" jsonschema:"Comparison operator, = or !="`
	Value any    `json:"value" jsonschema:"String or number"`
}

func (p *Plan) HasBreakdowns() bool { return len(p.Breakdowns) > 0 }

func (p *Plan) ComparesPreviousPeriod() bool {
	return p.Comparison.Type == ComparisonPreviousPeriod
}

// Result is the computed analytics output for a plan and tenant.
type Result struct {
	Question       string           `json:"question"`
	Context        ResultContext    `json:"context"`
	Summary        Summary          `json:"summary"`
	Timeseries     []SeriesPoint    `json:"timeseries"`
	BreakdownTable []BreakdownRow   `json:"breakdown_table"`
	Attribution    []AttributionRow `json:"attribution"`
	Confidence     Confidence       `json:"confidence"`
}

type ResultContext struct {
	TenantID string `json:"tenant_id"`
	Plan     Plan   `json:"plan"`
}

type Summary struct {
	Value     float64  `json:"value"`
	Previous  *float64 `json:"previous"`
	Change    *float64 `json:"change"`
	ChangePct *float64 `json:"changePct"`
}

type SeriesPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Dimensions maps each breakdown of a row to its value.
type Dimensions map[Breakdown]string

// Key joins the dimension values in the order of breakdowns.
func (d Dimensions) Key(breakdowns []Breakdown) string {
	parts := make([]string, len(breakdowns))
	for i, b := range breakdowns {
		parts[i] = d[b]
	}
	return strings.Join(parts, "\x1f")
}

// BreakdownRow serializes its dimensions flat next to value, e.g. {"country":"US","value":60}.
type BreakdownRow struct {
	Dimensions Dimensions
	Value      float64
}

func (r BreakdownRow) MarshalJSON() ([]byte, error) {
	return marshalFlat(r.Dimensions, map[string]float64{"value": r.Value})
}

func (r *BreakdownRow) UnmarshalJSON(data []byte) error {
	nums := map[string]*float64{"value": &r.Value}
	dims, err := unmarshalFlat(data, nums)
	if err != nil {
		return err
	}
	r.Dimensions = dims
	return nil
}

// AttributionRow is one breakdown group's contribution to a period-over-period change.
type AttributionRow struct {
	Dimensions Dimensions
	Current    float64
	Previous   float64
	Delta      float64
}

func (r AttributionRow) MarshalJSON() ([]byte, error) {
	return marshalFlat(r.Dimensions, map[string]float64{
		"current":  r.Current,
		"previous": r.Previous,
		"delta":    r.Delta,
	})
}

func (r *AttributionRow) UnmarshalJSON(data []byte) error {
	nums := map[string]*float64{
		"current":  &r.Current,
		"previous": &r.Previous,
		"delta":    &r.Delta,
	}
	dims, err := unmarshalFlat(data, nums)
	if err != nil {
		return err
	}
	r.Dimensions = dims
	return nil
}

func marshalFlat(dims Dimensions, nums map[string]float64) ([]byte, error) {
	out := make(map[string]any, len(dims)+len(nums))
	for b, v := range dims {
		out[string(b)] = v
	}
	for k, v := range nums {
		out[k] = v
	}
	return json.Marshal(out)
}

func unmarshalFlat(data []byte, nums map[string]*float64) (Dimensions, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	dims := Dimensions{}
	for k, v := range raw {
		if dst, ok := nums[k]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, fmt.Errorf("dimension %s: %w", k, err)
		}
		dims[Breakdown(k)] = s
	}
	return dims, nil
}

// SeriesRequest asks a MetricTimeseriesSource for one metric over an inclusive date window.
type SeriesRequest struct {
	TenantID    string
	Metric      Metric
	Start       time.Time
	End         time.Time
	Granularity Granularity
	Breakdowns  []Breakdown
	Filters     []Filter
}

func (r SeriesRequest) String() string {
	return fmt.Sprintf("%s[%s..%s by %s]", r.Metric, r.Start.Format(DateLayout), r.End.Format(DateLayout), r.Granularity)
}

// WithBreakdowns returns a copy of the request grouped by breakdowns.
func (r SeriesRequest) WithBreakdowns(breakdowns []Breakdown) SeriesRequest {
	r.Breakdowns = slices.Clone(breakdowns)
	return r
}

// SeriesRow is one bucket of a metric series, optionally for one breakdown group.
type SeriesRow struct {
	Date       string
	Value      float64
	Dimensions Dimensions
}
