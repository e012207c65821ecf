package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

var (
	planKeys       = []string{"game", "metric", "granularity", "time_range", "breakdowns", "comparison", "analysis", "filters", "response_mode"}
	timeRangeKeys  = []string{"type", "n"}
	comparisonKeys = []string{"type"}
	filterKeys     = []string{"field", "op", "value"}
)

// ParsePlan decodes a JSON plan and validates it.
func ParsePlan(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var candidate any
	if err := dec.Decode(&candidate); err != nil {
		return nil, invalid("plan", "malformed JSON: %v", err)
	}
	if dec.More() {
		return nil, invalid("plan", "trailing data after JSON object")
	}
	return ValidatePlan(candidate)
}

// ValidatePlan checks a decoded JSON candidate against the plan schema and
// returns the typed plan. Numbers may be float64 or json.Number. Any unknown
// or missing key anywhere in the object graph is rejected.
func ValidatePlan(candidate any) (*Plan, error) {
	obj, ok := candidate.(map[string]any)
	if !ok {
		return nil, invalid("plan", "must be a JSON object")
	}
	if err := checkKeys("plan", obj, planKeys); err != nil {
		return nil, err
	}

	var (
		p   Plan
		err error
	)
	if p.Game, err = stringField("game", obj["game"]); err != nil {
		return nil, err
	}
	metric, err := stringField("metric", obj["metric"])
	if err != nil {
		return nil, err
	}
	p.Metric = Metric(metric)
	granularity, err := stringField("granularity", obj["granularity"])
	if err != nil {
		return nil, err
	}
	p.Granularity = Granularity(granularity)

	tr, ok := obj["time_range"].(map[string]any)
	if !ok {
		return nil, invalid("time_range", "must be an object")
	}
	if err := checkKeys("time_range", tr, timeRangeKeys); err != nil {
		return nil, err
	}
	trType, err := stringField("time_range.type", tr["type"])
	if err != nil {
		return nil, err
	}
	p.TimeRange.Type = TimeRangeType(trType)
	n, ok := toFloat(tr["n"])
	if !ok || n <= 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		return nil, invalid("time_range.n", "must be a positive integer, got %v", tr["n"])
	}
	p.TimeRange.N = int(n)

	breakdowns, err := arrayField("breakdowns", obj["breakdowns"])
	if err != nil {
		return nil, err
	}
	p.Breakdowns = make([]Breakdown, 0, len(breakdowns))
	for i, b := range breakdowns {
		s, err := stringField(fmt.Sprintf("breakdowns[%d]", i), b)
		if err != nil {
			return nil, err
		}
		p.Breakdowns = append(p.Breakdowns, Breakdown(s))
	}

	cmp, ok := obj["comparison"].(map[string]any)
	if !ok {
		return nil, invalid("comparison", "must be an object")
	}
	if err := checkKeys("comparison", cmp, comparisonKeys); err != nil {
		return nil, err
	}
	cmpType, err := stringField("comparison.type", cmp["type"])
	if err != nil {
		return nil, err
	}
	p.Comparison.Type = ComparisonType(cmpType)

	analysis, err := arrayField("analysis", obj["analysis"])
	if err != nil {
		return nil, err
	}
	p.Analysis = make([]string, 0, len(analysis))
	for i, a := range analysis {
		s, err := stringField(fmt.Sprintf("analysis[%d]", i), a)
		if err != nil {
			return nil, err
		}
		p.Analysis = append(p.Analysis, s)
	}

	filters, err := arrayField("filters", obj["filters"])
	if err != nil {
		return nil, err
	}
	p.Filters = make([]Filter, 0, len(filters))
	for i, f := range filters {
		field := fmt.Sprintf("filters[%d]", i)
		fobj, ok := f.(map[string]any)
		if !ok {
			return nil, invalid(field, "must be an object")
		}
		if err := checkKeys(field, fobj, filterKeys); err != nil {
			return nil, err
		}
		var filter Filter
		if filter.Field, err = stringField(field+".field", fobj["field"]); err != nil {
			return nil, err
		}
		if filter.Op, err = stringField(field+".op", fobj["op"]); err != nil {
			return nil, err
		}
		switch v := fobj["value"].(type) {
		case string:
			filter.Value = v
		default:
			num, ok := toFloat(v)
			if !ok {
				return nil, invalid(field+".value", "must be a string or number, got %T", v)
			}
			filter.Value = num
		}
		p.Filters = append(p.Filters, filter)
	}

	mode, err := stringField("response_mode", obj["response_mode"])
	if err != nil {
		return nil, err
	}
	p.ResponseMode = ResponseMode(mode)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	sortBreakdowns(p.Breakdowns)
	return &p, nil
}

// Validate checks enum membership and the per-metric breakdown compatibility of a typed plan.
func (p *Plan) Validate() error {
	if p == nil {
		return invalid("plan", "is missing")
	}
	if strings.TrimSpace(p.Game) == "" {
		return invalid("game", "must not be empty")
	}
	if !p.Metric.Valid() {
		return invalid("metric", "unsupported metric %q", p.Metric)
	}
	if !p.Granularity.Valid() {
		return invalid("granularity", "unsupported granularity %q", p.Granularity)
	}
	if p.TimeRange.Type != TimeRangeLastNDays {
		return invalid("time_range.type", "unsupported time range type %q", p.TimeRange.Type)
	}
	if p.TimeRange.N <= 0 {
		return invalid("time_range.n", "must be a positive integer, got %d", p.TimeRange.N)
	}
	seen := make(map[Breakdown]bool, len(p.Breakdowns))
	for i, b := range p.Breakdowns {
		field := fmt.Sprintf("breakdowns[%d]", i)
		if !b.Valid() {
			return invalid(field, "unsupported breakdown %q", b)
		}
		if !p.Metric.SupportsBreakdown(b) {
			return invalid(field, "unsupported breakdown %q for metric %q", b, p.Metric)
		}
		if seen[b] {
			return invalid(field, "duplicate breakdown %q", b)
		}
		seen[b] = true
	}
	if !p.Comparison.Type.Valid() {
		return invalid("comparison.type", "unsupported comparison %q", p.Comparison.Type)
	}
	for i, f := range p.Filters {
		field := fmt.Sprintf("filters[%d]", i)
		if f.Field == "" {
			return invalid(field+".field", "must not be empty")
		}
		if f.Op == "" {
			return invalid(field+".op", "must not be empty")
		}
		switch f.Value.(type) {
		case string, float64:
		default:
			return invalid(field+".value", "must be a string or number, got %T", f.Value)
		}
	}
	if !p.ResponseMode.Valid() {
		return invalid("response_mode", "unsupported response mode %q", p.ResponseMode)
	}
	return nil
}

// ValidateResult checks the shape of an executor result before it is narrated or returned.
func ValidateResult(r *Result) error {
	if r == nil {
		return invalid("result", "is missing")
	}
	if r.Context.TenantID == "" {
		return invalid("context.tenant_id", "must not be empty")
	}
	plan := &r.Context.Plan
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("context.plan: %w", err)
	}
	if !r.Confidence.Valid() {
		return invalid("confidence", "unsupported confidence %q", r.Confidence)
	}

	if err := checkFinite("summary.value", r.Summary.Value); err != nil {
		return err
	}
	for name, v := range map[string]*float64{
		"summary.previous":  r.Summary.Previous,
		"summary.change":    r.Summary.Change,
		"summary.changePct": r.Summary.ChangePct,
	} {
		if v != nil {
			if err := checkFinite(name, *v); err != nil {
				return err
			}
		}
	}
	if r.Summary.Previous != nil && *r.Summary.Previous == 0 && r.Summary.ChangePct != nil {
		return invalid("summary.changePct", "must be null when previous is 0")
	}
	if r.Summary.Previous == nil && (r.Summary.Change != nil || r.Summary.ChangePct != nil) {
		return invalid("summary.change", "must be null without a previous value")
	}

	var last time.Time
	for i, pt := range r.Timeseries {
		field := fmt.Sprintf("timeseries[%d]", i)
		d, err := time.Parse(DateLayout, pt.Date)
		if err != nil {
			return invalid(field+".date", "must be YYYY-MM-DD, got %q", pt.Date)
		}
		if i > 0 && !d.After(last) {
			return invalid(field+".date", "must be ascending, got %s after %s", pt.Date, last.Format(DateLayout))
		}
		last = d
		if err := checkFinite(field+".value", pt.Value); err != nil {
			return err
		}
	}

	if !plan.HasBreakdowns() && len(r.BreakdownTable) > 0 {
		return invalid("breakdown_table", "must be empty without breakdowns")
	}
	for i, row := range r.BreakdownTable {
		field := fmt.Sprintf("breakdown_table[%d]", i)
		if err := checkDimensions(field, row.Dimensions, plan.Breakdowns); err != nil {
			return err
		}
		if err := checkFinite(field+".value", row.Value); err != nil {
			return err
		}
		if i > 0 && row.Value > r.BreakdownTable[i-1].Value {
			return invalid(field+".value", "breakdown table must be sorted by descending value")
		}
	}

	if len(r.Attribution) > 0 && (!plan.ComparesPreviousPeriod() || !plan.HasBreakdowns()) {
		return invalid("attribution", "must be empty without comparison and breakdowns")
	}
	for i, row := range r.Attribution {
		field := fmt.Sprintf("attribution[%d]", i)
		if err := checkDimensions(field, row.Dimensions, plan.Breakdowns); err != nil {
			return err
		}
		for name, v := range map[string]float64{"current": row.Current, "previous": row.Previous, "delta": row.Delta} {
			if err := checkFinite(field+"."+name, v); err != nil {
				return err
			}
		}
		if i > 0 && math.Abs(row.Delta) > math.Abs(r.Attribution[i-1].Delta) {
			return invalid(field+".delta", "attribution must be sorted by descending absolute delta")
		}
	}

	if plan.HasBreakdowns() && len(r.Attribution) == 0 && r.Confidence != ConfidenceLow {
		return invalid("confidence", "must be low when breakdowns have no attribution")
	}
	return nil
}

func checkKeys(field string, obj map[string]any, allowed []string) error {
	var unknown []string
	for k := range obj {
		if !slices.Contains(allowed, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return invalid(field, "unknown key %q", unknown[0])
	}
	for _, k := range allowed {
		if _, ok := obj[k]; !ok {
			return invalid(field, "missing key %q", k)
		}
	}
	return nil
}

func checkDimensions(field string, dims Dimensions, breakdowns []Breakdown) error {
	if len(dims) != len(breakdowns) {
		return invalid(field, "must carry exactly the fields %v", breakdowns)
	}
	for _, b := range breakdowns {
		if _, ok := dims[b]; !ok {
			return invalid(field, "missing breakdown field %q", b)
		}
	}
	return nil
}

func checkFinite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid(field, "must be a finite number")
	}
	return nil
}

func stringField(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", invalid(field, "must be a string, got %T", v)
	}
	return s, nil
}

func arrayField(field string, v any) ([]any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, invalid(field, "must be an array, got %T", v)
	}
	return arr, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
