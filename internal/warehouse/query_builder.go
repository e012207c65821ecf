package warehouse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/malbeclabs/insights/internal/query"
)

// Dialect selects the SQL flavour of a warehouse backend.
type Dialect string

const (
	DialectClickHouse Dialect = "clickhouse"
	DialectDuckDB     Dialect = "duckdb"
)

// filterOps maps accepted plan filter operators to SQL.
var filterOps = map[string]string{
	"=":  "=",
	"==": "=",
	"!=": "!=",
	"<>": "!=",
}

// bucketExpr renders the bucket start of col as a YYYY-MM-DD string.
func (d Dialect) bucketExpr(col string, g query.Granularity) string {
	switch d {
	case DialectDuckDB:
		if g == query.GranularityWeek {
			return fmt.Sprintf("strftime(date_trunc('week', %s), '%%Y-%%m-%%d')", col)
		}
		return fmt.Sprintf("strftime(%s, '%%Y-%%m-%%d')", col)
	default:
		if g == query.GranularityWeek {
			return fmt.Sprintf("toString(toMonday(%s))", col)
		}
		return fmt.Sprintf("toString(%s)", col)
	}
}

func (d Dialect) floatExpr(expr string) string {
	if d == DialectDuckDB {
		return fmt.Sprintf("CAST(%s AS DOUBLE)", expr)
	}
	return fmt.Sprintf("toFloat64(%s)", expr)
}

func (d Dialect) dateParam() string {
	if d == DialectDuckDB {
		return "CAST(? AS DATE)"
	}
	return "toDate(?)"
}

// buildRollupQuery renders the bucketed aggregate of r for req. Identifiers
// come only from the rollup table and the breakdown enum; every value is a
// bind argument. Result columns are bucket, one per breakdown, value.
func buildRollupQuery(d Dialect, r rollup, req query.SeriesRequest) (string, []any, error) {
	for _, b := range req.Breakdowns {
		if !r.hasDimension(b) {
			return "", nil, fmt.Errorf("%w: %s has no %q dimension", ErrUnsupportedBreakdown, r.Table, b)
		}
	}

	where := []string{
		"tenant_id = ?",
		fmt.Sprintf("%s >= %s", r.DateColumn, d.dateParam()),
		fmt.Sprintf("%s <= %s", r.DateColumn, d.dateParam()),
	}
	args := []any{
		req.TenantID,
		req.Start.Format(query.DateLayout),
		req.End.Format(query.DateLayout),
	}
	if r.Filter != "" {
		where = append(where, r.Filter)
	}
	for _, f := range req.Filters {
		b := query.Breakdown(f.Field)
		if !r.hasDimension(b) {
			return "", nil, fmt.Errorf("%w: %s has no %q dimension", ErrUnsupportedFilter, r.Table, f.Field)
		}
		op, ok := filterOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("%w: operator %q", ErrUnsupportedFilter, f.Op)
		}
		where = append(where, fmt.Sprintf("%s %s ?", b, op))
		args = append(args, filterValue(f.Value))
	}

	selectCols := []string{d.bucketExpr(r.DateColumn, req.Granularity) + " AS bucket"}
	groupCols := []string{"bucket"}
	for _, b := range req.Breakdowns {
		selectCols = append(selectCols, string(b))
		groupCols = append(groupCols, string(b))
	}
	selectCols = append(selectCols, d.floatExpr(r.ValueExpr)+" AS value")

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selectCols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(r.Table)
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(where, " AND "))
	sb.WriteString(" GROUP BY ")
	sb.WriteString(strings.Join(groupCols, ", "))
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(groupCols, ", "))

	return sb.String(), args, nil
}

func filterValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
