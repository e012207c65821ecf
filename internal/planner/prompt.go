package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/insights/internal/query"
)

const planPromptTemplate = `Translate the analytics question below into a query plan.

Today is %s (UTC). Relative ranges such as "last 30 days" end today and include it.

VOCABULARY
- metric: %s
- granularity: day, week
- time_range: {"type": "last_n_days", "n": <positive integer>}
- breakdowns: zero or more of %s
- comparison: {"type": "none"} or {"type": "previous_period"}
- analysis: free-form list, usually "trend" and/or "top_contributors"
- filters: list of {"field": <breakdown dimension>, "op": "=" or "!=", "value": <string or number>}
- response_mode: "short" unless the user asks for detail, then "deep"

SUPPORTED BREAKDOWNS PER METRIC
%s
RULES
- Output every field of the schema and no other fields.
- Never request a breakdown the metric does not support.
- Use previous_period when the user asks what changed, why, or how it compares.
- Default to the last 7 days and day granularity when no range is given.

JSON SCHEMA
%s

QUESTION
%s

Respond with the JSON object only.`

func buildPrompt(schema, question string, now time.Time) string {
	metrics := make([]string, 0, len(query.Metrics()))
	var compat strings.Builder
	for _, m := range query.Metrics() {
		metrics = append(metrics, string(m))
		supported := m.SupportedBreakdowns()
		names := make([]string, len(supported))
		for i, b := range supported {
			names[i] = string(b)
		}
		if len(names) == 0 {
			names = []string{"(none)"}
		}
		fmt.Fprintf(&compat, "- %s: %s\n", m, strings.Join(names, ", "))
	}

	breakdowns := make([]string, 0, len(query.Breakdowns()))
	for _, b := range query.Breakdowns() {
		breakdowns = append(breakdowns, string(b))
	}

	return fmt.Sprintf(planPromptTemplate,
		now.UTC().Format(query.DateLayout),
		strings.Join(metrics, ", "),
		strings.Join(breakdowns, ", "),
		compat.String(),
		schema,
		question,
	)
}
