package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/malbeclabs/insights/internal/llm"
	"github.com/malbeclabs/insights/internal/query"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	CompleteJSONFunc func(ctx context.Context, prompt string, maxTokens int64) (string, error)
	calls            int
}

func (m *mockLLM) CompleteJSON(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	m.calls++
	return m.CompleteJSONFunc(ctx, prompt, maxTokens)
}

func (m *mockLLM) CompleteText(context.Context, string, int64) (string, error) {
	return "", errors.New("not used")
}

const validPlanJSON = `{
  "game": "Space Miners",
  "metric": "revenue",
  "granularity": "day",
  "time_range": {"type": "last_n_days", "n": 7},
  "breakdowns": ["country"],
  "comparison": {"type": "previous_period"},
  "analysis": ["trend", "top_contributors"],
  "filters": [],
  "response_mode": "short"
}`

func newTestPlanner(t *testing.T, m *mockLLM) *Planner {
	t.Helper()
	p, err := New(&Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), LLM: m})
	require.NoError(t, err)
	return p
}

func TestPlanner_New_Validates(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{LLM: &mockLLM{}})
	require.Error(t, err)
	_, err = New(&Config{Logger: slog.Default()})
	require.Error(t, err)

	cfg := &Config{Logger: slog.Default(), LLM: &mockLLM{}}
	_, err = New(cfg)
	require.NoError(t, err)
	require.Equal(t, int64(defaultMaxTokens), cfg.MaxTokens)
}

func TestPlanner_Plan(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 19, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		name     string
		response string
		llmErr   error
		wantErr  error
	}{
		{name: "raw JSON", response: validPlanJSON},
		{name: "json fence", response: "Here you go:\n```json\n" + validPlanJSON + "\n```\n"},
		{name: "generic fence", response: "```\n" + validPlanJSON + "\n```"},
		{name: "prose around object", response: "Plan: " + validPlanJSON + " Hope this helps."},
		{name: "no JSON", response: "I cannot answer that.", wantErr: query.ErrSchemaValidation},
		{name: "unbalanced JSON", response: `{"game": "g"`, wantErr: query.ErrSchemaValidation},
		{
			name:     "extra key",
			response: `{"game":"g","metric":"dau","granularity":"day","time_range":{"type":"last_n_days","n":7},"breakdowns":[],"comparison":{"type":"none"},"analysis":[],"filters":[],"response_mode":"short","sql":"SELECT 1"}`,
			wantErr:  query.ErrSchemaValidation,
		},
		{
			name:     "unsupported breakdown",
			response: `{"game":"g","metric":"arpdau","granularity":"day","time_range":{"type":"last_n_days","n":7},"breakdowns":["country"],"comparison":{"type":"none"},"analysis":[],"filters":[],"response_mode":"short"}`,
			wantErr:  query.ErrSchemaValidation,
		},
		{name: "disabled", llmErr: llm.ErrDisabled, wantErr: llm.ErrDisabled},
		{name: "no response", llmErr: llm.ErrNoResponse, wantErr: llm.ErrNoResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotPrompt string
			m := &mockLLM{CompleteJSONFunc: func(_ context.Context, prompt string, _ int64) (string, error) {
				gotPrompt = prompt
				return tt.response, tt.llmErr
			}}
			p := newTestPlanner(t, m)

			plan, err := p.Plan(t.Context(), "How did revenue change by country this week?", now)
			require.Equal(t, 1, m.calls, "planner must not retry")
			require.Contains(t, gotPrompt, "Today is 2026-10-19")
			require.Contains(t, gotPrompt, "How did revenue change by country this week?")

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Nil(t, plan)
				return
			}
			require.NoError(t, err)
			require.Equal(t, query.MetricRevenue, plan.Metric)
			require.Equal(t, 7, plan.TimeRange.N)
			require.Equal(t, []query.Breakdown{query.BreakdownCountry}, plan.Breakdowns)
		})
	}
}

func TestPlanner_Prompt_EmbedsVocabulary(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(t, &mockLLM{})
	prompt := buildPrompt(p.schema, "q", time.Date(2026, 1, 2, 23, 0, 0, 0, time.FixedZone("X", -5*3600)))

	require.Contains(t, prompt, "Today is 2026-01-03")
	require.Contains(t, prompt, "- arpdau: (none)")
	require.Contains(t, prompt, "- dau: country, platform")
	require.Contains(t, prompt, `"response_mode"`)
	require.Contains(t, prompt, `"time_range"`)
}

func TestPlanner_ExtractPlanJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "raw", in: `{"a":1}`, want: `{"a":1}`},
		{name: "json fence", in: "Here you go:\n```json\n{\"a\":1}\n```\nThanks.", want: `{"a":1}`},
		{name: "generic fence", in: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "fence preferred over prose", in: "{\"draft\":true} then\n```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "braces in strings", in: `x {"a":"}{","b":{"c":"\"}"}} y`, want: `{"a":"}{","b":{"c":"\"}"}}`},
		{name: "trailing prose and objects", in: `{"a":{"b":{}}} trailing {"c":2}`, want: `{"a":{"b":{}}}`},
		{name: "malformed prefix skipped", in: `{oops} {"a":1}`, want: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := extractPlanJSON(tt.in)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(got))
		})
	}

	for _, in := range []string{"no json here", `{"a":{`, "```\nnope\n```"} {
		_, err := extractPlanJSON(in)
		require.ErrorIs(t, err, errNoJSONObject, in)
	}
}
