package insights

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/insights/internal/llm"
	"github.com/malbeclabs/insights/internal/narration"
	"github.com/malbeclabs/insights/internal/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type mockPlanner struct {
	PlanFunc func(ctx context.Context, question string, now time.Time) (*query.Plan, error)
	calls    atomic.Int32
}

func (m *mockPlanner) Plan(ctx context.Context, question string, now time.Time) (*query.Plan, error) {
	m.calls.Add(1)
	return m.PlanFunc(ctx, question, now)
}

type mockExecutor struct {
	ExecuteFunc func(ctx context.Context, question, tenantID string, plan *query.Plan) (*query.Result, error)
	calls       atomic.Int32
}

func (m *mockExecutor) Execute(ctx context.Context, question, tenantID string, plan *query.Plan) (*query.Result, error) {
	m.calls.Add(1)
	return m.ExecuteFunc(ctx, question, tenantID, plan)
}

type mockNarrator struct {
	NarrateFunc func(ctx context.Context, result *query.Result, maxTokens int64) (*narration.Narration, error)
	maxTokens   atomic.Int64
}

func (m *mockNarrator) Narrate(ctx context.Context, result *query.Result, maxTokens int64) (*narration.Narration, error) {
	m.maxTokens.Store(maxTokens)
	return m.NarrateFunc(ctx, result, maxTokens)
}

func ptr(v float64) *float64 { return &v }

func testPlan() *query.Plan {
	return &query.Plan{
		Game:         "Space Miners",
		Metric:       query.MetricRevenue,
		Granularity:  query.GranularityDay,
		TimeRange:    query.TimeRange{Type: query.TimeRangeLastNDays, N: 7},
		Breakdowns:   []query.Breakdown{},
		Comparison:   query.Comparison{Type: query.ComparisonPreviousPeriod},
		Analysis:     []string{"trend"},
		Filters:      []query.Filter{},
		ResponseMode: query.ResponseModeShort,
	}
}

func testResult(question, tenantID string, plan *query.Plan) *query.Result {
	return &query.Result{
		Question:       question,
		Context:        query.ResultContext{TenantID: tenantID, Plan: *plan},
		Summary:        query.Summary{Value: 700, Previous: ptr(500), Change: ptr(200), ChangePct: ptr(40)},
		Timeseries:     []query.SeriesPoint{{Date: "2026-10-19", Value: 700}},
		BreakdownTable: []query.BreakdownRow{},
		Attribution:    []query.AttributionRow{},
		Confidence:     query.ConfidenceHigh,
	}
}

type fixture struct {
	planner  *mockPlanner
	executor *mockExecutor
	narrator *mockNarrator
	clock    *clockwork.FakeClock
	metrics  *Metrics
	o        *Orchestrator
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		planner: &mockPlanner{PlanFunc: func(context.Context, string, time.Time) (*query.Plan, error) {
			return testPlan(), nil
		}},
		executor: &mockExecutor{ExecuteFunc: func(_ context.Context, question, tenantID string, plan *query.Plan) (*query.Result, error) {
			return testResult(question, tenantID, plan), nil
		}},
		narrator: &mockNarrator{NarrateFunc: func(context.Context, *query.Result, int64) (*narration.Narration, error) {
			return &narration.Narration{Text: "Revenue is 700, up from 500.", Verified: true}, nil
		}},
		clock:   clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	cfg := &Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Planner:  f.planner,
		Executor: f.executor,
		Narrator: f.narrator,
		Clock:    f.clock,
		Metrics:  f.metrics,
	}
	for _, m := range mutate {
		m(cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	f.o = o
	return f
}

func TestInsights_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := &Config{Logger: slog.Default(), Planner: &mockPlanner{}, Executor: &mockExecutor{}, Narrator: &mockNarrator{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, time.Hour, cfg.PlanTTL)
	require.Equal(t, 5*time.Minute, cfg.ResultTTL)
	require.Equal(t, 60*time.Second, cfg.RequestTimeout)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.Metrics)

	require.Error(t, (&Config{Planner: &mockPlanner{}, Executor: &mockExecutor{}, Narrator: &mockNarrator{}}).Validate())
	require.Error(t, (&Config{Logger: slog.Default(), Executor: &mockExecutor{}, Narrator: &mockNarrator{}}).Validate())
	require.Error(t, (&Config{Logger: slog.Default(), Planner: &mockPlanner{}, Narrator: &mockNarrator{}}).Validate())
	require.Error(t, (&Config{Logger: slog.Default(), Planner: &mockPlanner{}, Executor: &mockExecutor{}}).Validate())
	require.Error(t, (&Config{Logger: slog.Default(), Planner: &mockPlanner{}, Executor: &mockExecutor{}, Narrator: &mockNarrator{}, ResultTTL: -1}).Validate())
}

func TestInsights_Ask_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.planner.PlanFunc = func(_ context.Context, _ string, now time.Time) (*query.Plan, error) {
		require.Equal(t, "2026-10-19", now.Format(query.DateLayout))
		f.clock.Advance(250 * time.Millisecond)
		return testPlan(), nil
	}

	resp, err := f.o.Ask(t.Context(), Request{Question: "How did revenue change?", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Equal(t, "Revenue is 700, up from 500.", resp.Response)
	require.Equal(t, 0.9, resp.Confidence)
	require.Equal(t, "tenant-1", resp.Data.Context.TenantID)
	require.Equal(t, "How did revenue change?", resp.Data.Question)
	require.Len(t, resp.TraceID, 36)
	require.Equal(t, int64(250), resp.LatencyMs)
	require.Equal(t, int64(shortNarrationTokens), f.narrator.maxTokens.Load())

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RequestsTotal.WithLabelValues(OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("plan", "miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("result", "miss")))
	require.Equal(t, 1, testutil.CollectAndCount(f.metrics.RequestDuration))
}

func TestInsights_Ask_TraceIDsAreUnique(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, err := f.o.Ask(t.Context(), Request{Question: "revenue", TenantID: "tenant-1"})
	require.NoError(t, err)
	b, err := f.o.Ask(t.Context(), Request{Question: "revenue", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.NotEqual(t, a.TraceID, b.TraceID)
}

func TestInsights_Ask_Caching(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	_, err := f.o.Ask(ctx, Request{Question: "Show revenue!", TenantID: "tenant-1"})
	require.NoError(t, err)
	// Same normalized question, same tenant: both caches hit.
	_, err = f.o.Ask(ctx, Request{Question: "show REVENUE", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Equal(t, int32(1), f.planner.calls.Load())
	require.Equal(t, int32(1), f.executor.calls.Load())

	// Plans are shared across tenants, results are not.
	resp, err := f.o.Ask(ctx, Request{Question: "show revenue", TenantID: "tenant-2"})
	require.NoError(t, err)
	require.Equal(t, "tenant-2", resp.Data.Context.TenantID)
	require.Equal(t, int32(1), f.planner.calls.Load())
	require.Equal(t, int32(2), f.executor.calls.Load())

	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("plan", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues("result", "hit")))

	f.o.Flush()
	_, err = f.o.Ask(ctx, Request{Question: "show revenue", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Equal(t, int32(2), f.planner.calls.Load())
	require.Equal(t, int32(3), f.executor.calls.Load())
}

func TestInsights_Ask_ResultCacheHitCarriesCurrentQuestion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var narrated []string
	f.narrator.NarrateFunc = func(_ context.Context, result *query.Result, _ int64) (*narration.Narration, error) {
		narrated = append(narrated, result.Question)
		return &narration.Narration{Text: "ok", Verified: true}, nil
	}
	ctx := t.Context()

	first, err := f.o.Ask(ctx, Request{Question: "How much revenue did we make?", TenantID: "tenant-1"})
	require.NoError(t, err)
	// A different phrasing compiles to the same plan and hits the result cache.
	second, err := f.o.Ask(ctx, Request{Question: "What was revenue?", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Equal(t, int32(2), f.planner.calls.Load())
	require.Equal(t, int32(1), f.executor.calls.Load())

	require.Equal(t, "How much revenue did we make?", first.Data.Question)
	require.Equal(t, "What was revenue?", second.Data.Question)
	require.Equal(t, []string{"How much revenue did we make?", "What was revenue?"}, narrated)

	third, err := f.o.Ask(ctx, Request{Question: "How much revenue did we make?", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Equal(t, "How much revenue did we make?", third.Data.Question)
}

func TestInsights_Ask_DeepModeUsesLargerNarrationBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.planner.PlanFunc = func(context.Context, string, time.Time) (*query.Plan, error) {
		p := testPlan()
		p.ResponseMode = query.ResponseModeDeep
		return p, nil
	}
	_, err := f.o.Ask(t.Context(), Request{Question: "explain revenue in detail", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Equal(t, int64(deepNarrationTokens), f.narrator.maxTokens.Load())
}

func TestInsights_Ask_NarrationFallbackIsCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.narrator.NarrateFunc = func(context.Context, *query.Result, int64) (*narration.Narration, error) {
		return &narration.Narration{Text: "fallback", Reason: narration.ReasonIntegrity, Unknown: []string{"850"}}, nil
	}
	resp, err := f.o.Ask(t.Context(), Request{Question: "revenue", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Equal(t, "fallback", resp.Response)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.NarrationFallbacksTotal.WithLabelValues(narration.ReasonIntegrity)))
}

func TestInsights_Ask_ConfidenceMapping(t *testing.T) {
	t.Parallel()

	for conf, want := range map[query.Confidence]float64{
		query.ConfidenceHigh:   0.9,
		query.ConfidenceMedium: 0.6,
		query.ConfidenceLow:    0.3,
	} {
		t.Run(string(conf), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.executor.ExecuteFunc = func(_ context.Context, q, tenant string, plan *query.Plan) (*query.Result, error) {
				r := testResult(q, tenant, plan)
				r.Confidence = conf
				return r, nil
			}
			resp, err := f.o.Ask(t.Context(), Request{Question: "revenue", TenantID: "tenant-1"})
			require.NoError(t, err)
			require.Equal(t, want, resp.Confidence)
		})
	}
}

func TestInsights_Ask_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("warehouse unavailable")

	tests := []struct {
		name    string
		req     Request
		setup   func(f *fixture)
		wantErr error
		outcome string
	}{
		{
			name:    "missing question",
			req:     Request{Question: "  ", TenantID: "tenant-1"},
			wantErr: ErrInvalidRequest,
			outcome: OutcomeInvalidRequest,
		},
		{
			name:    "missing tenant",
			req:     Request{Question: "revenue"},
			wantErr: ErrInvalidRequest,
			outcome: OutcomeInvalidRequest,
		},
		{
			name: "planner disabled",
			req:  Request{Question: "revenue", TenantID: "tenant-1"},
			setup: func(f *fixture) {
				f.planner.PlanFunc = func(context.Context, string, time.Time) (*query.Plan, error) {
					return nil, llm.ErrDisabled
				}
			},
			wantErr: llm.ErrDisabled,
			outcome: OutcomeDisabled,
		},
		{
			name: "invalid plan",
			req:  Request{Question: "dau by city", TenantID: "tenant-1"},
			setup: func(f *fixture) {
				f.planner.PlanFunc = func(context.Context, string, time.Time) (*query.Plan, error) {
					return nil, &query.ValidationError{Field: "breakdowns[0]", Reason: `unsupported breakdown "city"`}
				}
			},
			wantErr: query.ErrSchemaValidation,
			outcome: OutcomeSchemaError,
		},
		{
			name: "data source error",
			req:  Request{Question: "revenue", TenantID: "tenant-1"},
			setup: func(f *fixture) {
				f.executor.ExecuteFunc = func(context.Context, string, string, *query.Plan) (*query.Result, error) {
					return nil, boom
				}
			},
			wantErr: boom,
			outcome: OutcomeError,
		},
		{
			name: "malformed result",
			req:  Request{Question: "revenue", TenantID: "tenant-1"},
			setup: func(f *fixture) {
				f.executor.ExecuteFunc = func(_ context.Context, q, tenant string, plan *query.Plan) (*query.Result, error) {
					r := testResult(q, tenant, plan)
					r.Summary.ChangePct = nil
					r.Summary.Previous = nil
					return r, nil
				}
			},
			wantErr: query.ErrSchemaValidation,
			outcome: OutcomeSchemaError,
		},
		{
			name: "narration disabled",
			req:  Request{Question: "revenue", TenantID: "tenant-1"},
			setup: func(f *fixture) {
				f.narrator.NarrateFunc = func(context.Context, *query.Result, int64) (*narration.Narration, error) {
					return nil, llm.ErrDisabled
				}
			},
			wantErr: llm.ErrDisabled,
			outcome: OutcomeDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.o.Ask(t.Context(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RequestsTotal.WithLabelValues(tt.outcome)))
		})
	}
}

func TestInsights_Ask_MalformedResultIsNotCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	bad := true
	f.executor.ExecuteFunc = func(_ context.Context, q, tenant string, plan *query.Plan) (*query.Result, error) {
		r := testResult(q, tenant, plan)
		if bad {
			r.Confidence = "certain"
		}
		return r, nil
	}

	_, err := f.o.Ask(t.Context(), Request{Question: "revenue", TenantID: "tenant-1"})
	require.ErrorIs(t, err, query.ErrSchemaValidation)
	bad = false
	_, err = f.o.Ask(t.Context(), Request{Question: "revenue", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Equal(t, int32(2), f.executor.calls.Load())
}

func TestInsights_Ask_Timeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *Config) { cfg.RequestTimeout = 20 * time.Millisecond })
	f.executor.ExecuteFunc = func(ctx context.Context, _, _ string, _ *query.Plan) (*query.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.o.Ask(t.Context(), Request{Question: "revenue", TenantID: "tenant-1"})
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RequestsTotal.WithLabelValues(OutcomeTimeout)))
}

func TestInsights_Ask_CallerCancellationIsNotATimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.planner.PlanFunc = func(ctx context.Context, _ string, _ time.Time) (*query.Plan, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := f.o.Ask(ctx, Request{Question: "revenue", TenantID: "tenant-1"})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrRequestTimeout)
}
