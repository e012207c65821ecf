// Package executor turns a validated plan into metric computations: summary,
// time series, breakdown table and period-over-period attribution.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/insights/internal/query"
)

const defaultPoolSize = 16

// MetricTimeseriesSource serves bucketed metric series from the warehouse.
type MetricTimeseriesSource interface {
	FetchMetricTimeseries(ctx context.Context, req query.SeriesRequest) ([]query.SeriesRow, error)
}

type Config struct {
	Logger *slog.Logger
	Source MetricTimeseriesSource
	Clock  clockwork.Clock
	// PoolSize bounds concurrent source fetches across all executions.
	PoolSize int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Source == nil {
		return errors.New("metric source is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.PoolSize < 0 {
		return errors.New("pool size must be positive")
	}
	return nil
}

type Executor struct {
	cfg  *Config
	log  *slog.Logger
	pool pond.ResultPool[[]query.SeriesRow]
}

func New(cfg *Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		cfg:  cfg,
		log:  cfg.Logger,
		pool: pond.NewResultPool[[]query.SeriesRow](cfg.PoolSize),
	}, nil
}

// Close waits for in-flight fetches and stops the worker pool.
func (e *Executor) Close() {
	e.pool.StopAndWait()
}

// window is an inclusive range of UTC days.
type window struct {
	start, end time.Time
}

// currentWindow is the n days ending today.
func currentWindow(now time.Time, n int) window {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return window{start: end.AddDate(0, 0, -(n - 1)), end: end}
}

// previous is the window of equal length ending the day before w starts.
func (w window) previous(n int) window {
	end := w.start.AddDate(0, 0, -1)
	return window{start: end.AddDate(0, 0, -(n - 1)), end: end}
}

// Execute computes the result of plan for tenantID. All source fetches run
// concurrently; any source error fails the execution.
func (e *Executor) Execute(ctx context.Context, question, tenantID string, plan *query.Plan) (*query.Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	n := plan.TimeRange.N
	current := currentWindow(e.cfg.Clock.Now(), n)
	windows := []window{current}
	if plan.ComparesPreviousPeriod() {
		windows = append(windows, current.previous(n))
	}

	// Per window: the unbroken-down series, then the broken-down one if requested.
	var reqs []query.SeriesRequest
	for _, w := range windows {
		base := query.SeriesRequest{
			TenantID:    tenantID,
			Metric:      plan.Metric,
			Start:       w.start,
			End:         w.end,
			Granularity: plan.Granularity,
			Filters:     plan.Filters,
		}
		reqs = append(reqs, base)
		if plan.HasBreakdowns() {
			reqs = append(reqs, base.WithBreakdowns(plan.Breakdowns))
		}
	}

	start := e.cfg.Clock.Now()
	group := e.pool.NewGroupContext(ctx)
	for _, req := range reqs {
		group.SubmitErr(func() ([]query.SeriesRow, error) {
			return e.cfg.Source.FetchMetricTimeseries(ctx, req)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metric series: %w", err)
	}
	e.log.Debug("executor: fetched series", "fetches", len(reqs), "duration", e.cfg.Clock.Since(start))

	perWindow := 1
	if plan.HasBreakdowns() {
		perWindow = 2
	}
	curTotal := results[0]
	var curGroups, prevTotal, prevGroups []query.SeriesRow
	if plan.HasBreakdowns() {
		curGroups = results[1]
	}
	if plan.ComparesPreviousPeriod() {
		prevTotal = results[perWindow]
		if plan.HasBreakdowns() {
			prevGroups = results[perWindow+1]
		}
	}

	series := timeseries(plan.Metric, curTotal)

	result := &query.Result{
		Question: question,
		Context: query.ResultContext{
			TenantID: tenantID,
			Plan:     *plan,
		},
		Summary:        query.Summary{Value: aggregate(plan.Metric, seriesValues(series))},
		Timeseries:     series,
		BreakdownTable: []query.BreakdownRow{},
		Attribution:    []query.AttributionRow{},
	}

	if plan.ComparesPreviousPeriod() {
		previous := aggregate(plan.Metric, seriesValues(timeseries(plan.Metric, prevTotal)))
		result.Summary = summarize(result.Summary.Value, previous)
	}

	if plan.HasBreakdowns() {
		result.BreakdownTable = breakdownTable(plan.Metric, plan.Breakdowns, curGroups)
		if plan.ComparesPreviousPeriod() {
			prevTable := breakdownTable(plan.Metric, plan.Breakdowns, prevGroups)
			result.Attribution = attribution(plan.Breakdowns, result.BreakdownTable, prevTable)
		}
	}

	result.Confidence = query.ConfidenceHigh
	if plan.HasBreakdowns() && len(result.Attribution) == 0 {
		result.Confidence = query.ConfidenceLow
	}

	e.log.Info("executor: executed plan",
		"tenant", tenantID,
		"metric", plan.Metric,
		"window", fmt.Sprintf("%s..%s", current.start.Format(query.DateLayout), current.end.Format(query.DateLayout)),
		"buckets", len(series),
		"groups", len(result.BreakdownTable),
		"confidence", result.Confidence,
	)
	return result, nil
}
