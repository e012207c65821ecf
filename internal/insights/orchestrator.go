// Package insights answers a tenant's free-text analytics question: it plans,
// executes and narrates with plan and result caching in between.
package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/insights/internal/cache"
	"github.com/malbeclabs/insights/internal/llm"
	"github.com/malbeclabs/insights/internal/narration"
	"github.com/malbeclabs/insights/internal/query"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultPlanTTL        = time.Hour
	defaultResultTTL      = 5 * time.Minute
	defaultRequestTimeout = 60 * time.Second

	shortNarrationTokens = 400
	deepNarrationTokens  = 1200
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrRequestTimeout = errors.New("request timed out")
)

var confidenceScores = map[query.Confidence]float64{
	query.ConfidenceHigh:   0.9,
	query.ConfidenceMedium: 0.6,
	query.ConfidenceLow:    0.3,
}

type Planner interface {
	Plan(ctx context.Context, question string, now time.Time) (*query.Plan, error)
}

type Executor interface {
	Execute(ctx context.Context, question, tenantID string, plan *query.Plan) (*query.Result, error)
}

type Narrator interface {
	Narrate(ctx context.Context, result *query.Result, maxTokens int64) (*narration.Narration, error)
}

type Config struct {
	Logger   *slog.Logger
	Planner  Planner
	Executor Executor
	Narrator Narrator
	Clock    clockwork.Clock
	Metrics  *Metrics

	PlanTTL        time.Duration
	ResultTTL      time.Duration
	RequestTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Planner == nil {
		return errors.New("planner is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.Narrator == nil {
		return errors.New("narrator is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if c.PlanTTL == 0 {
		c.PlanTTL = defaultPlanTTL
	}
	if c.ResultTTL == 0 {
		c.ResultTTL = defaultResultTTL
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.PlanTTL < 0 || c.ResultTTL < 0 || c.RequestTimeout < 0 {
		return errors.New("durations must be positive")
	}
	return nil
}

type Request struct {
	Question string `json:"question"`
	TenantID string `json:"tenantId"`
}

type Response struct {
	Response   string        `json:"response"`
	Confidence float64       `json:"confidence"`
	Data       *query.Result `json:"data"`
	TraceID    string        `json:"traceId"`
	LatencyMs  int64         `json:"latencyMs"`
}

// Orchestrator owns the plan and result caches. Plans are cached per
// normalized question across tenants; results per tenant and plan.
type Orchestrator struct {
	cfg     *Config
	log     *slog.Logger
	plans   *cache.Store[*query.Plan]
	results *cache.Store[*query.Result]
}

func New(cfg *Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger,
		plans:   cache.NewStore[*query.Plan](cfg.PlanTTL),
		results: cache.NewStore[*query.Result](cfg.ResultTTL),
	}
	o.plans.Start()
	o.results.Start()
	return o, nil
}

// Flush empties both caches.
func (o *Orchestrator) Flush() {
	o.plans.Flush()
	o.results.Flush()
	o.log.Info("orchestrator: caches flushed")
}

func (o *Orchestrator) Close() {
	o.plans.Stop()
	o.results.Stop()
}

// Ask runs one question through plan, execute and narrate under a single
// deadline. It either returns a complete response or fails; a narration that
// fails verification is replaced, never surfaced as an error.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Response, error) {
	traceID := uuid.NewString()
	start := o.cfg.Clock.Now()
	log := o.log.With("traceId", traceID, "tenant", req.TenantID)

	resp, err := o.ask(ctx, log, traceID, req)
	o.cfg.Metrics.RequestDuration.Observe(o.cfg.Clock.Since(start).Seconds())
	if err != nil {
		outcome := outcomeOf(err)
		o.cfg.Metrics.RequestsTotal.WithLabelValues(outcome).Inc()
		log.Warn("orchestrator: request failed", "outcome", outcome, "error", err)
		return nil, err
	}
	o.cfg.Metrics.RequestsTotal.WithLabelValues(OutcomeOK).Inc()

	resp.TraceID = traceID
	resp.LatencyMs = o.cfg.Clock.Since(start).Milliseconds()
	log.Info("orchestrator: request answered", "confidence", resp.Data.Confidence, "latencyMs", resp.LatencyMs)
	return resp, nil
}

func (o *Orchestrator) ask(parent context.Context, log *slog.Logger, traceID string, req Request) (*Response, error) {
	question := strings.TrimSpace(req.Question)
	tenantID := strings.TrimSpace(req.TenantID)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantId is required", ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(parent, o.cfg.RequestTimeout)
	defer cancel()

	plan, err := o.plan(ctx, log, question)
	if err != nil {
		return nil, o.stageError(parent, "plan", err)
	}

	result, err := o.result(ctx, log, question, tenantID, plan)
	if err != nil {
		return nil, o.stageError(parent, "execute", err)
	}

	maxTokens := int64(shortNarrationTokens)
	if plan.ResponseMode == query.ResponseModeDeep {
		maxTokens = deepNarrationTokens
	}
	narrated, err := o.cfg.Narrator.Narrate(ctx, result, maxTokens)
	if err != nil {
		return nil, o.stageError(parent, "narrate", err)
	}
	if !narrated.Verified {
		o.cfg.Metrics.NarrationFallbacksTotal.WithLabelValues(narrated.Reason).Inc()
		log.Warn("orchestrator: narration replaced by fallback", "reason", narrated.Reason, "unknown", narrated.Unknown)
	}

	return &Response{
		Response:   narrated.Text,
		Confidence: confidenceScores[result.Confidence],
		Data:       result,
	}, nil
}

func (o *Orchestrator) plan(ctx context.Context, log *slog.Logger, question string) (*query.Plan, error) {
	key := cache.PlanKey(question)
	if plan, ok := o.plans.Get(key); ok {
		o.cfg.Metrics.cacheLookup("plan", true)
		log.Debug("orchestrator: plan cache hit")
		return plan, nil
	}
	o.cfg.Metrics.cacheLookup("plan", false)

	plan, err := o.cfg.Planner.Plan(ctx, question, o.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	o.plans.Set(key, plan, o.cfg.PlanTTL)
	log.Debug("orchestrator: plan compiled", "metric", plan.Metric, "n", plan.TimeRange.N)
	return plan, nil
}

func (o *Orchestrator) result(ctx context.Context, log *slog.Logger, question, tenantID string, plan *query.Plan) (*query.Result, error) {
	key, err := cache.ResultKey(tenantID, plan)
	if err != nil {
		return nil, err
	}

	result, ok := o.results.Get(key)
	o.cfg.Metrics.cacheLookup("result", ok)
	if ok {
		log.Debug("orchestrator: result cache hit")
		hit := *result
		hit.Question = question
		result = &hit
	} else {
		result, err = o.cfg.Executor.Execute(ctx, question, tenantID, plan)
		if err != nil {
			return nil, err
		}
	}

	if err := query.ValidateResult(result); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	if !ok {
		o.results.Set(key, result, o.cfg.ResultTTL)
	}
	return result, nil
}

// stageError marks errors caused by the request deadline, as opposed to the
// caller going away, with ErrRequestTimeout.
func (o *Orchestrator) stageError(parent context.Context, stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w after %s during %s: %w", ErrRequestTimeout, o.cfg.RequestTimeout, stage, err)
	}
	return fmt.Errorf("%s failed: %w", stage, err)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return OutcomeInvalidRequest
	case errors.Is(err, ErrRequestTimeout):
		return OutcomeTimeout
	case errors.Is(err, query.ErrSchemaValidation):
		return OutcomeSchemaError
	case errors.Is(err, llm.ErrDisabled):
		return OutcomeDisabled
	default:
		return OutcomeError
	}
}
