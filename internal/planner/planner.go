// Package planner compiles a free-text analytics question into a validated
// query plan with a single structured completion. It never repairs or
// retries a rejected plan.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/insights/internal/llm"
	"github.com/malbeclabs/insights/internal/query"
)

const defaultMaxTokens = 1024

type Config struct {
	Logger    *slog.Logger
	LLM       llm.TextCompletion
	MaxTokens int64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("LLM client is required")
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return nil
}

type Planner struct {
	cfg    *Config
	log    *slog.Logger
	schema string
}

func New(cfg *Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	schema, err := jsonschema.For[query.Plan](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate plan schema: %w", err)
	}
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan schema: %w", err)
	}

	return &Planner{
		cfg:    cfg,
		log:    cfg.Logger,
		schema: string(schemaJSON),
	}, nil
}

// Plan asks the model for a plan anchored at now and validates it.
func (p *Planner) Plan(ctx context.Context, question string, now time.Time) (*query.Plan, error) {
	prompt := buildPrompt(p.schema, question, now)

	start := time.Now()
	response, err := p.cfg.LLM.CompleteJSON(ctx, prompt, p.cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("plan completion failed: %w", err)
	}
	p.log.Debug("planner: completion received", "duration", time.Since(start), "responseLen", len(response))

	raw, err := extractPlanJSON(response)
	if err != nil {
		p.log.Warn("planner: no JSON object in completion", "responsePreview", truncate(response, 500))
		return nil, &query.ValidationError{Field: "plan", Reason: err.Error()}
	}

	plan, err := query.ParsePlan(raw)
	if err != nil {
		p.log.Warn("planner: rejected plan", "error", err, "jsonPreview", truncate(string(raw), 500))
		return nil, err
	}

	p.log.Info("planner: compiled plan",
		"metric", plan.Metric,
		"n", plan.TimeRange.N,
		"granularity", plan.Granularity,
		"breakdowns", plan.Breakdowns,
		"comparison", plan.Comparison.Type,
	)
	return plan, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
