// Package narration asks the model to describe a computed result and guards
// the answer: a narration citing any number that is not in the result is
// replaced by a deterministic sentence built from the summary.
package narration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/insights/internal/llm"
	"github.com/malbeclabs/insights/internal/query"
)

// Reasons a narration was replaced by the fallback.
const (
	ReasonIntegrity  = "integrity"
	ReasonModelError = "model_error"
)

const narratePromptTemplate = `You are reporting analytics results for a game studio.

RESULT (JSON)
%s

RULES
- Cite only numbers that appear in the RESULT. Do not compute new figures, totals or percentages.
- You may round a number to 2 decimal places. Keep the sign a number has in the RESULT.
- Write dates exactly as they appear in the RESULT.
- If attribution is empty or confidence is "low", say the drivers of the change are inconclusive.
- Answer the question: %q
- %s

Respond with plain text only.`

var lengthGuidance = map[query.ResponseMode]string{
	query.ResponseModeShort: "Answer in two or three sentences.",
	query.ResponseModeDeep:  "Answer in a few short paragraphs covering the headline figure, the trend, the top contributors and any caveats.",
}

type Config struct {
	Logger *slog.Logger
	LLM    llm.TextCompletion
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("LLM client is required")
	}
	return nil
}

// Narration is the text returned for a result. Verified is false when Text is
// the fallback, and Reason says why.
type Narration struct {
	Text     string
	Verified bool
	Reason   string
	Unknown  []string
}

type Narrator struct {
	cfg *Config
	log *slog.Logger
}

func New(cfg *Config) (*Narrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Narrator{cfg: cfg, log: cfg.Logger}, nil
}

func buildPrompt(result *query.Result) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	guidance, ok := lengthGuidance[result.Context.Plan.ResponseMode]
	if !ok {
		guidance = lengthGuidance[query.ResponseModeShort]
	}
	return fmt.Sprintf(narratePromptTemplate, data, result.Question, guidance), nil
}

// Narrate describes result in at most maxTokens. A model that is disabled or
// a canceled context is an error; any other model failure and any narration
// that fails verification degrade to the fallback.
func (n *Narrator) Narrate(ctx context.Context, result *query.Result, maxTokens int64) (*Narration, error) {
	prompt, err := buildPrompt(result)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	text, err := n.cfg.LLM.CompleteText(ctx, prompt, maxTokens)
	if err != nil {
		if errors.Is(err, llm.ErrDisabled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("narration completion failed: %w", err)
		}
		n.log.Warn("narration: completion failed, using fallback", "error", err)
		return &Narration{Text: Fallback(result), Reason: ReasonModelError}, nil
	}
	text = strings.TrimSpace(text)
	n.log.Debug("narration: completion received", "duration", time.Since(start), "responseLen", len(text))

	ok, unknown, err := Verify(text, result)
	if err != nil {
		return nil, err
	}
	if !ok {
		n.log.Warn("narration: cited numbers not in result, using fallback", "unknown", unknown)
		return &Narration{Text: Fallback(result), Reason: ReasonIntegrity, Unknown: unknown}, nil
	}
	return &Narration{Text: text, Verified: true}, nil
}
