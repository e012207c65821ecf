package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultModel = anthropic.ModelClaude3_5Haiku20241022

	jsonSystemPrompt = "You are a query compiler for a game analytics warehouse. " +
		"Respond with exactly one JSON object and no prose, markdown or commentary."
	textSystemPrompt = "You are a concise analytics assistant for game studios. " +
		"Answer in plain prose without markdown."
)

// messageCreator is the subset of the Anthropic messages API the client needs.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicConfig struct {
	Logger *slog.Logger
	APIKey string
	Model  anthropic.Model
}

func (c *AnthropicConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	return nil
}

// AnthropicClient implements TextCompletion using the Anthropic Messages API.
// A client built without an API key reports ErrDisabled on every call.
type AnthropicClient struct {
	log      *slog.Logger
	model    anthropic.Model
	messages messageCreator
}

func NewAnthropicClient(cfg *AnthropicConfig) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &AnthropicClient{
		log:   cfg.Logger,
		model: cfg.Model,
	}
	if cfg.APIKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		c.messages = &client.Messages
	}
	return c, nil
}

func (c *AnthropicClient) Enabled() bool {
	return c.messages != nil
}

func (c *AnthropicClient) CompleteJSON(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	return c.complete(ctx, jsonSystemPrompt, prompt, maxTokens)
}

func (c *AnthropicClient) CompleteText(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	return c.complete(ctx, textSystemPrompt, prompt, maxTokens)
}

func (c *AnthropicClient) complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int64) (string, error) {
	if c.messages == nil {
		return "", ErrDisabled
	}

	start := time.Now()
	c.log.Debug("llm: anthropic call starting", "model", c.model, "maxTokens", maxTokens, "promptLen", len(userPrompt))

	msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	duration := time.Since(start)
	if err != nil {
		c.log.Warn("llm: anthropic call failed", "duration", duration, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("llm: anthropic call completed", "duration", duration, "stopReason", msg.StopReason)

	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return block.Text, nil
		}
	}
	return "", ErrNoResponse
}
