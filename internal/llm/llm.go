// Package llm provides the text-completion capability used for planning and
// narration. Completions are untrusted: callers must validate what comes back.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrDisabled is returned when no model credential is configured.
	ErrDisabled = errors.New("llm: text completion is disabled")
	// ErrNoResponse is returned when the model produced no text content.
	ErrNoResponse = errors.New("llm: no response from model")
)

// TextCompletion requests completions from a language model. Implementations
// do not retry.
type TextCompletion interface {
	// CompleteJSON asks for a response containing a single JSON object and nothing else.
	CompleteJSON(ctx context.Context, prompt string, maxTokens int64) (string, error)
	// CompleteText asks for a free-text response.
	CompleteText(ctx context.Context, prompt string, maxTokens int64) (string, error)
}
