// Package llm is the boundary to text-generation backends. Backends make a
// single attempt per call; retry policy belongs to the caller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config carries per-call generation parameters.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// JSON asks the backend for a JSON object response.
	JSON bool
	// SchemaName and Schema describe a strict structured output when the
	// backend supports it. Backends without support fall back to JSON mode.
	SchemaName string
	Schema     map[string]any
}

// Generator produces text from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string, cfg Config) (string, error)
}

// ErrEmptyOutput is wrapped when a backend returns no text.
var ErrEmptyOutput = errors.New("empty model output")

// GenerationError reports a failed or timed-out backend call.
type GenerationError struct {
	Backend   string
	Model     string
	Retryable bool
	// RetryAfter is the provider's requested wait before the next attempt.
	RetryAfter time.Duration
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("llm: %s %s: %v", e.Backend, e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func wrap(backend, model string, retryable bool, err error) error {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		retryable = true
	}
	return &GenerationError{Backend: backend, Model: model, Retryable: retryable, Err: err}
}
