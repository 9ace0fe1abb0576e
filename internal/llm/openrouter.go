package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/lorenzotomasdiez/roundtable/internal/openrouter"
)

// ChatClient is the subset of the OpenRouter client used here.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// OpenRouter generates text through the OpenRouter chat completions API.
type OpenRouter struct {
	client ChatClient
}

// NewOpenRouter wraps an OpenRouter client.
func NewOpenRouter(client ChatClient) *OpenRouter {
	return &OpenRouter{client: client}
}

// Generate implements Generator.
func (o *OpenRouter) Generate(ctx context.Context, system, user string, cfg Config) (string, error) {
	req := openrouter.ChatRequest{
		Model: cfg.Model,
		Messages: []openrouter.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: cfg.MaxTokens,
	}
	temp := cfg.Temperature
	req.Temperature = &temp
	if cfg.JSON || cfg.Schema != nil {
		req.ResponseFormat = &openrouter.ResponseFormat{Type: "json_object"}
	}

	resp, err := o.client.ChatCompletion(ctx, req)
	if err != nil {
		var se *openrouter.StatusError
		if errors.As(err, &se) {
			return "", &GenerationError{
				Backend:    "openrouter",
				Model:      cfg.Model,
				Retryable:  se.Temporary(),
				RetryAfter: se.RetryAfter,
				Err:        err,
			}
		}
		return "", wrap("openrouter", cfg.Model, true, err)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", wrap("openrouter", cfg.Model, true, ErrEmptyOutput)
	}
	return text, nil
}
