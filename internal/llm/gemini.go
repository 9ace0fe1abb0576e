package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Gemini generates text with the Google Gen AI SDK, either against the
// Gemini API (api key) or Vertex AI (project and location).
type Gemini struct {
	client *genai.Client
}

// GeminiOptions selects the Gemini backend flavour.
type GeminiOptions struct {
	APIKey   string
	Project  string
	Location string
}

// NewGemini creates a Gemini backend. Vertex AI is used when a project is set.
func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.Project != "" {
		cc = &genai.ClientConfig{
			Project:  opts.Project,
			Location: opts.Location,
			Backend:  genai.BackendVertexAI,
		}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("llm: creating gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, system, user string, cfg Config) (string, error) {
	temp := float32(cfg.Temperature)
	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       &temp,
	}
	if cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(cfg.MaxTokens)
	}
	if cfg.JSON || cfg.Schema != nil {
		gc.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}
	res, err := g.client.Models.GenerateContent(ctx, cfg.Model, contents, gc)
	if err != nil {
		return "", wrap("gemini", cfg.Model, geminiRetryable(err), err)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", wrap("gemini", cfg.Model, true, ErrEmptyOutput)
	}
	return text, nil
}

func geminiRetryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return true
}
