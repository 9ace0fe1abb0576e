package keypoints

import (
	"context"
	"fmt"

	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

type stanceResponse struct {
	Position float64 `json:"position"`
}

// StanceEstimator rates a statement on the defense (-1) to plaintiff (+1)
// axis.
type StanceEstimator struct {
	gen     llm.Generator
	prompts roundtable.PromptRenderer
	version string
	model   string
	schema  map[string]any
}

// NewStanceEstimator creates a StanceEstimator.
func NewStanceEstimator(gen llm.Generator, prompts roundtable.PromptRenderer, version, model string) *StanceEstimator {
	return &StanceEstimator{
		gen:     gen,
		prompts: prompts,
		version: version,
		model:   model,
		schema:  llm.SchemaFor[stanceResponse](),
	}
}

// Estimate implements roundtable.StanceEstimator.
func (s *StanceEstimator) Estimate(ctx context.Context, argument string, persona roundtable.PersonaProfile, text string) (float64, error) {
	r, err := s.prompts.Render(prompt.Stance, s.version, map[string]any{
		"argument":     argument,
		"persona_name": persona.Name,
		"text":         text,
	})
	if err != nil {
		return 0, fmt.Errorf("stance: %w", err)
	}
	cfg := r.Config
	cfg.Schema = s.schema
	if cfg.Model == "" {
		cfg.Model = s.model
	}
	raw, err := s.gen.Generate(ctx, r.System, r.User, cfg)
	if err != nil {
		return 0, fmt.Errorf("stance: %w", err)
	}
	var resp stanceResponse
	if err := llm.DecodeJSON(raw, &resp); err != nil {
		return 0, fmt.Errorf("stance: %w", err)
	}
	switch {
	case resp.Position > 1:
		return 1, nil
	case resp.Position < -1:
		return -1, nil
	}
	return resp.Position, nil
}
