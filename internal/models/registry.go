// Package models picks OpenRouter models for persona panels.
package models

import (
	"context"

	"github.com/lorenzotomasdiez/roundtable/internal/observability"
	"github.com/lorenzotomasdiez/roundtable/internal/openrouter"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

// Lister fetches the models a backend offers.
type Lister interface {
	ListModels(ctx context.Context) ([]openrouter.Model, error)
}

// Registry holds the free models personas can be assigned to.
type Registry struct {
	free []openrouter.Model
}

// NewRegistry keeps only free models (Prompt == "0" and Completion == "0").
// Models with nil Pricing are excluded.
func NewRegistry(models []openrouter.Model) *Registry {
	var free []openrouter.Model
	for _, m := range models {
		if m.Pricing == nil {
			continue
		}
		if m.Pricing.Prompt == "0" && m.Pricing.Completion == "0" {
			free = append(free, m)
		}
	}
	return &Registry{free: free}
}

// Load builds a registry from the live model list, falling back to
// DefaultFreeModels when the list cannot be fetched or has no free models.
func Load(ctx context.Context, l Lister) *Registry {
	live, err := l.ListModels(ctx)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("could not fetch models, using defaults", "error", err)
		return NewRegistry(DefaultFreeModels())
	}
	r := NewRegistry(live)
	if len(r.free) == 0 {
		return NewRegistry(DefaultFreeModels())
	}
	return r
}

// FreeModels returns all free models in the registry.
func (r *Registry) FreeModels() []openrouter.Model {
	return r.free
}

// SelectModels returns n models from the free list, cycling if n > available.
func (r *Registry) SelectModels(n int) []openrouter.Model {
	if len(r.free) == 0 {
		return nil
	}
	selected := make([]openrouter.Model, n)
	for i := range n {
		selected[i] = r.free[i%len(r.free)]
	}
	return selected
}

// AssignModels gives each persona without a model its own free model, so a
// panel speaks with several voices. Personas that already name a model keep
// it. The input slice is not modified.
func (r *Registry) AssignModels(personas []roundtable.PersonaProfile) []roundtable.PersonaProfile {
	out := make([]roundtable.PersonaProfile, len(personas))
	copy(out, personas)
	selected := r.SelectModels(len(personas))
	if selected == nil {
		return out
	}
	for i := range out {
		if out[i].Model == "" {
			out[i].Model = selected[i].ID
		}
	}
	return out
}

// DefaultFreeModels returns a hardcoded fallback list of known free models.
func DefaultFreeModels() []openrouter.Model {
	return []openrouter.Model{
		{ID: "qwen/qwen3-235b-a22b:free", Name: "Qwen3 235B A22B", Pricing: &openrouter.Pricing{Prompt: "0", Completion: "0"}},
		{ID: "google/gemma-3n-e2b-it:free", Name: "Gemma 3n 2B", Pricing: &openrouter.Pricing{Prompt: "0", Completion: "0"}},
		{ID: "nvidia/nemotron-nano-9b-v2:free", Name: "Nemotron Nano 9B V2", Pricing: &openrouter.Pricing{Prompt: "0", Completion: "0"}},
		{ID: "openai/gpt-oss-120b:free", Name: "GPT OSS 120B", Pricing: &openrouter.Pricing{Prompt: "0", Completion: "0"}},
	}
}
