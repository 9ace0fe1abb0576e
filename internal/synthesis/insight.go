package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/observability"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

const (
	defaultConcurrency = 4
	maxParseAttempts   = 2
	correction         = "\nYour previous response was not valid JSON. Return ONLY the JSON object, no markdown, no explanation."
)

// PersonaInsight is the trial-consultant view of one persona. When the model
// output cannot be used, Available is false and Note says why.
type PersonaInsight struct {
	PersonaID          string    `json:"persona_id"`
	PersonaName        string    `json:"persona_name"`
	Available          bool      `json:"available"`
	Note               string    `json:"note,omitempty"`
	CaseInterpretation string    `json:"case_interpretation"`
	KeyBiases          []string  `json:"key_biases"`
	DecisionDrivers    []string  `json:"decision_drivers"`
	PersuasionStrategy string    `json:"persuasion_strategy"`
	Vulnerabilities    []string  `json:"vulnerabilities"`
	Strengths          []string  `json:"strengths"`
	GeneratedAt        time.Time `json:"generated_at"`
}

type insightResponse struct {
	CaseInterpretation string   `json:"case_interpretation"`
	KeyBiases          []string `json:"key_biases"`
	DecisionDrivers    []string `json:"decision_drivers"`
	PersuasionStrategy string   `json:"persuasion_strategy"`
	Vulnerabilities    []string `json:"vulnerabilities"`
	Strengths          []string `json:"strengths"`
}

func (r insightResponse) validate() error {
	var missing []string
	if strings.TrimSpace(r.CaseInterpretation) == "" {
		missing = append(missing, "case_interpretation")
	}
	if strings.TrimSpace(r.PersuasionStrategy) == "" {
		missing = append(missing, "persuasion_strategy")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required field(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// InsightSynthesizer produces PersonaInsights from a completed conversation.
type InsightSynthesizer struct {
	gen     llm.Generator
	prompts roundtable.PromptRenderer
	version string
	model   string
	schema  map[string]any
	now     func() time.Time

	// Concurrency bounds SynthesizeAll.
	Concurrency int
}

// NewInsightSynthesizer creates an InsightSynthesizer.
func NewInsightSynthesizer(gen llm.Generator, prompts roundtable.PromptRenderer, version, model string, concurrency int) *InsightSynthesizer {
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	return &InsightSynthesizer{
		gen:         gen,
		prompts:     prompts,
		version:     version,
		model:       model,
		schema:      llm.SchemaFor[insightResponse](),
		now:         time.Now,
		Concurrency: concurrency,
	}
}

// Synthesize returns the insight for one persona. It fails only when the
// conversation has not completed or the prompt cannot be rendered; model and
// parse failures yield a placeholder insight.
func (s *InsightSynthesizer) Synthesize(ctx context.Context, conv roundtable.Conversation, session roundtable.Session, persona roundtable.PersonaProfile, summary PersonaSummary) (PersonaInsight, error) {
	if err := notCompleted(conv, "synthesize insight"); err != nil {
		return PersonaInsight{}, err
	}
	log := observability.LoggerFromContext(ctx).With("conversation_id", conv.ID, "persona", persona.ID)

	r, err := s.prompts.Render(prompt.PersonaInsight, s.version, map[string]any{
		"argument":     session.Argument,
		"case_summary": session.CaseSummary,
		"persona": map[string]any{
			"name":       persona.Name,
			"archetype":  persona.Archetype,
			"leadership": string(persona.Leadership),
			"lean_label": roundtable.LeanLabel(persona.Lean),
			"biases":     persona.Biases,
		},
		"outcome": Outcome(conv),
		"summary": map[string]any{
			"initial_position": summary.InitialLean,
			"final_position":   summary.FinalLean,
			"shifted":          summary.Shifted,
			"influence_level":  summary.InfluenceLevel,
		},
		"statements": transcriptText(conv.StatementsBy(persona.ID)),
	})
	if err != nil {
		return PersonaInsight{}, fmt.Errorf("synthesis: rendering insight prompt: %w", err)
	}
	cfg := r.Config
	cfg.Schema = s.schema
	if cfg.Model == "" {
		cfg.Model = s.model
	}

	base := PersonaInsight{PersonaID: persona.ID, PersonaName: persona.Name, GeneratedAt: s.now()}
	var lastErr error
	for attempt := range maxParseAttempts {
		user := r.User
		if attempt > 0 {
			user += correction
		}
		raw, err := s.gen.Generate(ctx, r.System, user, cfg)
		if err != nil {
			lastErr = err
			var ge *llm.GenerationError
			if errors.As(err, &ge) && !ge.Retryable {
				break
			}
			continue
		}
		var resp insightResponse
		if err := decode("insight", raw, &resp); err != nil {
			lastErr = err
			continue
		}
		if err := resp.validate(); err != nil {
			lastErr = &ParseError{Stage: "insight", Err: err}
			continue
		}
		base.Available = true
		base.CaseInterpretation = strings.TrimSpace(resp.CaseInterpretation)
		base.KeyBiases = resp.KeyBiases
		base.DecisionDrivers = resp.DecisionDrivers
		base.PersuasionStrategy = strings.TrimSpace(resp.PersuasionStrategy)
		base.Vulnerabilities = resp.Vulnerabilities
		base.Strengths = resp.Strengths
		return base, nil
	}

	log.Warn("persona insight unavailable", "error", lastErr)
	base.Note = fmt.Sprintf("insight unavailable: %v", lastErr)
	return base, nil
}

// SynthesizeAll runs Synthesize for every persona with bounded parallelism.
// Results follow panel order; one persona's failure never blocks the rest.
func (s *InsightSynthesizer) SynthesizeAll(ctx context.Context, conv roundtable.Conversation, session roundtable.Session, summaries []PersonaSummary) ([]PersonaInsight, error) {
	if err := notCompleted(conv, "synthesize insights"); err != nil {
		return nil, err
	}
	byID := make(map[string]PersonaSummary, len(summaries))
	for _, sum := range summaries {
		byID[sum.PersonaID] = sum
	}

	out := make([]PersonaInsight, len(session.Personas))
	var g errgroup.Group
	g.SetLimit(s.Concurrency)
	for i, p := range session.Personas {
		g.Go(func() error {
			insight, err := s.Synthesize(ctx, conv, session, p, byID[p.ID])
			if err != nil {
				return err
			}
			out[i] = insight
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
