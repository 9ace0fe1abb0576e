package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/observability"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

// Question severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

var severityWeight = map[string]int{SeverityHigh: 3, SeverityMedium: 2, SeverityLow: 1}

// Finding is a point from the argument, backed by the statements that show
// how jurors took it.
type Finding struct {
	Point         string `json:"point"`
	StatementRefs []int  `json:"statement_refs"`
}

// Question is something jurors wanted answered.
type Question struct {
	Question string   `json:"question"`
	RaisedBy []string `json:"raised_by"`
	Severity string   `json:"severity"`
	Priority int      `json:"priority"`
}

// EditRecommendation proposes a rewrite of part of the argument.
type EditRecommendation struct {
	Before        string `json:"before"`
	After         string `json:"after"`
	Rationale     string `json:"rationale"`
	StatementRefs []int  `json:"statement_refs"`
}

// Takeaways is attorney-facing feedback on the argument.
type Takeaways struct {
	ConversationID string               `json:"conversation_id"`
	Available      bool                 `json:"available"`
	Note           string               `json:"note,omitempty"`
	Landed         []Finding            `json:"landed"`
	Confused       []Finding            `json:"confused"`
	Backfired      []Finding            `json:"backfired"`
	Questions      []Question           `json:"questions"`
	Edits          []EditRecommendation `json:"edits"`
	GeneratedAt    time.Time            `json:"generated_at"`
}

type takeawaysResponse struct {
	Landed    []Finding            `json:"landed"`
	Confused  []Finding            `json:"confused"`
	Backfired []Finding            `json:"backfired"`
	Questions []Question           `json:"questions"`
	Edits     []EditRecommendation `json:"edits"`
}

func (r takeawaysResponse) empty() bool {
	return len(r.Landed)+len(r.Confused)+len(r.Backfired)+len(r.Questions)+len(r.Edits) == 0
}

// TakeawaysSynthesizer produces Takeaways from a completed conversation.
type TakeawaysSynthesizer struct {
	gen     llm.Generator
	prompts roundtable.PromptRenderer
	version string
	model   string
	schema  map[string]any
	now     func() time.Time
}

// NewTakeawaysSynthesizer creates a TakeawaysSynthesizer.
func NewTakeawaysSynthesizer(gen llm.Generator, prompts roundtable.PromptRenderer, version, model string) *TakeawaysSynthesizer {
	return &TakeawaysSynthesizer{
		gen:     gen,
		prompts: prompts,
		version: version,
		model:   model,
		schema:  llm.SchemaFor[takeawaysResponse](),
		now:     time.Now,
	}
}

// Synthesize returns takeaways for conv. Like insights, model and parse
// failures yield a placeholder instead of an error.
func (s *TakeawaysSynthesizer) Synthesize(ctx context.Context, conv roundtable.Conversation, session roundtable.Session, summaries []PersonaSummary) (Takeaways, error) {
	if err := notCompleted(conv, "synthesize takeaways"); err != nil {
		return Takeaways{}, err
	}
	log := observability.LoggerFromContext(ctx).With("conversation_id", conv.ID)

	r, err := s.prompts.Render(prompt.Takeaways, s.version, map[string]any{
		"argument":        session.Argument,
		"case_summary":    session.CaseSummary,
		"outcome":         Outcome(conv),
		"summaries":       summaryText(summaries),
		"statement_count": len(conv.Statements),
		"transcript":      transcriptText(conv.Statements),
	})
	if err != nil {
		return Takeaways{}, fmt.Errorf("synthesis: rendering takeaways prompt: %w", err)
	}
	cfg := r.Config
	cfg.Schema = s.schema
	if cfg.Model == "" {
		cfg.Model = s.model
	}

	out := Takeaways{ConversationID: conv.ID, GeneratedAt: s.now()}
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
		var resp takeawaysResponse
		if err := decode("takeaways", raw, &resp); err != nil {
			lastErr = err
			continue
		}
		if resp.empty() {
			lastErr = &ParseError{Stage: "takeaways", Err: errors.New("response has no findings, questions or edits")}
			continue
		}
		n := len(conv.Statements)
		out.Available = true
		out.Landed = validFindings(resp.Landed, n)
		out.Confused = validFindings(resp.Confused, n)
		out.Backfired = validFindings(resp.Backfired, n)
		out.Questions = RankQuestions(resp.Questions, session.Personas)
		out.Edits = validEdits(resp.Edits, n)
		return out, nil
	}

	log.Warn("takeaways unavailable", "error", lastErr)
	out.Note = fmt.Sprintf("takeaways unavailable: %v", lastErr)
	return out, nil
}

// validRefs keeps references to statements that exist, deduplicated and
// sorted.
func validRefs(refs []int, n int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, r := range refs {
		if r < 1 || r > n || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

func validFindings(in []Finding, n int) []Finding {
	out := []Finding{}
	for _, f := range in {
		f.Point = strings.TrimSpace(f.Point)
		f.StatementRefs = validRefs(f.StatementRefs, n)
		if f.Point == "" || len(f.StatementRefs) == 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func validEdits(in []EditRecommendation, n int) []EditRecommendation {
	out := []EditRecommendation{}
	for _, e := range in {
		e.StatementRefs = validRefs(e.StatementRefs, n)
		if strings.TrimSpace(e.After) == "" || len(e.StatementRefs) == 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

// RankQuestions normalizes severities, scores each question by how many
// distinct panel members raised it and how severe it is, and sorts by that
// priority. Names not on the panel are dropped. Ties are broken by question
// text.
func RankQuestions(in []Question, panel []roundtable.PersonaProfile) []Question {
	out := []Question{}
	for _, q := range in {
		q.Question = strings.TrimSpace(q.Question)
		if q.Question == "" {
			continue
		}
		q.Severity = strings.ToLower(strings.TrimSpace(q.Severity))
		if _, ok := severityWeight[q.Severity]; !ok {
			q.Severity = SeverityLow
		}
		q.RaisedBy = panelMembers(q.RaisedBy, panel)
		q.Priority = len(q.RaisedBy)*10 + severityWeight[q.Severity]
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Question < out[j].Question
	})
	return out
}

// panelMembers maps raw names onto panel personas by full or first name,
// case-insensitively, and returns each persona's name once.
func panelMembers(names []string, panel []roundtable.PersonaProfile) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		for _, p := range panel {
			full := strings.ToLower(strings.TrimSpace(p.Name))
			first := ""
			if f := strings.Fields(full); len(f) > 0 {
				first = f[0]
			}
			if n != full && n != first {
				continue
			}
			if !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p.Name)
			}
			break
		}
	}
	return out
}
