package roundtable

import (
	"fmt"
	"sort"
	"strings"
)

// LengthBudget maps rounds to a length guidance string. A budget applies from
// FromRound until the next budget starts.
type LengthBudget struct {
	FromRound int    `json:"from_round" yaml:"from_round"`
	Guidance  string `json:"guidance" yaml:"guidance"`
}

// DefaultLengthBudgets opens long and exploratory and tightens later.
func DefaultLengthBudgets() []LengthBudget {
	return []LengthBudget{
		{FromRound: 1, Guidance: "4-6 sentences. Explore your first reaction and what stood out to you."},
		{FromRound: 3, Guidance: "2-4 sentences. Respond to specific points others made."},
		{FromRound: 5, Guidance: "1-2 sentences. Be pointed: say only what moves the discussion."},
	}
}

// Composer builds the context for one persona's next turn.
type Composer struct {
	// TranscriptBudget is the character budget for the transcript excerpt.
	TranscriptBudget int
	LengthBudgets    []LengthBudget
}

// NewComposer returns a Composer with budgets sorted by round.
func NewComposer(transcriptBudget int, budgets []LengthBudget) *Composer {
	b := append([]LengthBudget(nil), budgets...)
	sort.SliceStable(b, func(i, j int) bool { return b[i].FromRound < b[j].FromRound })
	if len(b) == 0 {
		b = DefaultLengthBudgets()
	}
	return &Composer{TranscriptBudget: transcriptBudget, LengthBudgets: b}
}

// AddressedToYou is set when the previous speaker targeted this persona.
type AddressedToYou struct {
	ByPersonaID    string
	ByPersonaName  string
	Content        string
	SequenceNumber int
}

// TurnContext is everything a persona sees when asked to speak.
type TurnContext struct {
	Persona           PersonaProfile
	Round             int
	Argument          string
	CaseSummary       string
	Transcript        string
	OmittedStatements int
	EstablishedPoints []string
	AddressedToYou    *AddressedToYou
	Dissent           *DissentSignal
	LengthGuidance    string
	BasedOn           int
}

// Compose builds the turn context from a ledger view. It reads nothing but
// its arguments, so the context reflects exactly the view it was given.
func (c *Composer) Compose(session Session, view View, persona PersonaProfile, round int, signal *DissentSignal) TurnContext {
	transcript, omitted := c.excerpt(view.Statements)
	tc := TurnContext{
		Persona:           persona,
		Round:             round,
		Argument:          session.Argument,
		CaseSummary:       session.CaseSummary,
		Transcript:        transcript,
		OmittedStatements: omitted,
		EstablishedPoints: view.Established.Points(),
		LengthGuidance:    c.lengthGuidance(round),
		BasedOn:           view.Len(),
	}

	if last, ok := view.Last(); ok && last.AddressedPersonaID == persona.ID && last.PersonaID != persona.ID {
		tc.AddressedToYou = &AddressedToYou{
			ByPersonaID:    last.PersonaID,
			ByPersonaName:  last.PersonaName,
			Content:        last.Content,
			SequenceNumber: last.SequenceNumber,
		}
	}
	if signal != nil && signal.PersonaID != persona.ID {
		s := *signal
		s.KeyPoints = append([]string(nil), signal.KeyPoints...)
		tc.Dissent = &s
	}
	return tc
}

func formatStatement(s Statement) string {
	return fmt.Sprintf("#%d %s: %s", s.SequenceNumber, s.PersonaName, strings.TrimSpace(s.Content))
}

// excerpt returns the whole transcript when it fits the budget, otherwise the
// longest tail of whole statements that fits. The latest statement is always
// included even if it alone exceeds the budget.
func (c *Composer) excerpt(stmts []Statement) (string, int) {
	if len(stmts) == 0 {
		return "", 0
	}
	lines := make([]string, len(stmts))
	total := 0
	for i, s := range stmts {
		lines[i] = formatStatement(s)
		total += len(lines[i]) + 1
	}
	if c.TranscriptBudget <= 0 || total <= c.TranscriptBudget {
		return strings.Join(lines, "\n"), 0
	}

	start := len(lines) - 1
	used := len(lines[start]) + 1
	for start > 0 {
		next := len(lines[start-1]) + 1
		if used+next > c.TranscriptBudget {
			break
		}
		used += next
		start--
	}
	return strings.Join(lines[start:], "\n"), start
}

func (c *Composer) lengthGuidance(round int) string {
	guidance := ""
	for _, b := range c.LengthBudgets {
		if b.FromRound <= round {
			guidance = b.Guidance
		}
	}
	if guidance == "" && len(c.LengthBudgets) > 0 {
		guidance = c.LengthBudgets[0].Guidance
	}
	return guidance
}

// Variables flattens the context for the prompt renderer.
func (tc TurnContext) Variables() map[string]any {
	vars := map[string]any{
		"persona_name":           tc.Persona.Name,
		"archetype":              tc.Persona.Archetype,
		"vocabulary_level":       orDefault(tc.Persona.VocabularyLevel, "everyday"),
		"sentence_style":         orDefault(tc.Persona.SentenceStyle, "natural"),
		"characteristic_phrases": tc.Persona.CharacteristicPhrases,
		"engagement_style":       orDefault(tc.Persona.EngagementStyle, "conversational"),
		"leadership":             string(tc.Persona.Leadership),
		"biases":                 tc.Persona.Biases,
		"lean_label":             LeanLabel(tc.Persona.Lean),
		"argument":               tc.Argument,
		"case_summary":           tc.CaseSummary,
		"round":                  tc.Round,
		"transcript":             tc.Transcript,
		"omitted":                tc.OmittedStatements,
		"established":            tc.EstablishedPoints,
		"addressed":              nil,
		"dissent":                nil,
		"length_guidance":        tc.LengthGuidance,
	}
	if tc.AddressedToYou != nil {
		vars["addressed"] = map[string]any{
			"by":       tc.AddressedToYou.ByPersonaName,
			"content":  tc.AddressedToYou.Content,
			"sequence": tc.AddressedToYou.SequenceNumber,
		}
	}
	if tc.Dissent != nil {
		vars["dissent"] = map[string]any{
			"name":       tc.Dissent.PersonaName,
			"key_points": tc.Dissent.KeyPoints,
			"sequence":   tc.Dissent.SequenceNumber,
		}
	}
	return vars
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
