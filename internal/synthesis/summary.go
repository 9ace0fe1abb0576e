// Package synthesis turns a completed conversation into per-persona summaries,
// persona insights and attorney takeaways.
package synthesis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

// Influence levels reported in a PersonaSummary.
const (
	InfluenceHigh   = "high"
	InfluenceMedium = "medium"
	InfluenceLow    = "low"
)

const (
	maxSummaryPoints = 5
	shiftMagnitude   = 0.5
)

var doubtRe = regexp.MustCompile(`(?i)\b(?:doubt|doubtful|unclear|not sure|unsure|unconvinced|question|whether|concern(?:ed)?|worr(?:y|ied)|hard to believe|don'?t buy)\b`)

// PersonaSummary is a deterministic digest of one persona's participation.
type PersonaSummary struct {
	PersonaID       string   `json:"persona_id"`
	PersonaName     string   `json:"persona_name"`
	InitialPosition float64  `json:"initial_position"`
	FinalPosition   float64  `json:"final_position"`
	InitialLean     string   `json:"initial_lean"`
	FinalLean       string   `json:"final_lean"`
	Shifted         bool     `json:"shifted"`
	MainPoints      []string `json:"main_points"`
	Concerns        []string `json:"concerns"`
	InfluenceLevel  string   `json:"influence_level"`
	StatementCount  int      `json:"statement_count"`
	TimesAddressed  int      `json:"times_addressed"`
	Dissents        int      `json:"dissents"`
}

// Summarize builds one summary per persona, in panel order. Personas who never
// spoke keep their starting lean.
func Summarize(conv roundtable.Conversation, personas []roundtable.PersonaProfile) []PersonaSummary {
	addressed := make(map[string]int)
	for _, s := range conv.Statements {
		if s.AddressedPersonaID != "" && s.AddressedPersonaID != s.PersonaID {
			addressed[s.AddressedPersonaID]++
		}
	}

	out := make([]PersonaSummary, 0, len(personas))
	for _, p := range personas {
		stmts := conv.StatementsBy(p.ID)
		sum := PersonaSummary{
			PersonaID:       p.ID,
			PersonaName:     p.Name,
			InitialPosition: p.Lean,
			FinalPosition:   p.Lean,
			StatementCount:  len(stmts),
			TimesAddressed:  addressed[p.ID],
		}
		if len(stmts) > 0 {
			sum.InitialPosition = stmts[0].Position
			sum.FinalPosition = stmts[len(stmts)-1].Position
		}
		sum.InitialLean = roundtable.LeanLabel(sum.InitialPosition)
		sum.FinalLean = roundtable.LeanLabel(sum.FinalPosition)
		sum.Shifted = sum.InitialPosition*sum.FinalPosition < 0 ||
			abs(sum.FinalPosition-sum.InitialPosition) >= shiftMagnitude

		points := roundtable.NewEstablishedPoints()
		for _, s := range stmts {
			if s.IsDissent {
				sum.Dissents++
			}
			for _, kp := range points.Apply(s) {
				if doubtRe.MatchString(kp) || strings.HasSuffix(kp, "?") {
					if len(sum.Concerns) < maxSummaryPoints {
						sum.Concerns = append(sum.Concerns, kp)
					}
				} else if len(sum.MainPoints) < maxSummaryPoints {
					sum.MainPoints = append(sum.MainPoints, kp)
				}
			}
		}
		sum.InfluenceLevel = influence(sum.TimesAddressed, sum.Dissents)
		out = append(out, sum)
	}
	return out
}

func influence(addressed, dissents int) string {
	score := addressed + 2*dissents
	switch {
	case score >= 3:
		return InfluenceHigh
	case score >= 1:
		return InfluenceMedium
	default:
		return InfluenceLow
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Outcome is a one-line description of how a conversation ended.
func Outcome(conv roundtable.Conversation) string {
	switch conv.State {
	case roundtable.StateConverged:
		return "consensus reached: " + conv.ConvergenceReason
	case roundtable.StateMaxRoundsReached:
		return "no consensus: " + conv.ConvergenceReason
	default:
		return fmt.Sprintf("%s: %s", conv.State, conv.ConvergenceReason)
	}
}

func summaryText(sums []PersonaSummary) string {
	var b strings.Builder
	for _, s := range sums {
		shift := "held position"
		if s.Shifted {
			shift = "shifted"
		}
		fmt.Fprintf(&b, "- %s: %s -> %s (%s), influence %s, %d statements",
			s.PersonaName, s.InitialLean, s.FinalLean, shift, s.InfluenceLevel, s.StatementCount)
		if len(s.MainPoints) > 0 {
			fmt.Fprintf(&b, "; main points: %s", strings.Join(s.MainPoints, "; "))
		}
		if len(s.Concerns) > 0 {
			fmt.Fprintf(&b, "; concerns: %s", strings.Join(s.Concerns, "; "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func transcriptText(stmts []roundtable.Statement) string {
	var b strings.Builder
	for _, s := range stmts {
		fmt.Fprintf(&b, "#%d %s: %s\n", s.SequenceNumber, s.PersonaName, strings.TrimSpace(s.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

func notCompleted(conv roundtable.Conversation, op string) error {
	if conv.Completed() {
		return nil
	}
	return &roundtable.InvalidStateError{
		ConversationID: conv.ID,
		Op:             op,
		Reason:         fmt.Sprintf("conversation has not completed (state %s)", conv.State),
	}
}
