package convergence

import (
	"strings"
	"testing"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

type stmt struct {
	round     int
	persona   string
	points    []string
	dissent   bool
	addressed string
	responds  int
}

func conversation(rounds int, specs ...stmt) roundtable.Conversation {
	conv := roundtable.Conversation{Rounds: rounds}
	for i, s := range specs {
		conv.Statements = append(conv.Statements, roundtable.Statement{
			SequenceNumber:     i + 1,
			Round:              s.round,
			PersonaID:          s.persona,
			PersonaName:        strings.ToUpper(s.persona),
			KeyPoints:          s.points,
			IsDissent:          s.dissent,
			AddressedPersonaID: s.addressed,
			RespondsTo:         s.responds,
		})
	}
	return conv
}

func TestConvergesAfterQuietWindow(t *testing.T) {
	conv := conversation(3,
		stmt{round: 1, persona: "a", points: []string{"x"}},
		stmt{round: 1, persona: "b", points: []string{"y"}},
		stmt{round: 2, persona: "a", points: []string{"X"}},
		stmt{round: 2, persona: "b"},
		stmt{round: 3, persona: "a", points: []string{"y."}},
		stmt{round: 3, persona: "b"},
	)
	v := NewEvaluator(2, 2).Evaluate(conv)
	if !v.Converged {
		t.Fatalf("expected convergence, got %q", v.Reason)
	}
	if v.Reason != "no new points for 2 consecutive rounds" {
		t.Errorf("Reason = %q", v.Reason)
	}
}

func TestNotConvergedWhileRoundsAddPoints(t *testing.T) {
	conv := conversation(2,
		stmt{round: 1, persona: "a", points: []string{"x"}},
		stmt{round: 2, persona: "b", points: []string{"z", "x"}},
	)
	v := NewEvaluator(1, 1).Evaluate(conv)
	if v.Converged || v.Reason != "round 2 introduced 1 new point(s)" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestMinimumRoundsRespected(t *testing.T) {
	conv := conversation(1, stmt{round: 1, persona: "a"})
	v := NewEvaluator(1, 3).Evaluate(conv)
	if v.Converged || !strings.Contains(v.Reason, "minimum of 3 rounds") {
		t.Errorf("verdict = %+v", v)
	}
}

func TestSilentRoundDoesNotCountAsQuiet(t *testing.T) {
	conv := conversation(2, stmt{round: 1, persona: "a", points: []string{"x"}})
	v := NewEvaluator(1, 1).Evaluate(conv)
	if v.Converged || v.Reason != "round 2 produced no statements" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestUnaddressedDissentBlocksConvergence(t *testing.T) {
	specs := []stmt{
		{round: 1, persona: "a", points: []string{"x"}},
		{round: 1, persona: "c", points: []string{"w"}, dissent: true},
		{round: 2, persona: "a"},
		{round: 3, persona: "a"},
	}
	v := NewEvaluator(2, 1).Evaluate(conversation(3, specs...))
	if v.Converged || v.Reason != "dissent from C (statement #2) not yet addressed" {
		t.Fatalf("verdict = %+v", v)
	}

	specs[2].addressed = "c"
	v = NewEvaluator(2, 1).Evaluate(conversation(3, specs...))
	if !v.Converged {
		t.Errorf("answered dissent should allow convergence, got %q", v.Reason)
	}
}

func TestDirectedReplyAddressesDissent(t *testing.T) {
	specs := []stmt{
		{round: 1, persona: "a", points: []string{"x"}},
		{round: 1, persona: "c", points: []string{"w"}, dissent: true},
		{round: 2, persona: "b", addressed: "a", responds: 2},
		{round: 3, persona: "a"},
	}
	v := NewEvaluator(2, 1).Evaluate(conversation(3, specs...))
	if !v.Converged {
		t.Fatalf("reply to the directive should count as engagement, got %q", v.Reason)
	}

	specs[2].responds = 1
	if _, ok := Unaddressed(conversation(3, specs...).Statements); !ok {
		t.Error("a reply to a different statement must not answer the dissent")
	}
}

func TestSelfReplyDoesNotAddressDissent(t *testing.T) {
	conv := conversation(2,
		stmt{round: 1, persona: "c", points: []string{"w"}, dissent: true},
		stmt{round: 2, persona: "c", addressed: "c"},
	)
	if _, ok := Unaddressed(conv.Statements); !ok {
		t.Error("a dissenter cannot answer their own dissent")
	}
}

func TestNoveltyByRound(t *testing.T) {
	conv := conversation(2,
		stmt{round: 1, persona: "a", points: []string{"x", "y"}},
		stmt{round: 1, persona: "b", points: []string{"Y"}},
		stmt{round: 2, persona: "a", points: []string{"z", "x"}},
	)
	got := NoveltyByRound(conv.Statements)
	if got[1] != 2 || got[2] != 1 {
		t.Errorf("NoveltyByRound = %v, want map[1:2 2:1]", got)
	}
}
