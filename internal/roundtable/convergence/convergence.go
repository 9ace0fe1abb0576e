package convergence

import (
	"fmt"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

// Evaluator declares convergence once a trailing window of rounds adds no new
// key points and every dissent has been answered.
type Evaluator struct {
	// Window is the number of trailing rounds that must add nothing new.
	Window int
	// MinRounds is the earliest round at which convergence may be declared.
	MinRounds int
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(window, minRounds int) *Evaluator {
	if window < 1 {
		window = 1
	}
	return &Evaluator{Window: window, MinRounds: minRounds}
}

// Evaluate implements roundtable.ConvergenceEvaluator.
func (e *Evaluator) Evaluate(conv roundtable.Conversation) roundtable.Verdict {
	if conv.Rounds < e.MinRounds {
		return roundtable.Verdict{Reason: fmt.Sprintf("minimum of %d rounds not reached (%d completed)", e.MinRounds, conv.Rounds)}
	}
	if d, ok := Unaddressed(conv.Statements); ok {
		return roundtable.Verdict{Reason: fmt.Sprintf("dissent from %s (statement #%d) not yet addressed", d.PersonaName, d.SequenceNumber)}
	}
	if conv.Rounds < e.Window {
		return roundtable.Verdict{Reason: fmt.Sprintf("only %d rounds completed, need %d quiet rounds", conv.Rounds, e.Window)}
	}

	novelty := NoveltyByRound(conv.Statements)
	spoken := make(map[int]int)
	for _, s := range conv.Statements {
		spoken[s.Round]++
	}
	for r := conv.Rounds; r > conv.Rounds-e.Window; r-- {
		if spoken[r] == 0 {
			return roundtable.Verdict{Reason: fmt.Sprintf("round %d produced no statements", r)}
		}
		if n := novelty[r]; n > 0 {
			return roundtable.Verdict{Reason: fmt.Sprintf("round %d introduced %d new point(s)", r, n)}
		}
	}
	return roundtable.Verdict{
		Converged: true,
		Reason:    fmt.Sprintf("no new points for %d consecutive rounds", e.Window),
	}
}

// NoveltyByRound counts, per round, the key points that were new when made.
func NoveltyByRound(statements []roundtable.Statement) map[int]int {
	out := make(map[int]int)
	seen := roundtable.NewEstablishedPoints()
	for _, s := range statements {
		out[s.Round] += len(seen.Apply(s))
	}
	return out
}

// Unaddressed returns the earliest dissent statement that no other persona
// has since addressed, either by naming the dissenter or by answering the
// directive raised for it.
func Unaddressed(statements []roundtable.Statement) (roundtable.Statement, bool) {
	for i, s := range statements {
		if !s.IsDissent {
			continue
		}
		answered := false
		for _, later := range statements[i+1:] {
			if later.PersonaID == s.PersonaID {
				continue
			}
			if later.AddressedPersonaID == s.PersonaID || later.RespondsTo == s.SequenceNumber {
				answered = true
				break
			}
		}
		if !answered {
			return s, true
		}
	}
	return roundtable.Statement{}, false
}
