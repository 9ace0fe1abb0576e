package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
	"github.com/lorenzotomasdiez/roundtable/internal/synthesis"
)

var (
	roundStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
	nameStyle    = lipgloss.NewStyle().Bold(true)
	dissentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	goodStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#98C379"))
	badStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// PrintStatement prints one statement in full.
func PrintStatement(st roundtable.Statement) {
	tag := ""
	if st.IsDissent {
		tag = " " + dissentStyle.Render("[dissent]")
	}
	fmt.Printf("%s %s%s: %s\n",
		roundStyle.Render(fmt.Sprintf("[Round %d #%d]", st.Round, st.SequenceNumber)),
		nameStyle.Render(st.PersonaName),
		tag,
		st.Content,
	)
	if len(st.KeyPoints) > 0 {
		fmt.Println(dimStyle.Render("  points: " + strings.Join(st.KeyPoints, "; ")))
	}
}

// PrintSkip prints a skipped turn.
func PrintSkip(skip roundtable.SkippedTurn) {
	fmt.Println(dimStyle.Render(fmt.Sprintf("[Round %d] %s skipped after %d attempt(s): %s",
		skip.Round, skip.PersonaID, skip.Attempts, skip.Reason)))
}

// PrintRound prints the end-of-round convergence check.
func PrintRound(round int, v roundtable.Verdict) {
	fmt.Printf("\n%s %s\n\n", bannerStyle.Render(fmt.Sprintf("=== Round %d complete ===", round)), dimStyle.Render(v.Reason))
}

// PrintOutcome prints how the conversation ended.
func PrintOutcome(conv roundtable.Conversation) {
	state := badStyle.Render(string(conv.State))
	if conv.Converged {
		state = goodStyle.Render(string(conv.State))
	}
	lines := []string{
		"Outcome: " + state,
		"Reason: " + conv.ConvergenceReason,
		fmt.Sprintf("Rounds: %d | Statements: %d | Skipped turns: %d", conv.Rounds, len(conv.Statements), len(conv.Skipped)),
	}
	for _, n := range conv.Notes {
		lines = append(lines, "Note: "+n)
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
}

// PrintSummaries prints one line per persona.
func PrintSummaries(sums []synthesis.PersonaSummary) {
	for _, s := range sums {
		shift := ""
		if s.Shifted {
			shift = " " + dissentStyle.Render("(shifted)")
		}
		fmt.Printf("%s: %s -> %s%s, influence %s\n", nameStyle.Render(s.PersonaName), s.InitialLean, s.FinalLean, shift, s.InfluenceLevel)
	}
}

// PrintTakeaways prints the headline takeaways.
func PrintTakeaways(t synthesis.Takeaways) {
	if !t.Available {
		fmt.Println(dimStyle.Render(t.Note))
		return
	}
	section := func(title string, fs []synthesis.Finding) {
		if len(fs) == 0 {
			return
		}
		fmt.Println(bannerStyle.Render(title))
		for _, f := range fs {
			fmt.Printf("  - %s\n", f.Point)
		}
	}
	section("Landed", t.Landed)
	section("Confused", t.Confused)
	section("Backfired", t.Backfired)
	if len(t.Questions) > 0 {
		fmt.Println(bannerStyle.Render("Open questions"))
		for i, q := range t.Questions {
			fmt.Printf("  %d. %s (%s)\n", i+1, q.Question, q.Severity)
		}
	}
}
