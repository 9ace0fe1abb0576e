// Package output writes conversation artifacts to disk and prints progress to
// the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
	"github.com/lorenzotomasdiez/roundtable/internal/synthesis"
)

const (
	maxSlugLen = 50

	LogFile        = "roundtable.log"
	TranscriptFile = "transcript.json"
	ReportFile     = "report.md"
	InsightsFile   = "insights.json"
	TakeawaysFile  = "takeaways.json"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// GenerateSlug turns free text into a lowercase, dash-separated folder name.
func GenerateSlug(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "roundtable"
	}
	return slug
}

// CreateOutputDir creates base/slug-YYYYMMDD-HHMMSS.
func CreateOutputDir(base, slug string) (string, error) {
	dir := filepath.Join(base, fmt.Sprintf("%s-%s", slug, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Writer collects the run log and writes the artifacts of one conversation.
type Writer struct {
	dir string

	mu      sync.Mutex
	entries []string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Log appends a timestamped entry to the log file right away, so a crashed
// run still leaves a trail.
func (w *Writer) Log(msg string) {
	line := fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339), msg)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, line)

	f, err := os.OpenFile(filepath.Join(w.dir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}

// WriteLog rewrites the log file with every collected entry.
func (w *Writer) WriteLog() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var b strings.Builder
	for _, e := range w.entries {
		b.WriteString(e)
		b.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(w.dir, LogFile), []byte(b.String()), 0o644)
}

// WriteJSON writes the conversation ledger to transcript.json.
func (w *Writer) WriteJSON(conv roundtable.Conversation) error {
	return w.writeJSON(TranscriptFile, conv)
}

// WriteInsights writes insights.json.
func (w *Writer) WriteInsights(insights []synthesis.PersonaInsight) error {
	return w.writeJSON(InsightsFile, insights)
}

// WriteTakeaways writes takeaways.json.
func (w *Writer) WriteTakeaways(t synthesis.Takeaways) error {
	return w.writeJSON(TakeawaysFile, t)
}

func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(w.dir, name), data, 0o644)
}

// ReadTranscript loads a transcript.json written by WriteJSON.
func ReadTranscript(path string) (roundtable.Conversation, error) {
	var conv roundtable.Conversation
	data, err := os.ReadFile(path)
	if err != nil {
		return conv, err
	}
	if err := json.Unmarshal(data, &conv); err != nil {
		return conv, fmt.Errorf("parsing transcript %s: %w", path, err)
	}
	return conv, nil
}

// Report is everything report.md is rendered from. Insights and Takeaways
// are optional.
type Report struct {
	Session      roundtable.Session
	Conversation roundtable.Conversation
	Summaries    []synthesis.PersonaSummary
	Insights     []synthesis.PersonaInsight
	Takeaways    *synthesis.Takeaways
}

// WriteMarkdown writes report.md.
func (w *Writer) WriteMarkdown(r Report) error {
	return os.WriteFile(filepath.Join(w.dir, ReportFile), []byte(RenderMarkdown(r)), 0o644)
}

// RenderMarkdown renders the report.
func RenderMarkdown(r Report) string {
	var b strings.Builder
	conv := r.Conversation

	fmt.Fprintf(&b, "# Roundtable: %s\n\n", r.Session.Argument)
	if r.Session.CaseSummary != "" {
		fmt.Fprintf(&b, "%s\n\n", r.Session.CaseSummary)
	}
	fmt.Fprintf(&b, "- **Outcome:** %s\n", synthesis.Outcome(conv))
	fmt.Fprintf(&b, "- **Rounds:** %d\n", conv.Rounds)
	fmt.Fprintf(&b, "- **Statements:** %d\n", len(conv.Statements))
	for _, n := range conv.Notes {
		fmt.Fprintf(&b, "- **Note:** %s\n", n)
	}

	b.WriteString("\n## Panel\n\n")
	b.WriteString("| Persona | Leadership | Start | End | Influence |\n|---|---|---|---|---|\n")
	byID := make(map[string]synthesis.PersonaSummary, len(r.Summaries))
	for _, s := range r.Summaries {
		byID[s.PersonaID] = s
	}
	for _, p := range r.Session.Personas {
		s, ok := byID[p.ID]
		if !ok {
			fmt.Fprintf(&b, "| %s | %s | %s | - | - |\n", p.Name, p.Leadership, roundtable.LeanLabel(p.Lean))
			continue
		}
		end := s.FinalLean
		if s.Shifted {
			end += " (shifted)"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", p.Name, p.Leadership, s.InitialLean, end, s.InfluenceLevel)
	}

	b.WriteString("\n## Transcript\n")
	round := 0
	for _, st := range conv.Statements {
		if st.Round != round {
			round = st.Round
			fmt.Fprintf(&b, "\n### Round %d\n\n", round)
		}
		marker := ""
		if st.IsDissent {
			marker = " *(dissent)*"
		}
		fmt.Fprintf(&b, "**#%d %s**%s: %s\n\n", st.SequenceNumber, st.PersonaName, marker, st.Content)
	}
	if len(conv.Skipped) > 0 {
		b.WriteString("\n### Skipped turns\n\n")
		for _, s := range conv.Skipped {
			fmt.Fprintf(&b, "- Round %d, %s: %s\n", s.Round, s.PersonaID, s.Reason)
		}
	}

	if len(r.Insights) > 0 {
		b.WriteString("\n## Persona insights\n")
		for _, in := range r.Insights {
			fmt.Fprintf(&b, "\n### %s\n\n", in.PersonaName)
			if !in.Available {
				fmt.Fprintf(&b, "_%s_\n", in.Note)
				continue
			}
			fmt.Fprintf(&b, "%s\n\n", in.CaseInterpretation)
			list(&b, "Key biases", in.KeyBiases)
			list(&b, "Decision drivers", in.DecisionDrivers)
			list(&b, "Vulnerabilities", in.Vulnerabilities)
			list(&b, "Strengths", in.Strengths)
			fmt.Fprintf(&b, "**Persuasion strategy:** %s\n", in.PersuasionStrategy)
		}
	}

	if t := r.Takeaways; t != nil {
		b.WriteString("\n## Takeaways\n\n")
		if !t.Available {
			fmt.Fprintf(&b, "_%s_\n", t.Note)
			return b.String()
		}
		findings(&b, "What landed", t.Landed)
		findings(&b, "What confused jurors", t.Confused)
		findings(&b, "What backfired", t.Backfired)
		if len(t.Questions) > 0 {
			b.WriteString("**Open questions**\n\n")
			for i, q := range t.Questions {
				fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, q.Question, q.Severity)
			}
			b.WriteString("\n")
		}
		for _, e := range t.Edits {
			fmt.Fprintf(&b, "**Suggested edit**\n\n> %s\n\n> %s\n\n%s\n\n", e.Before, e.After, e.Rationale)
		}
	}
	return b.String()
}

func list(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s**\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func findings(b *strings.Builder, title string, fs []synthesis.Finding) {
	if len(fs) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s**\n\n", title)
	for _, f := range fs {
		refs := make([]string, len(f.StatementRefs))
		for i, r := range f.StatementRefs {
			refs[i] = fmt.Sprintf("#%d", r)
		}
		if len(refs) > 0 {
			fmt.Fprintf(b, "- %s (%s)\n", f.Point, strings.Join(refs, ", "))
		} else {
			fmt.Fprintf(b, "- %s\n", f.Point)
		}
	}
	b.WriteString("\n")
}
