// Package keypoints reduces statements to the claims they make and rates
// where a statement sits between the two sides of the case.
package keypoints

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

const (
	// MaxPoints caps the claims kept per statement.
	MaxPoints = 5
	// MaxPointLength is the longest claim kept, in bytes, before truncation at
	// a word boundary.
	MaxPointLength = 120

	minWords         = 3
	maxParseAttempts = 2
)

var (
	bulletRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
	fillerRe = regexp.MustCompile(`(?i)^(?:i (?:completely |totally |fully )?agree|i think so too|agreed|exactly|good point|well said|that'?s (?:a )?(?:fair|good) point|let'?s move on)\b`)
	reasonRe = regexp.MustCompile(`(?i)\s(?:that|because|since)\s`)
	metaRe   = regexp.MustCompile(`(?i)\b(?:this discussion|our deliberation|going in circles)\b`)
)

type keyPointsResponse struct {
	KeyPoints []string `json:"key_points"`
}

// Extractor asks a model for a statement's claims and cleans the result.
type Extractor struct {
	gen     llm.Generator
	prompts roundtable.PromptRenderer
	version string
	model   string
	schema  map[string]any
}

// NewExtractor creates an Extractor. version pins the prompt version ("" for
// the catalog default); model is used when the prompt does not name one.
func NewExtractor(gen llm.Generator, prompts roundtable.PromptRenderer, version, model string) *Extractor {
	return &Extractor{
		gen:     gen,
		prompts: prompts,
		version: version,
		model:   model,
		schema:  llm.SchemaFor[keyPointsResponse](),
	}
}

// Extract implements roundtable.KeyPointExtractor.
func (x *Extractor) Extract(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	r, err := x.prompts.Render(prompt.KeyPoints, x.version, map[string]any{"text": text})
	if err != nil {
		return nil, &roundtable.ExtractionError{Err: err}
	}
	cfg := r.Config
	cfg.Schema = x.schema
	if cfg.Model == "" {
		cfg.Model = x.model
	}

	var raw string
	for attempt := range maxParseAttempts {
		if err := ctx.Err(); err != nil {
			return nil, &roundtable.ExtractionError{Err: err}
		}
		user := r.User
		if attempt > 0 {
			user += "\nYour previous response was not valid JSON. Return ONLY the JSON object, no markdown, no explanation."
		}
		raw, err = x.gen.Generate(ctx, r.System, user, cfg)
		if err != nil {
			return nil, &roundtable.ExtractionError{Err: err}
		}
		var resp keyPointsResponse
		if err := llm.DecodeJSON(raw, &resp); err == nil {
			return Clean(resp.KeyPoints), nil
		}
	}

	if bullets := bulletLines(raw); len(bullets) > 0 {
		return Clean(bullets), nil
	}
	return nil, &roundtable.ExtractionError{Err: fmt.Errorf("unparseable key point output (len=%d)", len(raw))}
}

// Clean drops filler, meta-commentary and pure agreement, truncates long
// claims, removes duplicates and caps the list at MaxPoints.
func Clean(points []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range points {
		p = strings.TrimSpace(p)
		if m := bulletRe.FindStringSubmatch(p); len(m) > 1 {
			p = strings.TrimSpace(m[1])
		}
		if fillerRe.MatchString(p) && !reasonRe.MatchString(p) {
			continue
		}
		if metaRe.MatchString(p) {
			continue
		}
		if len(strings.Fields(p)) < minWords {
			continue
		}
		p = truncate(p, MaxPointLength)
		key := roundtable.NormalizePoint(p)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
		if len(out) == MaxPoints {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndexByte(s[:n], ' ')
	if cut <= 0 {
		cut = n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return strings.TrimRight(s[:cut], " ,;:")
}

func bulletLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if m := bulletRe.FindStringSubmatch(line); len(m) > 1 {
			out = append(out, m[1])
		}
	}
	return out
}
