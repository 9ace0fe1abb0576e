package roundtable

import (
	"regexp"
	"strings"
)

// DetectAddressee returns the persona a statement is aimed at. A pending
// dissent directive makes the dissenter the default target unless the speaker
// names someone else and not the dissenter. Otherwise the earliest mentioned
// panel member wins.
func DetectAddressee(content string, speaker PersonaProfile, panel []PersonaProfile, directive *DissentSignal) string {
	mentioned := mentions(content, speaker, panel)

	if directive != nil && directive.PersonaID != speaker.ID {
		if len(mentioned) == 0 {
			return directive.PersonaID
		}
		for _, id := range mentioned {
			if id == directive.PersonaID {
				return directive.PersonaID
			}
		}
		return mentioned[0]
	}
	if len(mentioned) > 0 {
		return mentioned[0]
	}
	return ""
}

// mentions lists the ids of panel members named in content, ordered by first
// appearance. The speaker is ignored.
func mentions(content string, speaker PersonaProfile, panel []PersonaProfile) []string {
	type hit struct {
		id  string
		pos int
	}
	var hits []hit
	for _, p := range panel {
		if p.ID == speaker.ID {
			continue
		}
		if pos := namePosition(content, p.Name); pos >= 0 {
			hits = append(hits, hit{p.ID, pos})
		}
	}
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

// namePosition finds a full name or first name as a whole word.
func namePosition(content, name string) int {
	name = strings.TrimSpace(name)
	if name == "" {
		return -1
	}
	candidates := []string{name}
	if first, _, ok := strings.Cut(name, " "); ok && len(first) > 1 {
		candidates = append(candidates, first)
	}
	best := -1
	for _, c := range candidates {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(c) + `\b`)
		if loc := re.FindStringIndex(content); loc != nil && (best < 0 || loc[0] < best) {
			best = loc[0]
		}
	}
	return best
}
