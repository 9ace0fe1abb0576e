package roundtable

import (
	"strings"
	"unicode"
)

// NormalizePoint is the identity used for deduplication: lower case, single
// spaces, no surrounding punctuation or quotes.
func NormalizePoint(p string) string {
	fields := strings.Fields(strings.ToLower(p))
	s := strings.Join(fields, " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// EstablishedPoints is an ordered, deduplicated index of key points. It is
// always derived from statements, either by Replay or by the ledger's append
// path, and is never edited on its own.
type EstablishedPoints struct {
	order []string
	index map[string]struct{}
}

// NewEstablishedPoints returns an empty index.
func NewEstablishedPoints() *EstablishedPoints {
	return &EstablishedPoints{index: make(map[string]struct{})}
}

// Replay rebuilds the index from statements in sequence order.
func Replay(statements []Statement) *EstablishedPoints {
	p := NewEstablishedPoints()
	for _, s := range statements {
		p.add(s.KeyPoints...)
	}
	return p
}

// Apply replays one statement into the index and returns the points it
// introduced.
func (p *EstablishedPoints) Apply(s Statement) []string {
	novel := p.Novel(s.KeyPoints)
	p.add(novel...)
	return novel
}

// ReplayBefore rebuilds the index as it stood just before statement seq.
func ReplayBefore(statements []Statement, seq int) *EstablishedPoints {
	p := NewEstablishedPoints()
	for _, s := range statements {
		if s.SequenceNumber >= seq {
			break
		}
		p.add(s.KeyPoints...)
	}
	return p
}

func (p *EstablishedPoints) add(points ...string) int {
	added := 0
	for _, pt := range points {
		key := NormalizePoint(pt)
		if key == "" {
			continue
		}
		if _, ok := p.index[key]; ok {
			continue
		}
		p.index[key] = struct{}{}
		p.order = append(p.order, strings.TrimSpace(pt))
		added++
	}
	return added
}

// Contains reports whether a point, after normalization, is already known.
func (p *EstablishedPoints) Contains(point string) bool {
	_, ok := p.index[NormalizePoint(point)]
	return ok
}

// Novel returns the points that are not yet established, deduplicated among
// themselves, in input order.
func (p *EstablishedPoints) Novel(points []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, pt := range points {
		key := NormalizePoint(pt)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := p.index[key]; !ok {
			out = append(out, strings.TrimSpace(pt))
		}
	}
	return out
}

// Points returns the established points in first-seen order.
func (p *EstablishedPoints) Points() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Len returns the number of distinct points.
func (p *EstablishedPoints) Len() int { return len(p.order) }

// Clone returns an independent copy.
func (p *EstablishedPoints) Clone() *EstablishedPoints {
	c := &EstablishedPoints{
		order: make([]string, len(p.order)),
		index: make(map[string]struct{}, len(p.index)),
	}
	copy(c.order, p.order)
	for k := range p.index {
		c.index[k] = struct{}{}
	}
	return c
}

// Equal reports whether two indexes hold the same points in the same order.
func (p *EstablishedPoints) Equal(o *EstablishedPoints) bool {
	if len(p.order) != len(o.order) {
		return false
	}
	for i := range p.order {
		if NormalizePoint(p.order[i]) != NormalizePoint(o.order[i]) {
			return false
		}
	}
	return true
}
