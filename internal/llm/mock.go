package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// Mock is a deterministic offline backend used for dry runs. It answers each
// prompt kind (selected by Config.SchemaName) with canned but input-dependent
// output, so the whole pipeline can run without network access.
type Mock struct{}

// NewMock returns a Mock backend.
func NewMock() *Mock { return &Mock{} }

type mockClaim struct {
	text string
	lean float64
}

var mockClaims = []mockClaim{
	{"The maintenance logs show the defect was reported twice before the accident", 0.7},
	{"Nobody proved the company knew the warning light was faulty", -0.6},
	{"The expert testimony on brake wear was convincing", 0.5},
	{"The plaintiff was driving above the posted limit", -0.8},
	{"A reasonable company would have pulled the truck from service", 0.8},
	{"The damages figure seems inflated compared to the lost wages", -0.4},
	{"The timeline of repairs has gaps nobody explained", 0.3},
	{"The weather that night could explain the skid on its own", -0.5},
}

var mockOpeners = []string{
	"I agree with what has been said so far",
	"Let me add something to that",
	"Honestly I keep coming back to one thing",
	"I have to push back a little",
}

// Generate implements Generator.
func (m *Mock) Generate(ctx context.Context, system, user string, cfg Config) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", wrap("mock", cfg.Model, true, err)
	}
	switch cfg.SchemaName {
	case "key_points":
		return mockKeyPoints(statementSection(user)), nil
	case "stance":
		return mockStance(statementSection(user)), nil
	case "persona_insight":
		return mockInsight(), nil
	case "takeaways":
		return mockTakeaways(), nil
	default:
		h := hash(system + "\x00" + user)
		claim := mockClaims[h%uint32(len(mockClaims))]
		opener := mockOpeners[(h/7)%uint32(len(mockOpeners))]
		return fmt.Sprintf("%s. %s.", opener, claim.text), nil
	}
}

func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func statementSection(user string) string {
	if i := strings.LastIndex(user, "Statement:"); i >= 0 {
		return strings.TrimSpace(user[i+len("Statement:"):])
	}
	return user
}

func mockKeyPoints(text string) string {
	var points []string
	for _, s := range strings.Split(text, ".") {
		s = strings.TrimSpace(s)
		if s != "" {
			points = append(points, s)
		}
	}
	b, _ := json.Marshal(map[string][]string{"key_points": points})
	return string(b)
}

func mockStance(text string) string {
	pos := 0.0
	for _, c := range mockClaims {
		if strings.Contains(text, c.text) {
			pos = c.lean
			break
		}
	}
	return fmt.Sprintf(`{"position": %.2f}`, pos)
}

func mockInsight() string {
	b, _ := json.Marshal(map[string]any{
		"case_interpretation": "Frames the case around whether the company ignored known warning signs.",
		"key_biases":          []string{"trusts documentary evidence over testimony"},
		"decision_drivers":    []string{"maintenance records", "timeline of repairs"},
		"persuasion_strategy": "Lead with the maintenance logs and walk through the repair timeline.",
		"vulnerabilities":     []string{"sensitive to claims of inflated damages"},
		"strengths":           []string{"receptive to expert testimony"},
	})
	return string(b)
}

func mockTakeaways() string {
	b, _ := json.Marshal(map[string]any{
		"landed": []map[string]any{
			{"point": "The maintenance record evidence", "statement_refs": []int{1}},
		},
		"confused":  []map[string]any{},
		"backfired": []map[string]any{},
		"questions": []map[string]any{
			{"question": "Did the company know about the defect?", "raised_by": []string{}, "severity": "high"},
		},
		"edits": []map[string]any{
			{
				"before":         "The truck was poorly maintained.",
				"after":          "The truck's defect was logged twice before the crash and never repaired.",
				"rationale":      "Jurors responded to concrete record evidence.",
				"statement_refs": []int{1},
			},
		},
	})
	return string(b)
}
