package roundtable

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lorenzotomasdiez/roundtable/internal/prompt"
)

// LeadershipLevel describes how a persona behaves in group discussion.
type LeadershipLevel string

const (
	Leader     LeadershipLevel = "leader"
	Influencer LeadershipLevel = "influencer"
	Follower   LeadershipLevel = "follower"
	Passive    LeadershipLevel = "passive"
)

// Rank orders leadership levels, 0 being the most dominant.
func (l LeadershipLevel) Rank() int {
	switch l {
	case Leader:
		return 0
	case Influencer:
		return 1
	case Follower:
		return 2
	default:
		return 3
	}
}

// PersonaProfile is the static description of a simulated juror. The engine
// only reads it.
type PersonaProfile struct {
	ID                    string          `json:"id" yaml:"id"`
	Name                  string          `json:"name" yaml:"name"`
	Archetype             string          `json:"archetype" yaml:"archetype"`
	VocabularyLevel       string          `json:"vocabulary_level,omitempty" yaml:"vocabulary_level"`
	SentenceStyle         string          `json:"sentence_style,omitempty" yaml:"sentence_style"`
	CharacteristicPhrases []string        `json:"characteristic_phrases,omitempty" yaml:"characteristic_phrases"`
	EngagementStyle       string          `json:"engagement_style,omitempty" yaml:"engagement_style"`
	Leadership            LeadershipLevel `json:"leadership" yaml:"leadership"`
	// Lean is the starting sympathy: -1 defense, +1 plaintiff.
	Lean   float64  `json:"lean" yaml:"lean"`
	Biases []string `json:"biases,omitempty" yaml:"biases"`
	Model  string   `json:"model,omitempty" yaml:"model"`
}

// LeanLabel renders a position on the defense/plaintiff axis.
func LeanLabel(pos float64) string {
	switch {
	case pos >= 0.25:
		return "leans plaintiff"
	case pos <= -0.25:
		return "leans defense"
	default:
		return "undecided"
	}
}

// Session is an argument plus the persona panel that will discuss it.
type Session struct {
	ID          string           `json:"id" yaml:"id"`
	Argument    string           `json:"argument" yaml:"argument"`
	CaseSummary string           `json:"case_summary,omitempty" yaml:"case_summary"`
	Personas    []PersonaProfile `json:"personas" yaml:"personas"`
}

// Validate checks that a session can be simulated.
func (s Session) Validate() error {
	if strings.TrimSpace(s.Argument) == "" {
		return fmt.Errorf("roundtable: session argument is required")
	}
	if len(s.Personas) < 2 {
		return fmt.Errorf("roundtable: a panel needs at least 2 personas, got %d", len(s.Personas))
	}
	seen := make(map[string]bool, len(s.Personas))
	for i, p := range s.Personas {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("roundtable: persona %d needs an id and a name", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("roundtable: duplicate persona id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Lean < -1 || p.Lean > 1 {
			return fmt.Errorf("roundtable: persona %s lean %.2f outside [-1, 1]", p.ID, p.Lean)
		}
	}
	return nil
}

// Persona looks up a panel member by id.
func (s Session) Persona(id string) (PersonaProfile, bool) {
	for _, p := range s.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return PersonaProfile{}, false
}

// Statement is one persona turn. Statements are created by the ledger and
// never modified afterwards.
type Statement struct {
	ConversationID     string    `json:"conversation_id"`
	SequenceNumber     int       `json:"sequence_number"`
	Round              int       `json:"round"`
	PersonaID          string    `json:"persona_id"`
	PersonaName        string    `json:"persona_name"`
	Content            string    `json:"content"`
	KeyPoints          []string  `json:"key_points"`
	AddressedPersonaID string    `json:"addressed_persona_id,omitempty"`
	IsDissent          bool      `json:"is_dissent"`
	RespondsTo         int       `json:"responds_to,omitempty"` // dissent sequence this turn was directed at
	Position           float64   `json:"position"`
	CreatedAt          time.Time `json:"created_at"`
}

// State is the orchestrator state of a conversation.
type State string

const (
	StateNotStarted       State = "not_started"
	StateRoundInProgress  State = "round_in_progress"
	StateConverged        State = "converged"
	StateMaxRoundsReached State = "max_rounds_reached"
	StateCancelled        State = "cancelled"
	StateFailed           State = "failed"
)

// Terminal reports whether no further statements can follow.
func (s State) Terminal() bool {
	switch s {
	case StateConverged, StateMaxRoundsReached, StateCancelled, StateFailed:
		return true
	}
	return false
}

// SkippedTurn records a persona that produced nothing in a round.
type SkippedTurn struct {
	Round     int    `json:"round"`
	PersonaID string `json:"persona_id"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
}

// Conversation is one run of a session.
type Conversation struct {
	ID                string        `json:"id"`
	SessionID         string        `json:"session_id"`
	State             State         `json:"state"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	Converged         bool          `json:"converged"`
	ConvergenceReason string        `json:"convergence_reason"`
	Rounds            int           `json:"rounds"`
	Statements        []Statement   `json:"statements"`
	Skipped           []SkippedTurn `json:"skipped,omitempty"`
	Notes             []string      `json:"notes,omitempty"`
}

// Completed reports whether the conversation reached a final state.
func (c Conversation) Completed() bool { return c.CompletedAt != nil }

// StatementsBy returns the statements of one persona in ledger order.
func (c Conversation) StatementsBy(personaID string) []Statement {
	var out []Statement
	for _, s := range c.Statements {
		if s.PersonaID == personaID {
			out = append(out, s)
		}
	}
	return out
}

// DissentSignal names a persona who broke from the panel and the new points
// they raised. It is handed to exactly one following speaker.
type DissentSignal struct {
	PersonaID      string   `json:"persona_id"`
	PersonaName    string   `json:"persona_name"`
	KeyPoints      []string `json:"key_points"`
	SequenceNumber int      `json:"sequence_number"`
	Divergence     float64  `json:"divergence"`
}

// ConsensusEstimate is the rolling majority lean of the panel.
type ConsensusEstimate struct {
	Lean    float64
	Samples int
}

// Verdict is the output of a convergence evaluation.
type Verdict struct {
	Converged bool
	Reason    string
}

// KeyPointExtractor reduces a statement to short claims.
type KeyPointExtractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// StanceEstimator infers a statement's position on the defense/plaintiff axis.
type StanceEstimator interface {
	Estimate(ctx context.Context, argument string, persona PersonaProfile, text string) (float64, error)
}

// DissentDetector flags statements that break from the emerging majority.
type DissentDetector interface {
	Estimate(history []Statement) ConsensusEstimate
	Detect(candidate Statement, estimate ConsensusEstimate, established *EstablishedPoints) *DissentSignal
}

// ConvergenceEvaluator decides whether discussion should stop.
type ConvergenceEvaluator interface {
	Evaluate(conv Conversation) Verdict
}

// OrderingPolicy chooses who speaks, and in which order, for a round.
type OrderingPolicy interface {
	Order(round int, personas []PersonaProfile) []PersonaProfile
}

// PromptRenderer turns a prompt id and variables into prompt text.
type PromptRenderer interface {
	Render(id, version string, vars map[string]any) (prompt.Rendered, error)
}
