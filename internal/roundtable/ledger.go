package roundtable

import (
	"fmt"
	"sync"
	"time"
)

// StatementDraft is a statement before it has a place in the ledger.
type StatementDraft struct {
	Round              int
	PersonaID          string
	PersonaName        string
	Content            string
	KeyPoints          []string
	AddressedPersonaID string
	IsDissent          bool
	RespondsTo         int
	Position           float64
	// BasedOn is the ledger length the draft was composed and classified
	// against. Append refuses drafts built on an older view.
	BasedOn int
}

// View is an immutable snapshot of the ledger at one point in time.
type View struct {
	Statements  []Statement
	Established *EstablishedPoints
	Round       int
}

// Len returns the number of statements in the view.
func (v View) Len() int { return len(v.Statements) }

// Last returns the most recent statement, if any.
func (v View) Last() (Statement, bool) {
	if len(v.Statements) == 0 {
		return Statement{}, false
	}
	return v.Statements[len(v.Statements)-1], true
}

// Ledger is the append-only statement record of one conversation. Append is
// its only write critical section; everything else reads snapshots.
type Ledger struct {
	mu          sync.Mutex
	conv        Conversation
	established *EstablishedPoints
	now         func() time.Time
}

// NewLedger creates an empty ledger for a conversation.
func NewLedger(conversationID, sessionID string) *Ledger {
	return &Ledger{
		conv: Conversation{
			ID:        conversationID,
			SessionID: sessionID,
			State:     StateNotStarted,
		},
		established: NewEstablishedPoints(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ID returns the conversation id.
func (l *Ledger) ID() string { return l.conv.ID }

// Start marks the conversation as running.
func (l *Ledger) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conv.State != StateNotStarted {
		return &InvalidStateError{ConversationID: l.conv.ID, Op: "start", Reason: "already started"}
	}
	now := l.now()
	l.conv.StartedAt = &now
	l.conv.State = StateRoundInProgress
	return nil
}

// View returns a consistent snapshot for composing the next turn.
func (l *Ledger) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	stmts := make([]Statement, len(l.conv.Statements))
	copy(stmts, l.conv.Statements)
	return View{
		Statements:  stmts,
		Established: l.established.Clone(),
		Round:       l.conv.Rounds,
	}
}

// Append assigns the next sequence number to a draft and records it.
func (l *Ledger) Append(d StatementDraft) (Statement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conv.CompletedAt != nil {
		return Statement{}, &InvalidStateError{ConversationID: l.conv.ID, Op: "append", Reason: "conversation already completed"}
	}
	if l.conv.State != StateRoundInProgress {
		return Statement{}, &InvalidStateError{ConversationID: l.conv.ID, Op: "append", Reason: "conversation not started"}
	}
	n := len(l.conv.Statements)
	if d.BasedOn != n {
		return Statement{}, fmt.Errorf("%w: composed against %d statements, ledger has %d", ErrStaleDraft, d.BasedOn, n)
	}
	if d.PersonaID == "" {
		return Statement{}, fmt.Errorf("%w: missing persona", ErrInvalidDraft)
	}
	if d.RespondsTo < 0 || d.RespondsTo > n {
		return Statement{}, fmt.Errorf("%w: responds to unknown statement %d", ErrInvalidDraft, d.RespondsTo)
	}
	if d.IsDissent && len(l.established.Novel(d.KeyPoints)) == 0 {
		return Statement{}, fmt.Errorf("%w: dissent without a new key point", ErrInvalidDraft)
	}

	kp := make([]string, len(d.KeyPoints))
	copy(kp, d.KeyPoints)
	st := Statement{
		ConversationID:     l.conv.ID,
		SequenceNumber:     n + 1,
		Round:              d.Round,
		PersonaID:          d.PersonaID,
		PersonaName:        d.PersonaName,
		Content:            d.Content,
		KeyPoints:          kp,
		AddressedPersonaID: d.AddressedPersonaID,
		IsDissent:          d.IsDissent,
		RespondsTo:         d.RespondsTo,
		Position:           d.Position,
		CreatedAt:          l.now(),
	}
	l.conv.Statements = append(l.conv.Statements, st)
	l.established.add(st.KeyPoints...)
	return st, nil
}

// RecordSkip notes a persona that produced nothing in a round.
func (l *Ledger) RecordSkip(s SkippedTurn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conv.Skipped = append(l.conv.Skipped, s)
}

// AddNote attaches a human-readable note to the conversation.
func (l *Ledger) AddNote(note string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conv.Notes = append(l.conv.Notes, note)
}

// EndRound records that a round finished.
func (l *Ledger) EndRound(round int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if round > l.conv.Rounds {
		l.conv.Rounds = round
	}
}

// Complete moves the conversation to a terminal state. It succeeds once.
func (l *Ledger) Complete(state State, converged bool, reason string) (Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conv.CompletedAt != nil {
		return Conversation{}, &InvalidStateError{ConversationID: l.conv.ID, Op: "complete", Reason: "conversation already completed"}
	}
	if !state.Terminal() {
		return Conversation{}, fmt.Errorf("roundtable: %s is not a terminal state", state)
	}
	now := l.now()
	if l.conv.StartedAt == nil {
		l.conv.StartedAt = &now
	}
	l.conv.CompletedAt = &now
	l.conv.State = state
	l.conv.Converged = converged
	l.conv.ConvergenceReason = reason
	return l.snapshotLocked(), nil
}

// Snapshot returns a deep copy of the conversation.
func (l *Ledger) Snapshot() Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Conversation {
	c := l.conv
	c.Statements = make([]Statement, len(l.conv.Statements))
	copy(c.Statements, l.conv.Statements)
	c.Skipped = append([]SkippedTurn(nil), l.conv.Skipped...)
	c.Notes = append([]string(nil), l.conv.Notes...)
	if l.conv.StartedAt != nil {
		t := *l.conv.StartedAt
		c.StartedAt = &t
	}
	if l.conv.CompletedAt != nil {
		t := *l.conv.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Established returns a copy of the current established points.
func (l *Ledger) Established() *EstablishedPoints {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.established.Clone()
}

// Restore rebuilds a ledger from a persisted conversation, for example to
// re-run synthesis over a saved transcript.
func Restore(conv Conversation) (*Ledger, error) {
	for i, s := range conv.Statements {
		if s.SequenceNumber != i+1 {
			return nil, fmt.Errorf("roundtable: statement %d has sequence number %d", i+1, s.SequenceNumber)
		}
	}
	l := NewLedger(conv.ID, conv.SessionID)
	l.conv = conv
	l.conv.Statements = append([]Statement(nil), conv.Statements...)
	l.established = Replay(conv.Statements)
	return l, nil
}
