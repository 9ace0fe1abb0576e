package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

var _ Store = (*Memory)(nil)

// Memory is a mutex-guarded in-process Store.
type Memory struct {
	mu            sync.RWMutex
	sessions      map[string]roundtable.Session
	conversations map[string]*roundtable.Conversation
	artifacts     map[string][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:      make(map[string]roundtable.Session),
		conversations: make(map[string]*roundtable.Conversation),
		artifacts:     make(map[string][]byte),
	}
}

func (m *Memory) SaveSession(_ context.Context, s roundtable.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Personas = append([]roundtable.PersonaProfile(nil), s.Personas...)
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (roundtable.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return roundtable.Session{}, ErrNotFound
	}
	s.Personas = append([]roundtable.PersonaProfile(nil), s.Personas...)
	return s, nil
}

func (m *Memory) CreateConversation(_ context.Context, conv roundtable.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[conv.SessionID]; !ok {
		return ErrNotFound
	}
	c := copyConversation(conv)
	m.conversations[conv.ID] = &c
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, id string, state roundtable.State, rounds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Completed() {
		return nil
	}
	c.State = state
	c.Rounds = rounds
	return nil
}

func (m *Memory) AppendStatement(_ context.Context, st roundtable.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[st.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if c.Completed() {
		return completedError(c.ID)
	}
	if want := len(c.Statements) + 1; st.SequenceNumber != want {
		return sequenceError(c.ID, st.SequenceNumber, want)
	}
	st.KeyPoints = append([]string(nil), st.KeyPoints...)
	c.Statements = append(c.Statements, st)
	return nil
}

func (m *Memory) CompleteConversation(_ context.Context, conv roundtable.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Completed() {
		return &roundtable.InvalidStateError{ConversationID: conv.ID, Op: "complete", Reason: "conversation is already completed"}
	}
	c := copyConversation(conv)
	if len(c.Statements) < len(existing.Statements) {
		c.Statements = existing.Statements
	}
	m.conversations[conv.ID] = &c
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (roundtable.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return roundtable.Conversation{}, ErrNotFound
	}
	return copyConversation(*c), nil
}

func (m *Memory) ListConversations(_ context.Context, sessionID string) ([]roundtable.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []roundtable.Conversation
	for _, c := range m.conversations {
		if c.SessionID == sessionID {
			cc := copyConversation(*c)
			cc.Statements = nil
			out = append(out, cc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == nil || out[j].StartedAt == nil {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(*out[j].StartedAt)
	})
	return out, nil
}

func (m *Memory) PutArtifact(_ context.Context, conversationID, kind string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	m.artifacts[conversationID+"/"+kind] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) GetArtifact(_ context.Context, conversationID, kind string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.artifacts[conversationID+"/"+kind]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Close() {}

func copyConversation(c roundtable.Conversation) roundtable.Conversation {
	out := c
	out.Statements = make([]roundtable.Statement, len(c.Statements))
	for i, s := range c.Statements {
		s.KeyPoints = append([]string(nil), s.KeyPoints...)
		out.Statements[i] = s
	}
	out.Skipped = append([]roundtable.SkippedTurn(nil), c.Skipped...)
	out.Notes = append([]string(nil), c.Notes...)
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
