// Package store persists sessions, conversations, their statements and the
// artifacts synthesized from them.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

// ErrNotFound is returned when a session, conversation or artifact does not
// exist.
var ErrNotFound = errors.New("store: not found")

// Artifact kinds.
const (
	KindSummaries = "summaries"
	KindInsights  = "insights"
	KindTakeaways = "takeaways"
)

// Store is implemented by Memory and Postgres.
type Store interface {
	SaveSession(ctx context.Context, s roundtable.Session) error
	GetSession(ctx context.Context, id string) (roundtable.Session, error)

	CreateConversation(ctx context.Context, conv roundtable.Conversation) error
	// UpdateProgress records the state and completed round count of a
	// running conversation.
	UpdateProgress(ctx context.Context, id string, state roundtable.State, rounds int) error
	// AppendStatement stores the next statement. It rejects statements for
	// completed conversations and sequence numbers that are not the next one.
	AppendStatement(ctx context.Context, st roundtable.Statement) error
	// CompleteConversation stores the final conversation, including any
	// statements not yet appended.
	CompleteConversation(ctx context.Context, conv roundtable.Conversation) error
	GetConversation(ctx context.Context, id string) (roundtable.Conversation, error)
	ListConversations(ctx context.Context, sessionID string) ([]roundtable.Conversation, error)

	PutArtifact(ctx context.Context, conversationID, kind string, data []byte) error
	GetArtifact(ctx context.Context, conversationID, kind string) ([]byte, error)

	Close()
}

func completedError(id string) error {
	return &roundtable.InvalidStateError{ConversationID: id, Op: "append statement", Reason: "conversation is completed"}
}

func sequenceError(id string, got, want int) error {
	return fmt.Errorf("store: conversation %s: sequence %d, want %d: %w", id, got, want, roundtable.ErrStaleDraft)
}
