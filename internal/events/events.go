// Package events publishes conversation lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeConversationStarted   = "conversation.started"
	TypeStatementAppended     = "statement.appended"
	TypeTurnSkipped           = "turn.skipped"
	TypeConversationCompleted = "conversation.completed"
)

// Source identifies this service in the envelope.
const Source = "roundtable"

// Event is the envelope for every published event. TraceID is the
// conversation id, so all events of one run correlate.
type Event struct {
	EventID   string          `json:"event_id"`
	TraceID   string          `json:"trace_id"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// New builds an event, marshaling metadata. Metadata that cannot be marshaled
// becomes an empty object.
func New(eventType, conversationID string, metadata any) Event {
	raw, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		raw = json.RawMessage(`{}`)
	}
	return Event{
		EventID:   uuid.NewString(),
		TraceID:   conversationID,
		Source:    Source,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  raw,
	}
}

// Subject is the NATS subject an event is published on.
func (e Event) Subject() string {
	return "roundtable." + e.EventType
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
