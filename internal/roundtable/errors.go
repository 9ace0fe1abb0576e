package roundtable

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState matches any *InvalidStateError.
	ErrInvalidState = errors.New("invalid conversation state")
	// ErrNotReady matches any *NotReadyError.
	ErrNotReady = errors.New("conversation not completed")
	// ErrStaleDraft is returned when a draft was composed against an older
	// ledger view than the one it is appended to.
	ErrStaleDraft = errors.New("roundtable: statement draft is stale")
	// ErrInvalidDraft is returned for drafts that would break ledger invariants.
	ErrInvalidDraft = errors.New("roundtable: invalid statement draft")
)

// InvalidStateError is returned for writes to a completed conversation and for
// synthesis requested on one that has not completed.
type InvalidStateError struct {
	ConversationID string
	Op             string
	Reason         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("roundtable: %s on conversation %s: %s", e.Op, e.ConversationID, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// NotReadyError is returned when results are requested before completion.
type NotReadyError struct {
	ConversationID string
	State          State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("roundtable: conversation %s not completed (state %s)", e.ConversationID, e.State)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// ExtractionError wraps a key-point extraction failure. It is never fatal.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("roundtable: key point extraction: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
