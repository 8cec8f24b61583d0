package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a keyed lookup has no result.
var ErrNotFound = errors.New("not found")

// ErrIdempotencyConflict is returned by a Writer when an idempotency key
// raced past the pre-check and hit the store's uniqueness constraint.
var ErrIdempotencyConflict = errors.New("idempotency key already used")

// ValidationError reports a malformed proposal. It is never retried.
type ValidationError struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("proposal %d: %s: %s", e.Index, e.Field, e.Message)
}

// ConflictError reports a sequence-number mismatch during reservation. The
// caller must re-read and retry.
type ConflictError struct {
	Root     string `json:"root"`
	Expected int64  `json:"expected"`
	Reserved int64  `json:"reserved"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sequence conflict on root %s: expected number %d, reserved %d", e.Root, e.Expected, e.Reserved)
}

// UnrecognizedActionError is raised during replay when an event's action
// has no handler. It indicates a deployment bug.
type UnrecognizedActionError struct {
	Action string `json:"action"`
	Root   string `json:"root,omitempty"`
	Number int64  `json:"number,omitempty"`
}

func (e *UnrecognizedActionError) Error() string {
	if e.Root == "" {
		return fmt.Sprintf("event handler not specified for action %q", e.Action)
	}
	return fmt.Sprintf("event handler not specified for action %q (root %s, number %d)", e.Action, e.Root, e.Number)
}

// PublishError reports a collaborator failure after the append committed.
// The write itself succeeded.
type PublishError struct {
	Topic string
	TxID  string
	Err   error
}

func (e *PublishError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("publish to %s after commit: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("schedule tx %s after commit: %v", e.TxID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
