// Package store persists task context histories.
//
// A Store is an append-only log per task context. Append is optimistic: it
// succeeds only when the entry's sequence is exactly one past the current
// last sequence, otherwise it returns a *task.ConflictError and leaves the
// history untouched. Journal wraps a Store for one context and fills in the
// identity, sequence and timestamp of new entries.
package store

import (
	"context"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Store is an append-only per-context event log.
type Store interface {
	// Append adds entry to the history of contextID. entry.Sequence must
	// equal len(history)+1.
	Append(ctx context.Context, contextID string, entry task.Entry) error

	// Read returns the full ordered history. Unknown contexts return
	// task.ErrNotFound.
	Read(ctx context.Context, contextID string) ([]task.Entry, error)

	// List returns the ids of every known context.
	List(ctx context.Context) ([]string, error)
}

var contextIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ValidateContextID rejects ids that cannot be used as a subject token or
// map key.
func ValidateContextID(id string) error {
	if !contextIDPattern.MatchString(id) {
		return task.NewValidationError("context id", fmt.Sprintf("%q must be 1-128 alphanumeric, hyphen or underscore characters", id))
	}
	return nil
}

// checkAppend enforces the sequence, timestamp and context rules shared by
// all backends. last is the current last entry, nil for an empty history.
func checkAppend(contextID string, last *task.Entry, entry task.Entry) error {
	if entry.ContextID != contextID {
		return task.NewValidationError("entry", fmt.Sprintf("context_id %q does not match %q", entry.ContextID, contextID))
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	expected := 1
	if last != nil {
		expected = last.Sequence + 1
	}
	if entry.Sequence != expected {
		return &task.ConflictError{ContextID: contextID, Expected: expected, Got: entry.Sequence}
	}
	if last != nil && entry.Timestamp.Before(last.Timestamp) {
		return task.NewValidationError("entry", fmt.Sprintf("timestamp %s precedes previous entry %s",
			entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), last.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")))
	}
	if last == nil && entry.Operation != task.OpTaskCreated {
		return task.NewValidationError("entry", fmt.Sprintf("first entry must be %s, got %s", task.OpTaskCreated, entry.Operation))
	}
	return nil
}
