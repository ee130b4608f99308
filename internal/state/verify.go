package state

import (
	"fmt"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Verify checks the structural invariants of a loaded history and returns a
// *task.CorruptionError for the first violation.
func Verify(history []task.Entry) error {
	if len(history) == 0 {
		return nil
	}
	contextID := history[0].ContextID
	corrupt := func(seq int, format string, args ...any) error {
		return &task.CorruptionError{ContextID: contextID, Sequence: seq, Reason: fmt.Sprintf(format, args...)}
	}

	if history[0].Operation != task.OpTaskCreated {
		return corrupt(history[0].Sequence, "first entry is %s", history[0].Operation)
	}
	for i, e := range history {
		if e.ContextID != contextID {
			return corrupt(e.Sequence, "entry belongs to context %q", e.ContextID)
		}
		if e.Sequence != i+1 {
			return corrupt(e.Sequence, "sequence %d at position %d", e.Sequence, i+1)
		}
		if i > 0 && e.Timestamp.Before(history[i-1].Timestamp) {
			return corrupt(e.Sequence, "timestamp precedes sequence %d", history[i-1].Sequence)
		}
		if e.Operation.Known() {
			if _, err := task.Decode(e); err != nil {
				return corrupt(e.Sequence, "undecodable payload: %v", err)
			}
		}
	}
	return nil
}
