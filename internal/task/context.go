package task

import (
	"fmt"
	"time"
)

// TaskContext is the event-sourced record of one task instance. History is
// authoritative; derived state lives in package state.
type TaskContext struct {
	ContextID  string    `json:"context_id"`
	TemplateID string    `json:"template_id"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
	Template   Template  `json:"template"`
	History    []Entry   `json:"history"`
}

// FromHistory rebuilds a TaskContext from its entries. The first entry must
// be task_created.
func FromHistory(history []Entry) (*TaskContext, error) {
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	first := history[0]
	if first.Operation != OpTaskCreated {
		return nil, &CorruptionError{
			ContextID: first.ContextID,
			Sequence:  first.Sequence,
			Reason:    fmt.Sprintf("first entry is %s, want %s", first.Operation, OpTaskCreated),
		}
	}
	p, err := Decode(first)
	if err != nil {
		return nil, &CorruptionError{ContextID: first.ContextID, Sequence: first.Sequence, Reason: err.Error()}
	}
	created := p.(*TaskCreated)
	return &TaskContext{
		ContextID:  first.ContextID,
		TemplateID: created.TemplateID,
		TenantID:   created.TenantID,
		CreatedAt:  first.Timestamp,
		Template:   created.Template,
		History:    history,
	}, nil
}

// Clone returns a copy whose history slice can be handed to agents.
func (tc *TaskContext) Clone() *TaskContext {
	c := *tc
	c.History = append([]Entry(nil), tc.History...)
	return &c
}

// Last returns the last entry, or false for an empty history.
func (tc *TaskContext) Last() (Entry, bool) {
	if len(tc.History) == 0 {
		return Entry{}, false
	}
	return tc.History[len(tc.History)-1], true
}
