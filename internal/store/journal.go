package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// AfterAppend is called once for every entry a Journal appends.
type AfterAppend func(ctx context.Context, entry task.Entry)

// Journal appends entries to one task context. It assigns the entry id,
// the next sequence number and a timestamp that never precedes the previous
// entry. A Journal is safe for concurrent use but only orders writes that go
// through it; writers elsewhere are caught by the store's sequence check.
type Journal struct {
	store     Store
	contextID string

	mu    sync.Mutex
	last  *task.Entry
	stale error

	now   func() time.Time
	newID func() string
	after []AfterAppend
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithClock overrides the time source.
func WithClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.now = now }
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(fn func() string) JournalOption {
	return func(j *Journal) { j.newID = fn }
}

// WithAfterAppend registers a hook run after each successful append.
func WithAfterAppend(fn AfterAppend) JournalOption {
	return func(j *Journal) {
		if fn != nil {
			j.after = append(j.after, fn)
		}
	}
}

// NewJournal binds s to contextID. history is the context's current history
// as last read; pass nil for a new context.
func NewJournal(s Store, contextID string, history []task.Entry, opts ...JournalOption) *Journal {
	j := &Journal{
		store:     s,
		contextID: contextID,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		j.last = &last
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ContextID returns the bound context id.
func (j *Journal) ContextID() string {
	return j.contextID
}

// Sequence returns the sequence of the last appended entry, 0 when empty.
func (j *Journal) Sequence() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return 0
	}
	return j.last.Sequence
}

// Append encodes d into the next entry and writes it. On a concurrency
// conflict the journal refuses further appends; the caller must reload
// history and build a new Journal.
func (j *Journal) Append(ctx context.Context, d task.Draft) (task.Entry, error) {
	if d.Payload == nil {
		return task.Entry{}, task.NewValidationError("entry", "payload is required")
	}
	data, err := task.Encode(d.Payload)
	if err != nil {
		return task.Entry{}, err
	}

	j.mu.Lock()
	if j.stale != nil {
		j.mu.Unlock()
		return task.Entry{}, fmt.Errorf("journal for %s is stale: %w", j.contextID, j.stale)
	}
	seq := 1
	ts := j.now()
	if j.last != nil {
		seq = j.last.Sequence + 1
		if ts.Before(j.last.Timestamp) {
			ts = j.last.Timestamp
		}
	}
	entry := task.Entry{
		ID:        j.newID(),
		ContextID: j.contextID,
		Timestamp: ts,
		Sequence:  seq,
		Actor:     d.Actor,
		Operation: d.Payload.Operation(),
		Data:      data,
		Reasoning: d.Reasoning,
		Trigger:   d.Trigger,
	}
	if err := entry.Validate(); err != nil {
		j.mu.Unlock()
		return task.Entry{}, err
	}
	if err := j.store.Append(ctx, j.contextID, entry); err != nil {
		if errors.Is(err, task.ErrConcurrencyConflict) {
			j.stale = err
		}
		j.mu.Unlock()
		return task.Entry{}, fmt.Errorf("append %s to %s: %w", entry.Operation, j.contextID, err)
	}
	j.last = &entry
	hooks := j.after
	j.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx, entry)
	}
	return entry, nil
}
