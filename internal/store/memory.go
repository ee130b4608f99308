package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// MemoryStore is an in-memory Store. It is safe for concurrent use and
// suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string][]task.Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contexts: make(map[string][]task.Entry)}
}

// Append stores entry if its sequence follows the current history.
func (s *MemoryStore) Append(ctx context.Context, contextID string, entry task.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateContextID(contextID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.contexts[contextID]
	var last *task.Entry
	if len(history) > 0 {
		last = &history[len(history)-1]
	}
	if err := checkAppend(contextID, last, entry); err != nil {
		return err
	}

	s.contexts[contextID] = append(history, entry)
	return nil
}

// Read returns a copy of the history of contextID.
func (s *MemoryStore) Read(ctx context.Context, contextID string) ([]task.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.contexts[contextID]
	if !ok {
		return nil, task.ErrNotFound
	}

	// Return a copy to prevent external mutation
	out := make([]task.Entry, len(history))
	copy(out, history)
	return out, nil
}

// List returns the known context ids in lexical order.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
