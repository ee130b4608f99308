package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateAgent is returned when an id is registered twice.
var ErrDuplicateAgent = errors.New("agent already registered")

// Info describes a registered agent.
type Info struct {
	ID          string
	Version     string
	Description string
}

// Registry maps capability ids to agents. Registration is explicit; nothing
// registers itself.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry holding agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a. Duplicate ids are rejected.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("register agent: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Known returns the set of registered ids.
func (r *Registry) Known() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	known := make(map[string]bool, len(r.agents))
	for id := range r.agents {
		known[id] = true
	}
	return known
}

// List describes every registered agent, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, Info{ID: a.ID(), Version: a.Version(), Description: a.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
