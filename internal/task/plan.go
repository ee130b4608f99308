package task

import (
	"fmt"
	"time"
)

// ExecutionPlan is the ordered set of phases produced by planning.
type ExecutionPlan struct {
	Phases                 []Phase       `json:"phases"`
	Reasoning              string        `json:"reasoning"`
	UserInputPoints        int           `json:"user_input_points"`
	EstimatedTotalDuration time.Duration `json:"estimated_total_duration,omitempty"`
}

// Phase names the agents that run, in order, to satisfy one subgoal.
type Phase struct {
	ID                string        `json:"id"`
	Goal              string        `json:"goal"`
	Agents            []string      `json:"agents"`
	Strategy          string        `json:"strategy,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// Phase strategies understood by the executor.
const (
	StrategySequential   = "sequential"
	StrategyCollectInput = "collect_input"
)

// PhaseIDs returns the phase ids in plan order.
func (p ExecutionPlan) PhaseIDs() []string {
	ids := make([]string, 0, len(p.Phases))
	for _, ph := range p.Phases {
		ids = append(ids, ph.ID)
	}
	return ids
}

// Steps returns the total number of agent slots in the plan.
func (p ExecutionPlan) Steps() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Agents)
	}
	return n
}

// StepIndex returns the zero-based flat index of pos.
func (p ExecutionPlan) StepIndex(pos Position) int {
	n := 0
	for i := 0; i < pos.Phase && i < len(p.Phases); i++ {
		n += len(p.Phases[i].Agents)
	}
	return n + pos.Agent
}

// Next returns the position after pos, skipping empty phases. ok is false
// when pos was the last slot.
func (p ExecutionPlan) Next(pos Position) (next Position, ok bool) {
	next = Position{Phase: pos.Phase, Agent: pos.Agent + 1}
	for next.Phase < len(p.Phases) {
		if next.Agent < len(p.Phases[next.Phase].Agents) {
			return next, true
		}
		next = Position{Phase: next.Phase + 1}
	}
	return next, false
}

// Validate checks the plan against the set of known agent ids. A nil known
// set skips the registry check.
func (p ExecutionPlan) Validate(known map[string]bool) error {
	var problems []string
	if len(p.Phases) == 0 {
		problems = append(problems, "phases must not be empty")
	}
	if p.UserInputPoints < 0 {
		problems = append(problems, fmt.Sprintf("user_input_points must be >= 0, got %d", p.UserInputPoints))
	}
	seen := make(map[string]bool, len(p.Phases))
	for i, ph := range p.Phases {
		if ph.ID == "" {
			problems = append(problems, fmt.Sprintf("phase %d: id is required", i))
		} else if seen[ph.ID] {
			problems = append(problems, fmt.Sprintf("phase %d: duplicate id %q", i, ph.ID))
		}
		seen[ph.ID] = true
		if len(ph.Agents) == 0 {
			problems = append(problems, fmt.Sprintf("phase %q: agents must not be empty", ph.ID))
		}
		for _, a := range ph.Agents {
			if known != nil && !known[a] {
				problems = append(problems, fmt.Sprintf("phase %q: unknown agent %q", ph.ID, a))
			}
		}
		switch ph.Strategy {
		case "", StrategySequential, StrategyCollectInput:
		default:
			problems = append(problems, fmt.Sprintf("phase %q: unknown strategy %q", ph.ID, ph.Strategy))
		}
	}
	if len(problems) > 0 {
		return NewValidationError("execution plan", problems...)
	}
	return nil
}
