// Package state derives the current state of a task context by replaying
// its history. Compute is a pure function: it reads nothing but its input
// and returns equal results for equal histories.
package state

import (
	"fmt"
	"slices"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Status is the derived lifecycle status of a task.
type Status string

const (
	StatusCreated         Status = "created"
	StatusInProgress      Status = "in_progress"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further progress is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InteractionStatus marks whether a pending request may be skipped.
type InteractionStatus string

const (
	InteractionPending   InteractionStatus = "pending"
	InteractionSkippable InteractionStatus = "skippable"
)

// PendingUserInteraction is a raised request with no response or skip yet.
type PendingUserInteraction struct {
	RequestID  string            `json:"request_id"`
	AgentID    string            `json:"agent_id"`
	Title      string            `json:"title"`
	Priority   task.Priority     `json:"priority"`
	Status     InteractionStatus `json:"status"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Request    task.UIRequest    `json:"request"`
}

// Failure describes why a task failed.
type Failure struct {
	Operation string           `json:"operation"`
	Reasoning string           `json:"reasoning"`
	Kind      task.FailureKind `json:"kind"`
	Phase     string           `json:"phase,omitempty"`
	Agent     string           `json:"agent,omitempty"`
	Position  *task.Position   `json:"position,omitempty"`
}

// State is the result of replaying a history.
type State struct {
	ContextID  string              `json:"context_id"`
	TemplateID string              `json:"template_id"`
	TenantID   string              `json:"tenant_id"`
	Status     Status              `json:"status"`
	Data       map[string]any      `json:"data"`
	Plan       *task.ExecutionPlan `json:"plan,omitempty"`

	// Cursor is the next agent slot to run. Exhausted is set once every
	// slot of the plan has a recorded step.
	Cursor    task.Position `json:"cursor"`
	Exhausted bool          `json:"exhausted"`
	StepsDone int           `json:"steps_done"`

	Pending         []PendingUserInteraction `json:"pending,omitempty"`
	Failure         *Failure                 `json:"failure,omitempty"`
	CompletedPhases []string                 `json:"completed_phases,omitempty"`
	Completeness    int                      `json:"completeness"`
	LastSequence    int                      `json:"last_sequence"`

	// LateEntries counts entries appended after the terminal entry.
	LateEntries int `json:"late_entries,omitempty"`
	// Anomalies lists entries that were ignored while folding.
	Anomalies []string `json:"anomalies,omitempty"`
}

// PendingRequest returns the pending interaction with the given id.
func (s *State) PendingRequest(requestID string) (PendingUserInteraction, bool) {
	for _, p := range s.Pending {
		if p.RequestID == requestID {
			return p, true
		}
	}
	return PendingUserInteraction{}, false
}

type raised struct {
	request    task.UIRequest
	agentID    string
	skipReason string
}

// Compute folds history into a State.
func Compute(history []task.Entry) State {
	st := State{Status: StatusCreated, Data: map[string]any{}}

	requests := map[string]raised{}
	var order []string
	resolved := map[string]bool{}
	var terminal bool

	for _, e := range history {
		st.LastSequence = e.Sequence
		if terminal {
			st.LateEntries++
			continue
		}

		p, err := task.Decode(e)
		if err != nil {
			st.Anomalies = append(st.Anomalies, fmt.Sprintf("sequence %d: %v", e.Sequence, err))
			continue
		}
		if c, ok := p.(task.Contributor); ok {
			for k, v := range c.Contribution() {
				st.Data[k] = v
			}
		}

		switch p := p.(type) {
		case *task.TaskCreated:
			st.ContextID = e.ContextID
			st.TemplateID = p.TemplateID
			st.TenantID = p.TenantID

		case *task.PlanCreated:
			plan := p.Plan
			st.Plan = &plan
			st.Cursor = task.Position{}
			st.StepsDone = 0
			st.Exhausted = plan.Steps() == 0
			if st.Exhausted {
				break
			}
			if len(plan.Phases[0].Agents) == 0 {
				st.Cursor, _ = plan.Next(task.Position{Agent: -1})
			}

		case *task.AgentStepCompleted:
			st.advance(p.Position, e.Sequence)

		case *task.UIRequestGenerated:
			st.advance(p.Position, e.Sequence)
			ids := p.Order
			if len(ids) == 0 {
				ids = p.RequestIDs()
			}
			for _, r := range p.Requests {
				// A re-raised id is a new request; earlier answers do not carry over.
				if resolved[r.RequestID] {
					delete(resolved, r.RequestID)
					order = slices.DeleteFunc(order, func(id string) bool { return id == r.RequestID })
				}
				requests[r.RequestID] = raised{request: r, agentID: p.AgentID, skipReason: p.Skippable[r.RequestID]}
			}
			for _, id := range ids {
				if _, ok := requests[id]; ok && !contains(order, id) {
					order = append(order, id)
				}
			}
			// Requests missing from Order are still pending.
			for _, r := range p.Requests {
				if !contains(order, r.RequestID) {
					order = append(order, r.RequestID)
				}
			}

		case *task.UserResponse:
			resolved[p.RequestID] = true

		case *task.UIRequestSkipped:
			resolved[p.RequestID] = true

		case *task.TaskCompleted:
			if st.Plan == nil || !coversPlan(p.Phases, *st.Plan) {
				st.Anomalies = append(st.Anomalies, fmt.Sprintf("sequence %d: completion does not cover every planned phase", e.Sequence))
				continue
			}
			st.Status = StatusCompleted
			st.CompletedPhases = append([]string(nil), p.Phases...)
			terminal = true

		case *task.TaskFailed:
			st.Status = StatusFailed
			st.Failure = &Failure{
				Operation: p.FailedOperation,
				Reasoning: e.Reasoning,
				Kind:      p.Kind,
				Agent:     p.AgentID,
				Position:  p.Position,
			}
			if p.Position != nil && st.Plan != nil && p.Position.Phase < len(st.Plan.Phases) {
				st.Failure.Phase = st.Plan.Phases[p.Position.Phase].ID
			}
			terminal = true

		case *task.TaskCancelled:
			st.Status = StatusCancelled
			terminal = true
		}
	}

	for _, id := range order {
		if resolved[id] {
			continue
		}
		r := requests[id]
		pi := PendingUserInteraction{
			RequestID: id,
			AgentID:   r.agentID,
			Title:     r.request.Title(),
			Priority:  r.request.Priority,
			Status:    InteractionPending,
			Request:   r.request,
		}
		if r.skipReason != "" {
			pi.Status = InteractionSkippable
			pi.SkipReason = r.skipReason
		}
		st.Pending = append(st.Pending, pi)
	}

	if !terminal {
		switch {
		case st.Plan == nil:
			st.Status = StatusCreated
		case len(st.Pending) > 0:
			st.Status = StatusWaitingForInput
		default:
			st.Status = StatusInProgress
		}
	}

	switch {
	case st.Status == StatusCompleted:
		st.Completeness = 100
	case st.Plan != nil && st.Plan.Steps() > 0:
		st.Completeness = st.StepsDone * 100 / st.Plan.Steps()
	}

	return st
}

// advance moves the cursor past pos. Steps recorded out of order or for a
// position outside the plan are kept as anomalies.
func (st *State) advance(pos task.Position, seq int) {
	if st.Plan == nil {
		st.Anomalies = append(st.Anomalies, fmt.Sprintf("sequence %d: agent step before any plan", seq))
		return
	}
	if pos.Phase >= len(st.Plan.Phases) || pos.Agent >= len(st.Plan.Phases[pos.Phase].Agents) || pos.Phase < 0 || pos.Agent < 0 {
		st.Anomalies = append(st.Anomalies, fmt.Sprintf("sequence %d: position %s outside plan", seq, pos))
		return
	}
	if st.Exhausted || pos != st.Cursor {
		st.Anomalies = append(st.Anomalies, fmt.Sprintf("sequence %d: step at %s, expected %s", seq, pos, st.Cursor))
		return
	}
	st.StepsDone++
	next, ok := st.Plan.Next(pos)
	if !ok {
		st.Exhausted = true
		return
	}
	st.Cursor = next
}

func coversPlan(phases []string, plan task.ExecutionPlan) bool {
	for _, id := range plan.PhaseIDs() {
		if !contains(phases, id) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
