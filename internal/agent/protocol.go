// Package agent defines the contract between the orchestrator and the
// agents it runs, the explicit registry agents are looked up in, the tool
// abstraction agents call out through, and a few built-in agents.
package agent

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Status is the outcome of one agent step.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusNeedsInput Status = "needs_input"
	StatusError      Status = "error"
)

// Operation is what the orchestrator asks an agent to do. The set of
// operations is closed: RunStep and CollectInput.
type Operation interface {
	Name() string
	operation()
}

// RunStep asks the agent to perform its part of a phase.
type RunStep struct {
	Phase    task.Phase
	Position task.Position
}

// CollectInput asks the agent to gather missing data from the user.
type CollectInput struct {
	Phase    task.Phase
	Position task.Position
	Fields   []task.FieldSpec
}

func (RunStep) Name() string      { return "run_step" }
func (CollectInput) Name() string { return "collect_input" }
func (RunStep) operation()        {}
func (CollectInput) operation()   {}

// Position returns the plan position an operation targets.
func Position(op Operation) task.Position {
	switch op := op.(type) {
	case RunStep:
		return op.Position
	case CollectInput:
		return op.Position
	}
	return task.Position{}
}

// Recorder lets an agent append facts about its own actions.
type Recorder interface {
	RecordFact(ctx context.Context, name string, data map[string]any, reasoning string) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, name string, data map[string]any, reasoning string) error

// RecordFact calls f.
func (f RecorderFunc) RecordFact(ctx context.Context, name string, data map[string]any, reasoning string) error {
	return f(ctx, name, data, reasoning)
}

// Request is the input of one agent step.
type Request struct {
	// Snapshot is a copy of the task context; agents cannot change history
	// through it.
	Snapshot   *task.TaskContext
	Data       map[string]any
	Operation  Operation
	Parameters map[string]any
	Recorder   Recorder
	Tools      ToolChain
}

// Response is the result of one agent step.
type Response struct {
	Status        Status           `json:"status"`
	Data          map[string]any   `json:"data,omitempty"`
	UIRequests    []task.UIRequest `json:"ui_requests,omitempty"`
	Reasoning     string           `json:"reasoning"`
	NextAgentHint string           `json:"next_agent_hint,omitempty"`
	// Error describes the failure when Status is StatusError.
	Error string `json:"error,omitempty"`
}

// Failed builds an error response.
func Failed(format string, args ...any) Response {
	msg := fmt.Sprintf(format, args...)
	return Response{Status: StatusError, Error: msg, Reasoning: msg}
}

// Agent is a unit of work the orchestrator can run.
type Agent interface {
	ID() string
	Version() string
	Description() string
	Supports(op Operation) bool
	Execute(ctx context.Context, req Request) (Response, error)
}

// Validate checks the structure of a response.
func (r Response) Validate() error {
	var problems []string
	switch r.Status {
	case StatusCompleted:
		if len(r.UIRequests) > 0 {
			problems = append(problems, "completed response must not raise requests")
		}
	case StatusNeedsInput:
		if len(r.UIRequests) == 0 {
			problems = append(problems, "needs_input response must raise at least one request")
		}
		seen := make(map[string]bool, len(r.UIRequests))
		for i, u := range r.UIRequests {
			if u.RequestID == "" {
				problems = append(problems, fmt.Sprintf("request %d: request_id is required", i))
				continue
			}
			if seen[u.RequestID] {
				problems = append(problems, fmt.Sprintf("request %q raised twice", u.RequestID))
			}
			seen[u.RequestID] = true
		}
	case StatusError:
		if r.Error == "" && r.Reasoning == "" {
			problems = append(problems, "error response must explain the failure")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown status %q", r.Status))
	}
	if r.Status != StatusError && r.Reasoning == "" {
		problems = append(problems, "reasoning is required")
	}
	if len(problems) > 0 {
		return task.NewValidationError("agent response", problems...)
	}
	return nil
}
