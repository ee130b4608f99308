package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation names the fact an entry records.
type Operation string

const (
	OpTaskCreated        Operation = "task_created"
	OpPlanCreated        Operation = "execution_plan_created"
	OpAgentStepCompleted Operation = "agent_step_completed"
	OpAgentFact          Operation = "agent_fact"
	OpUIRequestGenerated Operation = "ui_request_generated"
	OpUserResponse       Operation = "user_response"
	OpUIRequestSkipped   Operation = "ui_request_skipped"
	OpTaskCompleted      Operation = "task_completed"
	OpTaskFailed         Operation = "task_failed"
	OpTaskCancelled      Operation = "task_cancelled"
)

// Known reports whether this engine version understands op.
func (op Operation) Known() bool {
	switch op {
	case OpTaskCreated, OpPlanCreated, OpAgentStepCompleted, OpAgentFact,
		OpUIRequestGenerated, OpUserResponse, OpUIRequestSkipped,
		OpTaskCompleted, OpTaskFailed, OpTaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether op closes a task context.
func (op Operation) Terminal() bool {
	return op == OpTaskCompleted || op == OpTaskFailed || op == OpTaskCancelled
}

// ActorType identifies who produced an entry.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorAgent  ActorType = "agent"
	ActorUser   ActorType = "user"
)

// Actor is the producer of an entry.
type Actor struct {
	Type    ActorType `json:"type"`
	ID      string    `json:"id"`
	Version string    `json:"version,omitempty"`
}

// SystemActor is the actor used for entries written by the engine itself.
func SystemActor(component, version string) Actor {
	return Actor{Type: ActorSystem, ID: component, Version: version}
}

// Trigger describes what caused an entry to be written.
type Trigger struct {
	Type    string            `json:"type"`
	Source  string            `json:"source,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Entry is one immutable fact in a task context's history.
type Entry struct {
	ID        string          `json:"id"`
	ContextID string          `json:"context_id"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int             `json:"sequence"`
	Actor     Actor           `json:"actor"`
	Operation Operation       `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	Trigger   Trigger         `json:"trigger"`
}

// Draft is an entry before the journal assigns identity, sequence and time.
type Draft struct {
	Actor     Actor
	Payload   Payload
	Reasoning string
	Trigger   Trigger
}

// Validate checks the fields every entry must carry.
func (e Entry) Validate() error {
	var problems []string
	if e.ID == "" {
		problems = append(problems, "id is required")
	}
	if e.ContextID == "" {
		problems = append(problems, "context_id is required")
	}
	if e.Sequence < 1 {
		problems = append(problems, fmt.Sprintf("sequence must be >= 1, got %d", e.Sequence))
	}
	if e.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if e.Operation == "" {
		problems = append(problems, "operation is required")
	}
	switch e.Actor.Type {
	case ActorSystem, ActorAgent:
		if e.Reasoning == "" {
			problems = append(problems, fmt.Sprintf("reasoning is required for %s actors", e.Actor.Type))
		}
	case ActorUser:
	default:
		problems = append(problems, fmt.Sprintf("unknown actor type %q", e.Actor.Type))
	}
	if len(problems) > 0 {
		return NewValidationError("entry", problems...)
	}
	return nil
}
