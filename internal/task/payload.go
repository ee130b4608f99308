package task

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed body of an entry. The set of implementations is
// closed; unknown operations decode to *Opaque.
type Payload interface {
	Operation() Operation
}

// Contributor is implemented by payloads that merge values into the
// accumulated task data.
type Contributor interface {
	Contribution() map[string]any
}

// Position addresses one agent slot inside an execution plan.
type Position struct {
	Phase int `json:"phase"`
	Agent int `json:"agent"`
}

func (p Position) String() string {
	return fmt.Sprintf("phase[%d].agent[%d]", p.Phase, p.Agent)
}

// TaskCreated opens a task context and snapshots its template.
type TaskCreated struct {
	TemplateID  string         `json:"template_id"`
	TenantID    string         `json:"tenant_id"`
	Template    Template       `json:"template"`
	InitialData map[string]any `json:"initial_data,omitempty"`
}

func (*TaskCreated) Operation() Operation           { return OpTaskCreated }
func (p *TaskCreated) Contribution() map[string]any { return p.InitialData }

// PlanCreated records the execution plan. Exactly one is written per task.
type PlanCreated struct {
	Plan ExecutionPlan `json:"plan"`
}

func (*PlanCreated) Operation() Operation { return OpPlanCreated }

// AgentStepCompleted records an agent that finished its step.
type AgentStepCompleted struct {
	Position      Position       `json:"position"`
	PhaseID       string         `json:"phase_id"`
	AgentID       string         `json:"agent_id"`
	ContextUpdate map[string]any `json:"context_update,omitempty"`
	NextAgentHint string         `json:"next_agent_hint,omitempty"`
}

func (*AgentStepCompleted) Operation() Operation           { return OpAgentStepCompleted }
func (p *AgentStepCompleted) Contribution() map[string]any { return p.ContextUpdate }

// AgentFact is a self-recorded agent action.
type AgentFact struct {
	AgentID string         `json:"agent_id"`
	Name    string         `json:"name"`
	Data    map[string]any `json:"data,omitempty"`
}

func (*AgentFact) Operation() Operation           { return OpAgentFact }
func (p *AgentFact) Contribution() map[string]any { return p.Data }

// UIRequestGenerated pauses a task. It carries the requests an agent raised,
// the order chosen for them and the requests marked as skippable. Every
// request id in Requests appears exactly once in Order.
type UIRequestGenerated struct {
	Position           Position          `json:"position"`
	PhaseID            string            `json:"phase_id"`
	AgentID            string            `json:"agent_id"`
	ContextUpdate      map[string]any    `json:"context_update,omitempty"`
	Requests           []UIRequest       `json:"requests"`
	Order              []string          `json:"order"`
	Groups             [][]string        `json:"groups,omitempty"`
	Skippable          map[string]string `json:"skippable,omitempty"`
	OptimizerFallback  bool              `json:"optimizer_fallback,omitempty"`
	OptimizerReasoning string            `json:"optimizer_reasoning,omitempty"`
}

func (*UIRequestGenerated) Operation() Operation           { return OpUIRequestGenerated }
func (p *UIRequestGenerated) Contribution() map[string]any { return p.ContextUpdate }

// RequestIDs returns the ids of the raised requests in raise order.
func (p *UIRequestGenerated) RequestIDs() []string {
	ids := make([]string, 0, len(p.Requests))
	for _, r := range p.Requests {
		ids = append(ids, r.RequestID)
	}
	return ids
}

// UserResponse answers one pending request.
type UserResponse struct {
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data,omitempty"`
}

func (*UserResponse) Operation() Operation           { return OpUserResponse }
func (p *UserResponse) Contribution() map[string]any { return p.Data }

// UIRequestSkipped is the explicit skip marker for a pending request.
type UIRequestSkipped struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

func (*UIRequestSkipped) Operation() Operation { return OpUIRequestSkipped }

// TaskCompleted closes a task. Phases must list every phase of the most
// recently recorded plan.
type TaskCompleted struct {
	Phases []string `json:"phases"`
}

func (*TaskCompleted) Operation() Operation { return OpTaskCompleted }

// FailureKind classifies a task_failed entry.
type FailureKind string

const (
	FailureAgent      FailureKind = "agent"
	FailureValidation FailureKind = "validation"
	FailureUpstream   FailureKind = "upstream"
	FailureStore      FailureKind = "store"
)

// TaskFailed closes a task with a failure. The entry's Reasoning holds the
// human readable explanation.
type TaskFailed struct {
	Kind            FailureKind `json:"kind"`
	FailedOperation string      `json:"failed_operation"`
	Position        *Position   `json:"position,omitempty"`
	AgentID         string      `json:"agent_id,omitempty"`
	Cause           string      `json:"cause,omitempty"`
}

func (*TaskFailed) Operation() Operation { return OpTaskFailed }

// TaskCancelled closes a task on external request.
type TaskCancelled struct {
	Reason string `json:"reason,omitempty"`
}

func (*TaskCancelled) Operation() Operation { return OpTaskCancelled }

// Opaque keeps the payload of an operation this version does not know.
type Opaque struct {
	Op  Operation
	Raw json.RawMessage
}

func (p *Opaque) Operation() Operation { return p.Op }

// Encode serialises a payload for storage in Entry.Data.
func Encode(p Payload) (json.RawMessage, error) {
	if o, ok := p.(*Opaque); ok {
		return o.Raw, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Operation(), err)
	}
	return data, nil
}

// Decode returns the typed payload of e.
func Decode(e Entry) (Payload, error) {
	var p Payload
	switch e.Operation {
	case OpTaskCreated:
		p = &TaskCreated{}
	case OpPlanCreated:
		p = &PlanCreated{}
	case OpAgentStepCompleted:
		p = &AgentStepCompleted{}
	case OpAgentFact:
		p = &AgentFact{}
	case OpUIRequestGenerated:
		p = &UIRequestGenerated{}
	case OpUserResponse:
		p = &UserResponse{}
	case OpUIRequestSkipped:
		p = &UIRequestSkipped{}
	case OpTaskCompleted:
		p = &TaskCompleted{}
	case OpTaskFailed:
		p = &TaskFailed{}
	case OpTaskCancelled:
		p = &TaskCancelled{}
	default:
		return &Opaque{Op: e.Operation, Raw: e.Data}, nil
	}
	if len(e.Data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload at sequence %d: %w", e.Operation, e.Sequence, err)
	}
	return p, nil
}
