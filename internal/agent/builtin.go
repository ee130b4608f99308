package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// InputCollector raises one request per required template field that has
// no value yet. It completes once every required field is known.
type InputCollector struct {
	id  string
	now func() time.Time
}

// NewInputCollector creates an InputCollector registered under id.
func NewInputCollector(id string) *InputCollector {
	if id == "" {
		id = "input_collector"
	}
	return &InputCollector{id: id, now: func() time.Time { return time.Now().UTC() }}
}

func (c *InputCollector) ID() string          { return c.id }
func (c *InputCollector) Version() string     { return "1" }
func (c *InputCollector) Description() string { return "asks the user for required template fields that are still missing" }

// Supports both operations.
func (c *InputCollector) Supports(op Operation) bool {
	switch op.(type) {
	case RunStep, CollectInput:
		return true
	}
	return false
}

// Execute implements Agent.
func (c *InputCollector) Execute(ctx context.Context, req Request) (Response, error) {
	var fields []task.FieldSpec
	if op, ok := req.Operation.(CollectInput); ok {
		fields = op.Fields
	}
	if len(fields) == 0 && req.Snapshot != nil {
		fields = req.Snapshot.Template.RequiredFields
	}

	tmpl := task.Template{RequiredFields: fields}
	missing := tmpl.MissingFields(req.Data)
	if len(missing) == 0 {
		return Response{Status: StatusCompleted, Reasoning: "all required fields are present"}, nil
	}

	pos := Position(req.Operation)
	now := c.now()
	requests := make([]task.UIRequest, 0, len(missing))
	names := make([]string, 0, len(missing))
	for _, f := range missing {
		priority := f.Priority
		if priority == "" {
			priority = task.PriorityMedium
		}
		prompt := f.Prompt
		if prompt == "" {
			prompt = fmt.Sprintf("Please provide %s", f.Name)
		}
		requests = append(requests, task.UIRequest{
			RequestID:    fmt.Sprintf("p%da%d-%s", pos.Phase, pos.Agent, f.Name),
			TemplateType: "field_input",
			Priority:     priority,
			SemanticData: task.SemanticData{Title: prompt, Prompt: prompt, Fields: []task.FieldSpec{f}},
			CreatedBy:    c.id,
			CreatedAt:    now,
		})
		names = append(names, f.Name)
	}
	return Response{
		Status:     StatusNeedsInput,
		UIRequests: requests,
		Reasoning:  "missing required fields: " + strings.Join(names, ", "),
	}, nil
}

// ToolAgent invokes one tool and returns its output as the context update.
// Arguments are the step parameters plus the listed data keys.
type ToolAgent struct {
	id          string
	tool        string
	inputs      []string
	resultKey   string
	description string
}

// ToolAgentConfig configures a ToolAgent.
type ToolAgentConfig struct {
	ID          string
	Tool        string
	Inputs      []string
	ResultKey   string
	Description string
}

// NewToolAgent creates a ToolAgent.
func NewToolAgent(cfg ToolAgentConfig) *ToolAgent {
	desc := cfg.Description
	if desc == "" {
		desc = "runs tool " + cfg.Tool
	}
	return &ToolAgent{id: cfg.ID, tool: cfg.Tool, inputs: cfg.Inputs, resultKey: cfg.ResultKey, description: desc}
}

func (a *ToolAgent) ID() string          { return a.id }
func (a *ToolAgent) Version() string     { return "1" }
func (a *ToolAgent) Description() string { return a.description }

// Supports RunStep only.
func (a *ToolAgent) Supports(op Operation) bool {
	_, ok := op.(RunStep)
	return ok
}

// Execute implements Agent.
func (a *ToolAgent) Execute(ctx context.Context, req Request) (Response, error) {
	if req.Tools == nil {
		return Failed("agent %s: no tool chain available", a.id), nil
	}
	args := make(map[string]any, len(req.Parameters)+len(a.inputs))
	for k, v := range req.Parameters {
		args[k] = v
	}
	for _, key := range a.inputs {
		v, ok := req.Data[key]
		if !ok {
			return Failed("agent %s: input %q is not available", a.id, key), nil
		}
		args[key] = v
	}

	out, err := req.Tools.ExecuteTool(ctx, a.tool, args)
	if err != nil {
		return Response{}, err
	}

	update := out
	if a.resultKey != "" {
		update = map[string]any{a.resultKey: out}
	}
	if req.Recorder != nil {
		if err := req.Recorder.RecordFact(ctx, "tool_call", map[string]any{"tool": a.tool}, "invoked tool "+a.tool); err != nil {
			return Response{}, err
		}
	}
	return Response{
		Status:    StatusCompleted,
		Data:      update,
		Reasoning: fmt.Sprintf("tool %s returned %d value(s)", a.tool, len(out)),
	}, nil
}

// ExecuteFunc is the body of a FuncAgent.
type ExecuteFunc func(ctx context.Context, req Request) (Response, error)

// FuncAgent adapts a function to Agent. It supports RunStep only.
type FuncAgent struct {
	id          string
	version     string
	description string
	fn          ExecuteFunc
}

// NewFuncAgent creates a FuncAgent.
func NewFuncAgent(id, description string, fn ExecuteFunc) *FuncAgent {
	return &FuncAgent{id: id, version: "1", description: description, fn: fn}
}

func (a *FuncAgent) ID() string          { return a.id }
func (a *FuncAgent) Version() string     { return a.version }
func (a *FuncAgent) Description() string { return a.description }

// Supports RunStep only.
func (a *FuncAgent) Supports(op Operation) bool {
	_, ok := op.(RunStep)
	return ok
}

// Execute calls the wrapped function.
func (a *FuncAgent) Execute(ctx context.Context, req Request) (Response, error) {
	return a.fn(ctx, req)
}
