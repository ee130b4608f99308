// Package planner turns a task template into an execution plan using the
// reasoning service, validates the answer and records it.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/reasoning"
	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/store"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// ErrAlreadyPlanned is returned when a plan is requested for a task that
// already has one.
var ErrAlreadyPlanned = errors.New("task already has an execution plan")

// Component is the actor id used for plan entries.
const Component = "planner"

// Capability describes one registered agent to the reasoning service.
type Capability struct {
	ID          string
	Description string
	Operations  []string
}

// Generator builds execution plans.
type Generator struct {
	client      reasoning.Client
	version     string
	temperature float64
	logger      *zap.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l.Named(Component)
		}
	}
}

// WithTemperature sets the sampling temperature for planning calls.
func WithTemperature(t float64) Option {
	return func(g *Generator) { g.temperature = t }
}

// WithVersion sets the actor version recorded on plan entries.
func WithVersion(v string) Option {
	return func(g *Generator) { g.version = v }
}

// NewGenerator creates a Generator backed by client.
func NewGenerator(client reasoning.Client, opts ...Option) *Generator {
	g := &Generator{client: client, temperature: 0.2, version: "1", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// wirePlan is the JSON document requested from the reasoning service.
type wirePlan struct {
	Phases []struct {
		ID                       string   `json:"id"`
		Goal                     string   `json:"goal"`
		Agents                   []string `json:"agents"`
		Strategy                 string   `json:"strategy"`
		EstimatedDurationSeconds float64  `json:"estimatedDurationSeconds"`
	} `json:"phases"`
	Reasoning                     string  `json:"reasoning"`
	UserInputPoints               int     `json:"userInputPoints"`
	EstimatedTotalDurationSeconds float64 `json:"estimatedTotalDuration"`
}

// planSchema describes wirePlan for models that support function calling.
var planSchema = map[string]any{
	"type":     "object",
	"required": []string{"phases", "reasoning"},
	"properties": map[string]any{
		"phases": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"id", "agents"},
				"properties": map[string]any{
					"id":                       map[string]any{"type": "string"},
					"goal":                     map[string]any{"type": "string"},
					"agents":                   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"strategy":                 map[string]any{"type": "string", "enum": []string{"sequential", "collect_input"}},
					"estimatedDurationSeconds": map[string]any{"type": "number"},
				},
				"additionalProperties": false,
			},
		},
		"reasoning":              map[string]any{"type": "string"},
		"userInputPoints":        map[string]any{"type": "integer", "minimum": 0},
		"estimatedTotalDuration": map[string]any{"type": "number"},
	},
	"additionalProperties": false,
}

func (w wirePlan) plan() task.ExecutionPlan {
	p := task.ExecutionPlan{
		Reasoning:              w.Reasoning,
		UserInputPoints:        w.UserInputPoints,
		EstimatedTotalDuration: seconds(w.EstimatedTotalDurationSeconds),
	}
	for _, ph := range w.Phases {
		p.Phases = append(p.Phases, task.Phase{
			ID:                ph.ID,
			Goal:              ph.Goal,
			Agents:            ph.Agents,
			Strategy:          ph.Strategy,
			EstimatedDuration: seconds(ph.EstimatedDurationSeconds),
		})
	}
	return p
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Generate asks the reasoning service for a plan and validates it against
// the registered capabilities. It appends nothing.
func (g *Generator) Generate(ctx context.Context, tmpl task.Template, st state.State, caps []Capability) (task.ExecutionPlan, error) {
	req := reasoning.Request{
		Purpose:     "plan",
		Format:      reasoning.FormatJSON,
		Schema:      planSchema,
		Temperature: g.temperature,
		Messages: []reasoning.Message{
			{Role: reasoning.RoleSystem, Content: systemPrompt},
			{Role: reasoning.RoleUser, Content: buildPrompt(tmpl, st, caps)},
		},
	}

	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return task.ExecutionPlan{}, err
	}

	var w wirePlan
	if err := resp.DecodeStrict(&w); err != nil {
		return task.ExecutionPlan{}, task.NewValidationError("execution plan", err.Error())
	}
	plan := w.plan()

	known := make(map[string]bool, len(caps))
	for _, c := range caps {
		known[c.ID] = true
	}
	if err := plan.Validate(known); err != nil {
		g.logger.Warn("rejected execution plan",
			zap.String("template_id", tmpl.ID),
			zap.Error(err))
		return task.ExecutionPlan{}, err
	}

	g.logger.Debug("execution plan generated",
		zap.String("template_id", tmpl.ID),
		zap.Int("phases", len(plan.Phases)),
		zap.Int("steps", plan.Steps()))
	return plan, nil
}

// Record appends the execution_plan_created entry.
func (g *Generator) Record(ctx context.Context, j *store.Journal, plan task.ExecutionPlan) (task.Entry, error) {
	reason := plan.Reasoning
	if reason == "" {
		reason = fmt.Sprintf("planned %d phase(s) with %d agent step(s)", len(plan.Phases), plan.Steps())
	}
	return j.Append(ctx, task.Draft{
		Actor:     task.SystemActor(Component, g.version),
		Payload:   &task.PlanCreated{Plan: plan},
		Reasoning: reason,
		Trigger:   task.Trigger{Type: "planning", Source: "reasoning"},
	})
}

// Plan generates, validates and records a plan. On validation failure
// nothing is appended.
func (g *Generator) Plan(ctx context.Context, j *store.Journal, tmpl task.Template, st state.State, caps []Capability) (task.ExecutionPlan, error) {
	if st.Plan != nil {
		return task.ExecutionPlan{}, ErrAlreadyPlanned
	}
	plan, err := g.Generate(ctx, tmpl, st, caps)
	if err != nil {
		return task.ExecutionPlan{}, err
	}
	if _, err := g.Record(ctx, j, plan); err != nil {
		return task.ExecutionPlan{}, err
	}
	return plan, nil
}

const systemPrompt = `You plan the execution of a task by a set of agents.
Split the goal into ordered phases. Each phase lists the agents that run, in
order, to reach the phase goal. Only use agent ids from the list provided.
Use strategy "collect_input" for phases whose purpose is gathering data from
the user, "sequential" otherwise.

Answer with JSON only:
{"phases":[{"id":"...","goal":"...","agents":["..."],"strategy":"sequential","estimatedDurationSeconds":0}],
 "reasoning":"...","userInputPoints":0,"estimatedTotalDuration":0}`

func buildPrompt(tmpl task.Template, st state.State, caps []Capability) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nGoal: %s\n", tmpl.Name, tmpl.Goal)
	if tmpl.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", tmpl.Description)
	}

	if len(tmpl.RequiredFields) > 0 {
		b.WriteString("\nRequired data:\n")
		for _, f := range tmpl.RequiredFields {
			have := ""
			if _, ok := st.Data[f.Name]; ok {
				have = " (already known)"
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", f.Name, f.Prompt, have)
		}
	}

	if len(tmpl.SuggestedAgents) > 0 {
		fmt.Fprintf(&b, "\nSuggested agents: %s\n", strings.Join(tmpl.SuggestedAgents, ", "))
	}

	b.WriteString("\nAvailable agents:\n")
	for _, c := range caps {
		fmt.Fprintf(&b, "- %s: %s", c.ID, c.Description)
		if len(c.Operations) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(c.Operations, ", "))
		}
		b.WriteByte('\n')
	}

	if len(st.Data) > 0 {
		keys := make([]string, 0, len(st.Data))
		for k := range st.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		known, _ := json.Marshal(keys)
		fmt.Fprintf(&b, "\nKnown data keys: %s\n", known)
	}
	return b.String()
}
