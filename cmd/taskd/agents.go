package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/reasoning"
)

// Built-in agent ids.
const (
	inputCollectorID = "input-collector"
	writerID         = "writer"
	recorderID       = "data-recorder"
)

// builtinTools registers the tools shipped with the daemon.
func builtinTools(chain *agent.LocalToolChain, now func() time.Time) {
	chain.Register("record", func(_ context.Context, args map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(args)+1)
		for k, v := range args {
			out[k] = v
		}
		out["recorded_at"] = now().UTC().Format(time.RFC3339)
		return out, nil
	})
}

// builtinAgents returns the agents the daemon registers by default.
func builtinAgents(client reasoning.Client) []agent.Agent {
	return []agent.Agent{
		agent.NewInputCollector(inputCollectorID),
		agent.NewToolAgent(agent.ToolAgentConfig{
			ID:          recorderID,
			Tool:        "record",
			ResultKey:   "record",
			Description: "stores the step parameters and collected data as a record",
		}),
		agent.NewFuncAgent(writerID, "drafts text for the phase goal with the reasoning service", writer(client)),
	}
}

// writer drafts free text for a phase goal from the collected data.
func writer(client reasoning.Client) agent.ExecuteFunc {
	return func(ctx context.Context, req agent.Request) (agent.Response, error) {
		step, ok := req.Operation.(agent.RunStep)
		if !ok {
			return agent.Failed("writer: unsupported operation %s", req.Operation.Name()), nil
		}

		var facts strings.Builder
		for k, v := range req.Data {
			fmt.Fprintf(&facts, "- %s: %v\n", k, v)
		}
		resp, err := client.Complete(ctx, reasoning.Request{
			Purpose: "agent_writer",
			Messages: []reasoning.Message{
				{Role: reasoning.RoleSystem, Content: "You write concise business text from the facts given. Do not invent facts."},
				{Role: reasoning.RoleUser, Content: fmt.Sprintf("Goal: %s\nFacts:\n%s", step.Phase.Goal, facts.String())},
			},
			Format: reasoning.FormatText,
		})
		if err != nil {
			return agent.Response{}, fmt.Errorf("writer: %w", err)
		}

		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return agent.Failed("writer: empty answer for phase %s", step.Phase.ID), nil
		}
		return agent.Response{
			Status:    agent.StatusCompleted,
			Data:      map[string]any{step.Phase.ID + "_text": text},
			Reasoning: fmt.Sprintf("drafted %d characters for phase %s", len(text), step.Phase.ID),
		}, nil
	}
}
