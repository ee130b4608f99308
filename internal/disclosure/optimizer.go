// Package disclosure orders outstanding user-input requests so the most
// constraining question is asked first. The optimizer may reorder, group and
// mark requests as skippable but never drops one: its output always contains
// exactly the input request ids.
package disclosure

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/reasoning"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Result is an ordering of requests.
type Result struct {
	Order     []string
	Groups    [][]string
	Skippable map[string]string
	Reasoning string
	// Fallback is set when the deterministic priority order was used.
	Fallback bool
}

// Annotate copies r onto a ui_request_generated payload.
func (r Result) Annotate(p *task.UIRequestGenerated) {
	p.Order = append([]string(nil), r.Order...)
	p.Groups = r.Groups
	p.Skippable = r.Skippable
	p.OptimizerFallback = r.Fallback
	p.OptimizerReasoning = r.Reasoning
}

// Optimizer asks the reasoning service for a request ordering.
type Optimizer struct {
	client      reasoning.Client
	temperature float64
	logger      *zap.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l.Named("disclosure")
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Optimizer) { o.temperature = t }
}

// NewOptimizer creates an Optimizer backed by client.
func NewOptimizer(client reasoning.Client, opts ...Option) *Optimizer {
	o := &Optimizer{client: client, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type wireResult struct {
	Order     []string          `json:"order"`
	Groups    [][]string        `json:"groups"`
	Skippable map[string]string `json:"skippable"`
	Reasoning string            `json:"reasoning"`
}

// Optimize orders requests given the data already known about the task.
// Reasoning service failures are returned; an answer that breaks the
// completeness rule is replaced by PriorityOrder.
func (o *Optimizer) Optimize(ctx context.Context, requests []task.UIRequest, data map[string]any) (Result, error) {
	if len(requests) == 0 {
		return Result{Reasoning: "no outstanding requests"}, nil
	}

	resp, err := o.client.Complete(ctx, reasoning.Request{
		Purpose:     "optimize",
		Format:      reasoning.FormatJSON,
		Schema:      orderSchema,
		Temperature: o.temperature,
		Messages: []reasoning.Message{
			{Role: reasoning.RoleSystem, Content: systemPrompt},
			{Role: reasoning.RoleUser, Content: buildPrompt(requests, data)},
		},
	})
	if err != nil {
		return Result{}, err
	}

	var w wireResult
	if err := resp.DecodeJSON(&w); err != nil {
		return o.fallback(requests, data, err.Error()), nil
	}
	result := Result{Order: w.Order, Groups: w.Groups, Skippable: w.Skippable, Reasoning: w.Reasoning}
	if problem := Check(requests, result); problem != "" {
		return o.fallback(requests, data, problem), nil
	}
	if result.Reasoning == "" {
		result.Reasoning = "ordered by reasoning service"
	}
	return result, nil
}

func (o *Optimizer) fallback(requests []task.UIRequest, data map[string]any, problem string) Result {
	o.logger.Warn("optimizer answer rejected, using priority order",
		zap.Int("requests", len(requests)),
		zap.String("problem", problem))
	r := PriorityOrder(requests, data)
	r.Reasoning = fmt.Sprintf("optimizer answer rejected (%s); %s", problem, r.Reasoning)
	return r
}

// Check returns a description of the first rule r breaks for requests, or
// "" when r is acceptable. The order must be a permutation of the request
// ids; groups and skip marks may only name known requests.
func Check(requests []task.UIRequest, r Result) string {
	ids := make(map[string]bool, len(requests))
	for _, req := range requests {
		ids[req.RequestID] = true
	}

	seen := make(map[string]bool, len(r.Order))
	for _, id := range r.Order {
		if !ids[id] {
			return fmt.Sprintf("order names unknown request %q", id)
		}
		if seen[id] {
			return fmt.Sprintf("order repeats request %q", id)
		}
		seen[id] = true
	}
	if len(seen) != len(ids) {
		var missing []string
		for _, req := range requests {
			if !seen[req.RequestID] {
				missing = append(missing, req.RequestID)
			}
		}
		return fmt.Sprintf("order drops request(s) %s", strings.Join(missing, ", "))
	}

	grouped := map[string]bool{}
	for _, g := range r.Groups {
		for _, id := range g {
			if !ids[id] {
				return fmt.Sprintf("group names unknown request %q", id)
			}
			if grouped[id] {
				return fmt.Sprintf("request %q is in more than one group", id)
			}
			grouped[id] = true
		}
	}
	for id := range r.Skippable {
		if !ids[id] {
			return fmt.Sprintf("skip mark names unknown request %q", id)
		}
	}
	return ""
}

// PriorityOrder sorts requests by priority, keeping raise order among equal
// priorities, and groups them by their first field's group. A request whose
// fields all have a value in data is marked skippable.
func PriorityOrder(requests []task.UIRequest, data map[string]any) Result {
	sorted := append([]task.UIRequest(nil), requests...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority.Rank() > sorted[j].Priority.Rank()
	})

	r := Result{Reasoning: "ordered by priority"}
	groupIndex := map[string]int{}
	for _, req := range sorted {
		r.Order = append(r.Order, req.RequestID)
		if known := knownFields(req, data); known != nil {
			if r.Skippable == nil {
				r.Skippable = map[string]string{}
			}
			r.Skippable[req.RequestID] = "already known: " + strings.Join(known, ", ")
		}
		if len(req.SemanticData.Fields) == 0 || req.SemanticData.Fields[0].Group == "" {
			continue
		}
		g := req.SemanticData.Fields[0].Group
		i, ok := groupIndex[g]
		if !ok {
			i = len(r.Groups)
			groupIndex[g] = i
			r.Groups = append(r.Groups, nil)
		}
		r.Groups[i] = append(r.Groups[i], req.RequestID)
	}
	r.Fallback = true
	return r
}

// knownFields returns the field names of req when every one of them has a
// non-empty value in data, and nil otherwise.
func knownFields(req task.UIRequest, data map[string]any) []string {
	if len(req.SemanticData.Fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(req.SemanticData.Fields))
	for _, f := range req.SemanticData.Fields {
		v, ok := data[f.Name]
		if !ok || v == nil || v == "" {
			return nil
		}
		names = append(names, f.Name)
	}
	return names
}

// orderSchema describes wireResult for models that support function calling.
var orderSchema = map[string]any{
	"type":     "object",
	"required": []string{"order"},
	"properties": map[string]any{
		"order":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"groups":    map[string]any{"type": "array", "items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}}},
		"skippable": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
		"reasoning": map[string]any{"type": "string"},
	},
}

const systemPrompt = `You order questions for a user so that as few questions as possible need
answering. Ask the most constraining question first. Group related questions.
If a question's answer can be inferred from the known data, mark it as
skippable with a short reason instead of removing it. Every request id must
appear exactly once in "order".

Answer with JSON only:
{"order":["id"],"groups":[["id","id"]],"skippable":{"id":"reason"},"reasoning":"..."}`

type promptRequest struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Prompt   string   `json:"prompt,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Fields   []string `json:"fields,omitempty"`
	Agent    string   `json:"agent,omitempty"`
}

func buildPrompt(requests []task.UIRequest, data map[string]any) string {
	items := make([]promptRequest, 0, len(requests))
	for _, r := range requests {
		pr := promptRequest{
			ID:       r.RequestID,
			Title:    r.Title(),
			Prompt:   r.SemanticData.Prompt,
			Priority: string(r.Priority),
			Agent:    r.CreatedBy,
		}
		for _, f := range r.SemanticData.Fields {
			pr.Fields = append(pr.Fields, f.Name)
		}
		items = append(items, pr)
	}
	reqJSON, _ := json.MarshalIndent(items, "", "  ")
	dataJSON, _ := json.MarshalIndent(data, "", "  ")
	return fmt.Sprintf("Outstanding requests:\n%s\n\nKnown data:\n%s\n", reqJSON, dataJSON)
}
