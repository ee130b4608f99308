package disclosure

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/reasoning"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

func requests() []task.UIRequest {
	return []task.UIRequest{
		{RequestID: "r1", Priority: task.PriorityLow, SemanticData: task.SemanticData{Title: "Nickname", Fields: []task.FieldSpec{{Name: "nickname", Group: "profile"}}}},
		{RequestID: "r2", Priority: task.PriorityHigh, SemanticData: task.SemanticData{Title: "Country", Fields: []task.FieldSpec{{Name: "country"}}}},
		{RequestID: "r3", Priority: task.PriorityMedium, SemanticData: task.SemanticData{Title: "Full name", Fields: []task.FieldSpec{{Name: "name", Group: "profile"}}}},
		{RequestID: "r4", Priority: task.PriorityHigh, SemanticData: task.SemanticData{Title: "Currency"}},
	}
}

func answer(content string) reasoning.Client {
	return reasoning.ClientFunc(func(ctx context.Context, req reasoning.Request) (*reasoning.Response, error) {
		return &reasoning.Response{Content: content}, nil
	})
}

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func TestOptimize_AcceptsCompleteOrdering(t *testing.T) {
	o := NewOptimizer(answer(`{
		"order":["r2","r4","r3","r1"],
		"groups":[["r3","r1"]],
		"skippable":{"r4":"currency follows from country"},
		"reasoning":"country constrains currency"}`))

	r, err := o.Optimize(context.Background(), requests(), map[string]any{"email": "a@b.fr"})
	require.NoError(t, err)
	assert.False(t, r.Fallback)
	assert.Equal(t, []string{"r2", "r4", "r3", "r1"}, r.Order)
	assert.Equal(t, "currency follows from country", r.Skippable["r4"])
	assert.Equal(t, "country constrains currency", r.Reasoning)
}

func TestOptimize_RejectsIncompleteOrdering(t *testing.T) {
	tests := []struct {
		name    string
		content string
		problem string
	}{
		{"dropped request", `{"order":["r2","r4","r3"]}`, "drops request(s) r1"},
		{"unknown request", `{"order":["r2","r4","r3","r1","r9"]}`, `unknown request "r9"`},
		{"duplicate", `{"order":["r2","r2","r3","r1","r4"]}`, `repeats request "r2"`},
		{"bad skip mark", `{"order":["r1","r2","r3","r4"],"skippable":{"r7":"x"}}`, `skip mark names unknown request "r7"`},
		{"bad group", `{"order":["r1","r2","r3","r4"],"groups":[["r1"],["r1","r2"]]}`, `more than one group`},
		{"not json", `the best order is r2 first`, "no JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewOptimizer(answer(tt.content)).Optimize(context.Background(), requests(), nil)
			require.NoError(t, err)
			assert.True(t, r.Fallback)
			assert.Contains(t, r.Reasoning, tt.problem)
			assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, sortedIDs(r.Order), "completeness holds")
			assert.Empty(t, r.Skippable)
		})
	}
}

func TestOptimize_UpstreamFailure(t *testing.T) {
	client := reasoning.ClientFunc(func(ctx context.Context, req reasoning.Request) (*reasoning.Response, error) {
		return nil, &task.UpstreamError{Service: "reasoning:optimize", Attempts: 3, Err: errors.New("unavailable")}
	})
	_, err := NewOptimizer(client).Optimize(context.Background(), requests(), nil)
	assert.ErrorIs(t, err, task.ErrUpstream)
}

func TestOptimize_NoRequests(t *testing.T) {
	client := reasoning.ClientFunc(func(ctx context.Context, req reasoning.Request) (*reasoning.Response, error) {
		t.Fatal("reasoning service must not be called")
		return nil, nil
	})
	r, err := NewOptimizer(client).Optimize(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, r.Order)
}

func TestPriorityOrder(t *testing.T) {
	r := PriorityOrder(requests(), nil)
	assert.Equal(t, []string{"r2", "r4", "r3", "r1"}, r.Order)
	assert.Equal(t, [][]string{{"r3", "r1"}}, r.Groups)
	assert.True(t, r.Fallback)
	assert.Empty(t, r.Skippable)
	assert.Empty(t, Check(requests(), r))
}

func TestPriorityOrder_MarksKnownFieldsSkippable(t *testing.T) {
	data := map[string]any{"country": "FR", "name": "", "nickname": nil}
	r := PriorityOrder(requests(), data)
	assert.Equal(t, []string{"r2", "r4", "r3", "r1"}, r.Order, "skippable requests are kept")
	assert.Equal(t, map[string]string{"r2": "already known: country"}, r.Skippable)
	assert.Empty(t, Check(requests(), r))
}

func TestOptimize_FallbackMarksKnownFieldsSkippable(t *testing.T) {
	var captured reasoning.Request
	client := reasoning.ClientFunc(func(ctx context.Context, req reasoning.Request) (*reasoning.Response, error) {
		captured = req
		return &reasoning.Response{Content: "no idea"}, nil
	})
	r, err := NewOptimizer(client).Optimize(context.Background(), requests(), map[string]any{"country": "FR"})
	require.NoError(t, err)
	assert.True(t, r.Fallback)
	assert.Equal(t, "already known: country", r.Skippable["r2"])
	assert.Equal(t, orderSchema, captured.Schema)
}

func TestResult_Annotate(t *testing.T) {
	r := Result{Order: []string{"b", "a"}, Skippable: map[string]string{"a": "known"}, Reasoning: "why", Fallback: true}
	p := &task.UIRequestGenerated{}
	r.Annotate(p)
	assert.Equal(t, []string{"b", "a"}, p.Order)
	assert.Equal(t, "known", p.Skippable["a"])
	assert.True(t, p.OptimizerFallback)
	assert.Equal(t, "why", p.OptimizerReasoning)
}
