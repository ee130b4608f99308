package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// MockAgent is a mock implementation of Agent.
type MockAgent struct {
	mock.Mock
	id string
}

func (m *MockAgent) ID() string          { return m.id }
func (m *MockAgent) Version() string     { return "test" }
func (m *MockAgent) Description() string { return "mock agent" }

func (m *MockAgent) Supports(op Operation) bool {
	args := m.Called(op)
	return args.Bool(0)
}

func (m *MockAgent) Execute(ctx context.Context, req Request) (Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Response), args.Error(1)
}

func runStep() Request {
	return Request{Operation: RunStep{Phase: task.Phase{ID: "A"}}}
}

func TestInvoke_ReturnsAgentResponse(t *testing.T) {
	a := &MockAgent{id: "m"}
	a.On("Supports", mock.Anything).Return(true)
	a.On("Execute", mock.Anything, mock.Anything).
		Return(Response{Status: StatusCompleted, Reasoning: "done", Data: map[string]any{"k": "v"}}, nil)

	resp := Invoke(context.Background(), a, runStep(), time.Second)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "v", resp.Data["k"])
	a.AssertExpectations(t)
}

func TestInvoke_NormalisesFailures(t *testing.T) {
	tests := []struct {
		name    string
		agent   Agent
		timeout time.Duration
		want    string
	}{
		{
			name: "panic",
			agent: NewFuncAgent("p", "", func(ctx context.Context, req Request) (Response, error) {
				panic("nil map")
			}),
			want: "panicked: nil map",
		},
		{
			name: "timeout",
			agent: NewFuncAgent("slow", "", func(ctx context.Context, req Request) (Response, error) {
				<-ctx.Done()
				time.Sleep(5 * time.Millisecond)
				return Response{Status: StatusCompleted, Reasoning: "late"}, nil
			}),
			timeout: 10 * time.Millisecond,
			want:    "timed out after 10ms",
		},
		{
			name: "error",
			agent: NewFuncAgent("e", "", func(ctx context.Context, req Request) (Response, error) {
				return Response{}, errors.New("crm unavailable")
			}),
			want: "crm unavailable",
		},
		{
			name: "tool error",
			agent: NewFuncAgent("t", "", func(ctx context.Context, req Request) (Response, error) {
				return Response{}, &ToolError{Tool: "lookup", Err: errors.New("404")}
			}),
			want: "tool lookup failed: 404",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Invoke(context.Background(), tt.agent, runStep(), tt.timeout)
			assert.Equal(t, StatusError, resp.Status)
			assert.Contains(t, resp.Error, tt.want)
			assert.NoError(t, resp.Validate())
		})
	}
}

func TestInvoke_UnsupportedOperation(t *testing.T) {
	a := NewFuncAgent("f", "", func(ctx context.Context, req Request) (Response, error) {
		t.Fatal("must not execute")
		return Response{}, nil
	})
	resp := Invoke(context.Background(), a, Request{Operation: CollectInput{}}, 0)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "does not support collect_input")
}

func TestResponse_Validate(t *testing.T) {
	tests := []struct {
		name  string
		resp  Response
		valid bool
	}{
		{"completed", Response{Status: StatusCompleted, Reasoning: "ok"}, true},
		{"completed without reasoning", Response{Status: StatusCompleted}, false},
		{"completed with requests", Response{Status: StatusCompleted, Reasoning: "ok", UIRequests: []task.UIRequest{{RequestID: "r"}}}, false},
		{"needs input", Response{Status: StatusNeedsInput, Reasoning: "ask", UIRequests: []task.UIRequest{{RequestID: "r"}}}, true},
		{"needs input without requests", Response{Status: StatusNeedsInput, Reasoning: "ask"}, false},
		{"duplicate request ids", Response{Status: StatusNeedsInput, Reasoning: "ask", UIRequests: []task.UIRequest{{RequestID: "r"}, {RequestID: "r"}}}, false},
		{"unknown status", Response{Status: "maybe", Reasoning: "?"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.resp.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, task.ErrValidation)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	collector := NewInputCollector("")
	r, err := NewRegistry(collector)
	require.NoError(t, err)

	err = r.Register(NewInputCollector("input_collector"))
	assert.ErrorIs(t, err, ErrDuplicateAgent)

	require.NoError(t, r.Register(NewFuncAgent("crm", "creates records", nil)))
	got, ok := r.Get("crm")
	require.True(t, ok)
	assert.Equal(t, "crm", got.ID())

	_, ok = r.Get("ghost")
	assert.False(t, ok)

	assert.Equal(t, map[string]bool{"crm": true, "input_collector": true}, r.Known())
	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "crm", infos[0].ID)
	assert.Equal(t, "creates records", infos[0].Description)
}

func TestInputCollector(t *testing.T) {
	c := NewInputCollector("collector")
	c.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	snapshot := &task.TaskContext{Template: task.Template{RequiredFields: []task.FieldSpec{
		{Name: "company", Prompt: "Company name", Required: true, Priority: task.PriorityHigh},
		{Name: "email", Required: true},
		{Name: "notes"},
	}}}

	req := Request{
		Snapshot:  snapshot,
		Data:      map[string]any{"company": "Acme"},
		Operation: RunStep{Position: task.Position{Phase: 1, Agent: 0}},
	}
	resp, err := c.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Validate())
	assert.Equal(t, StatusNeedsInput, resp.Status)
	require.Len(t, resp.UIRequests, 1)
	assert.Equal(t, "p1a0-email", resp.UIRequests[0].RequestID)
	assert.Equal(t, task.PriorityMedium, resp.UIRequests[0].Priority)
	assert.Equal(t, "collector", resp.UIRequests[0].CreatedBy)
	assert.Equal(t, "Please provide email", resp.UIRequests[0].Title())

	req.Data["email"] = "a@b.c"
	resp, err = c.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)

	// CollectInput narrows the field set.
	resp, err = c.Execute(context.Background(), Request{
		Snapshot:  snapshot,
		Data:      map[string]any{},
		Operation: CollectInput{Fields: []task.FieldSpec{{Name: "company", Required: true}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.UIRequests, 1)
	assert.Equal(t, "p0a0-company", resp.UIRequests[0].RequestID)
}

func TestToolAgent(t *testing.T) {
	tools := NewLocalToolChain(WithToolTimeout(time.Second), WithToolRateLimit(100, 10))
	tools.Register("lookup_company", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"domain": args["company"].(string) + ".com", "region": args["region"]}, nil
	})

	var facts []string
	recorder := RecorderFunc(func(ctx context.Context, name string, data map[string]any, reasoning string) error {
		facts = append(facts, name)
		return nil
	})

	a := NewToolAgent(ToolAgentConfig{ID: "enrich", Tool: "lookup_company", Inputs: []string{"company"}, ResultKey: "company_info"})
	resp := Invoke(context.Background(), a, Request{
		Data:       map[string]any{"company": "acme"},
		Parameters: map[string]any{"region": "eu"},
		Operation:  RunStep{},
		Tools:      tools,
		Recorder:   recorder,
	}, time.Second)

	require.Equal(t, StatusCompleted, resp.Status, resp.Error)
	info := resp.Data["company_info"].(map[string]any)
	assert.Equal(t, "acme.com", info["domain"])
	assert.Equal(t, "eu", info["region"])
	assert.Equal(t, []string{"tool_call"}, facts)

	// Missing input.
	resp = Invoke(context.Background(), a, Request{Data: map[string]any{}, Operation: RunStep{}, Tools: tools}, time.Second)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, `input "company"`)
}

func TestLocalToolChain(t *testing.T) {
	tools := NewLocalToolChain(WithToolTimeout(20 * time.Millisecond))
	tools.Register("slow", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	tools.Register("ok", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"x": 1}, nil
	})

	assert.Equal(t, []string{"ok", "slow"}, tools.Tools())

	_, err := tools.ExecuteTool(context.Background(), "slow", nil)
	var tErr *ToolError
	require.ErrorAs(t, err, &tErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = tools.ExecuteTool(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	out, err := tools.ExecuteTool(context.Background(), "ok", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out["x"])
}
