package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// historyBuilder appends well formed entries for tests.
type historyBuilder struct {
	t       *testing.T
	entries []task.Entry
	now     time.Time
}

func newHistory(t *testing.T) *historyBuilder {
	return &historyBuilder{t: t, now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (b *historyBuilder) add(actor task.ActorType, p task.Payload) *historyBuilder {
	b.t.Helper()
	data, err := task.Encode(p)
	require.NoError(b.t, err)
	b.now = b.now.Add(time.Second)
	b.entries = append(b.entries, task.Entry{
		ID:        fmt.Sprintf("e%d", len(b.entries)+1),
		ContextID: "ctx-1",
		Timestamp: b.now,
		Sequence:  len(b.entries) + 1,
		Actor:     task.Actor{Type: actor, ID: string(actor)},
		Operation: p.Operation(),
		Data:      data,
		Reasoning: "because",
	})
	return b
}

func (b *historyBuilder) system(p task.Payload) *historyBuilder { return b.add(task.ActorSystem, p) }
func (b *historyBuilder) user(p task.Payload) *historyBuilder   { return b.add(task.ActorUser, p) }

var twoPhasePlan = task.ExecutionPlan{Phases: []task.Phase{
	{ID: "A", Agents: []string{"a1", "a2"}},
	{ID: "B", Agents: []string{"b1"}},
}}

func created() *task.TaskCreated {
	return &task.TaskCreated{TemplateID: "tmpl", TenantID: "acme", InitialData: map[string]any{"source": "api"}}
}

func TestCompute_HappyPath(t *testing.T) {
	h := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan}).
		system(&task.AgentStepCompleted{Position: task.Position{Phase: 0, Agent: 0}, AgentID: "a1", ContextUpdate: map[string]any{"k": 1.0}}).
		system(&task.AgentStepCompleted{Position: task.Position{Phase: 0, Agent: 1}, AgentID: "a2", ContextUpdate: map[string]any{"k": 2.0}}).
		system(&task.AgentStepCompleted{Position: task.Position{Phase: 1, Agent: 0}, AgentID: "b1"}).
		system(&task.TaskCompleted{Phases: []string{"A", "B"}})

	st := Compute(h.entries)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Completeness)
	assert.Equal(t, 2.0, st.Data["k"], "later keys override")
	assert.Equal(t, "api", st.Data["source"])
	assert.Equal(t, []string{"A", "B"}, st.CompletedPhases)
	assert.True(t, st.Exhausted)
	assert.Equal(t, 6, st.LastSequence)
	assert.Equal(t, "acme", st.TenantID)
	assert.Empty(t, st.Anomalies)
}

func TestCompute_CursorAndCompleteness(t *testing.T) {
	h := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan})

	st := Compute(h.entries)
	assert.Equal(t, StatusInProgress, st.Status)
	assert.Equal(t, task.Position{}, st.Cursor)
	assert.Equal(t, 0, st.Completeness)

	h.system(&task.AgentStepCompleted{Position: task.Position{Phase: 0, Agent: 0}, AgentID: "a1"}).
		system(&task.AgentStepCompleted{Position: task.Position{Phase: 0, Agent: 1}, AgentID: "a2"})
	st = Compute(h.entries)
	assert.Equal(t, task.Position{Phase: 1, Agent: 0}, st.Cursor)
	assert.Equal(t, 66, st.Completeness)
	assert.False(t, st.Exhausted)
}

func TestCompute_StatusBeforePlan(t *testing.T) {
	st := Compute(newHistory(t).system(created()).entries)
	assert.Equal(t, StatusCreated, st.Status)
	assert.Nil(t, st.Plan)
}

func pauseEntry() *task.UIRequestGenerated {
	return &task.UIRequestGenerated{
		Position: task.Position{Phase: 0, Agent: 1},
		AgentID:  "a2",
		Requests: []task.UIRequest{
			{RequestID: "r1", Priority: task.PriorityLow, SemanticData: task.SemanticData{Title: "Name"}},
			{RequestID: "r2", Priority: task.PriorityHigh, SemanticData: task.SemanticData{Title: "Email"}},
			{RequestID: "r3", Priority: task.PriorityMedium},
		},
		Order:     []string{"r2", "r1", "r3"},
		Skippable: map[string]string{"r3": "derivable from email domain"},
	}
}

func TestCompute_PendingInteractions(t *testing.T) {
	h := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan}).
		system(&task.AgentStepCompleted{Position: task.Position{}, AgentID: "a1"}).
		system(pauseEntry())

	st := Compute(h.entries)
	require.Equal(t, StatusWaitingForInput, st.Status)
	require.Len(t, st.Pending, 3)
	assert.Equal(t, []string{"r2", "r1", "r3"}, pendingIDs(st))
	assert.Equal(t, "Email", st.Pending[0].Title)
	assert.Equal(t, InteractionSkippable, st.Pending[2].Status)
	assert.Equal(t, "a2", st.Pending[0].AgentID)
	assert.Equal(t, task.Position{Phase: 1, Agent: 0}, st.Cursor, "needs_input counts as the agent's step")

	h.user(&task.UserResponse{RequestID: "r2", Data: map[string]any{"email": "a@b.c"}})
	st = Compute(h.entries)
	assert.Equal(t, []string{"r1", "r3"}, pendingIDs(st))
	assert.Equal(t, "a@b.c", st.Data["email"])

	h.user(&task.UserResponse{RequestID: "r1", Data: map[string]any{"name": "Ada"}}).
		system(&task.UIRequestSkipped{RequestID: "r3", Reason: "inferred"})
	st = Compute(h.entries)
	assert.Empty(t, st.Pending)
	assert.Equal(t, StatusInProgress, st.Status)

	_, ok := st.PendingRequest("r1")
	assert.False(t, ok)
}

func TestCompute_PauseCorrectness(t *testing.T) {
	// Every raised request is either pending or has exactly one resolution.
	h := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan}).
		system(&task.AgentStepCompleted{Position: task.Position{}, AgentID: "a1"}).
		system(pauseEntry()).
		user(&task.UserResponse{RequestID: "r1"})

	st := Compute(h.entries)
	resolved := map[string]bool{"r1": true}
	for _, id := range []string{"r1", "r2", "r3"} {
		_, pending := st.PendingRequest(id)
		assert.NotEqual(t, pending, resolved[id], id)
	}
}

func TestCompute_ReraisedRequestIsPendingAgain(t *testing.T) {
	confirm := task.UIRequest{RequestID: "confirm", Priority: task.PriorityHigh}
	h := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan}).
		system(&task.UIRequestGenerated{Position: task.Position{Phase: 0, Agent: 0}, AgentID: "a1", Requests: []task.UIRequest{confirm}}).
		user(&task.UserResponse{RequestID: "confirm", Data: map[string]any{"ok": true}}).
		system(&task.UIRequestGenerated{Position: task.Position{Phase: 0, Agent: 1}, AgentID: "a2", Requests: []task.UIRequest{confirm}})

	st := Compute(h.entries)
	assert.Equal(t, StatusWaitingForInput, st.Status)
	require.Equal(t, []string{"confirm"}, pendingIDs(st))
	assert.Equal(t, "a2", st.Pending[0].AgentID)

	h.user(&task.UserResponse{RequestID: "confirm", Data: map[string]any{"ok": false}})
	st = Compute(h.entries)
	assert.Empty(t, st.Pending)
	assert.Equal(t, StatusInProgress, st.Status)
	assert.Equal(t, false, st.Data["ok"])
}

func TestCompute_Purity(t *testing.T) {
	h := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan}).
		system(&task.AgentStepCompleted{Position: task.Position{}, AgentID: "a1", ContextUpdate: map[string]any{"n": 1.0}}).
		system(pauseEntry()).
		system(&task.AgentFact{AgentID: "a2", Name: "lookup", Data: map[string]any{"hit": true}})

	snapshot, err := json.Marshal(h.entries)
	require.NoError(t, err)

	first := Compute(h.entries)
	first.Data["n"] = 99.0
	second := Compute(h.entries)

	assert.Equal(t, 1.0, second.Data["n"], "returned state does not alias history")
	assert.Equal(t, Compute(h.entries), second)

	after, err := json.Marshal(h.entries)
	require.NoError(t, err)
	assert.JSONEq(t, string(snapshot), string(after))
}

func TestCompute_OrphanCompletionIgnored(t *testing.T) {
	h := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan}).
		system(&task.TaskCompleted{Phases: []string{"A"}})

	st := Compute(h.entries)
	assert.Equal(t, StatusInProgress, st.Status)
	assert.Len(t, st.Anomalies, 1)
	assert.Less(t, st.Completeness, 100)
}

func TestCompute_FailureAndLateEntries(t *testing.T) {
	pos := task.Position{Phase: 1, Agent: 0}
	h := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan}).
		system(&task.TaskFailed{Kind: task.FailureAgent, FailedOperation: "agent:b1", Position: &pos, AgentID: "b1"}).
		system(&task.AgentFact{AgentID: "b1", Name: "late", Data: map[string]any{"late": true}})

	st := Compute(h.entries)
	assert.Equal(t, StatusFailed, st.Status)
	require.NotNil(t, st.Failure)
	assert.Equal(t, "B", st.Failure.Phase)
	assert.Equal(t, "b1", st.Failure.Agent)
	assert.Equal(t, "because", st.Failure.Reasoning)
	assert.Equal(t, 1, st.LateEntries)
	assert.NotContains(t, st.Data, "late")
}

func TestCompute_CancelledAndUnknownOperations(t *testing.T) {
	h := newHistory(t).system(created())
	h.entries = append(h.entries, task.Entry{
		ID: "x", ContextID: "ctx-1", Sequence: 2, Timestamp: h.now,
		Operation: "agent_reflection", Data: json.RawMessage(`{"k":"v"}`),
		Actor: task.Actor{Type: task.ActorAgent, ID: "a"}, Reasoning: "r",
	})
	h.system(&task.TaskCancelled{Reason: "user"})

	st := Compute(h.entries)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.NotContains(t, st.Data, "k")
	assert.True(t, st.Status.Terminal())
}

func TestVerify(t *testing.T) {
	good := newHistory(t).
		system(created()).
		system(&task.PlanCreated{Plan: twoPhasePlan}).
		system(&task.AgentStepCompleted{Position: task.Position{}, AgentID: "a1"}).entries
	require.NoError(t, Verify(good))
	require.NoError(t, Verify(nil))

	tests := []struct {
		name   string
		mutate func(h []task.Entry) []task.Entry
	}{
		{"gap", func(h []task.Entry) []task.Entry { return append(h[:1], h[2:]...) }},
		{"timestamp regression", func(h []task.Entry) []task.Entry {
			h[2].Timestamp = h[0].Timestamp.Add(-time.Minute)
			return h
		}},
		{"first entry", func(h []task.Entry) []task.Entry { h[0].Operation = task.OpAgentFact; return h }},
		{"mixed context", func(h []task.Entry) []task.Entry { h[1].ContextID = "other"; return h }},
		{"undecodable payload", func(h []task.Entry) []task.Entry { h[1].Data = json.RawMessage(`{"plan":`); return h }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := make([]task.Entry, len(good))
			copy(h, good)
			err := Verify(tt.mutate(h))
			require.Error(t, err)
			assert.True(t, errors.Is(err, task.ErrStateCorruption))
			var cerr *task.CorruptionError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, "ctx-1", cerr.ContextID)
		})
	}
}

func pendingIDs(st State) []string {
	ids := make([]string, 0, len(st.Pending))
	for _, p := range st.Pending {
		ids = append(ids, p.RequestID)
	}
	return ids
}
