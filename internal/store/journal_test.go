package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

func TestJournal_AssignsSequenceAndClampsTime(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	clock := []time.Time{baseTime, baseTime.Add(-time.Minute), baseTime.Add(time.Minute)}
	i := 0
	var hooked []task.Operation
	j := NewJournal(s, "ctx-j", nil,
		WithClock(func() time.Time { now := clock[i]; i++; return now }),
		WithAfterAppend(func(_ context.Context, e task.Entry) { hooked = append(hooked, e.Operation) }),
	)

	e1, err := j.Append(ctx, task.Draft{
		Actor:     task.SystemActor("executor", "1"),
		Payload:   &task.TaskCreated{TemplateID: "t"},
		Reasoning: "created",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e1.Sequence)
	assert.NotEmpty(t, e1.ID)

	e2, err := j.Append(ctx, task.Draft{
		Actor:   task.Actor{Type: task.ActorUser, ID: "u"},
		Payload: &task.UserResponse{RequestID: "r"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, e2.Sequence)
	assert.Equal(t, e1.Timestamp, e2.Timestamp, "clock regression is clamped")

	e3, err := j.Append(ctx, task.Draft{
		Actor:     task.SystemActor("executor", "1"),
		Payload:   &task.TaskCancelled{},
		Reasoning: "cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, e3.Sequence)
	assert.Equal(t, 3, j.Sequence())
	assert.Equal(t, []task.Operation{task.OpTaskCreated, task.OpUserResponse, task.OpTaskCancelled}, hooked)
}

func TestJournal_RequiresReasoningForSystemActors(t *testing.T) {
	j := NewJournal(NewMemoryStore(), "ctx-r", nil)
	_, err := j.Append(context.Background(), task.Draft{
		Actor:   task.SystemActor("executor", "1"),
		Payload: &task.TaskCreated{},
	})
	assert.ErrorIs(t, err, task.ErrValidation)
	assert.Equal(t, 0, j.Sequence())
}

func TestJournal_ConflictMakesJournalStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first := NewJournal(s, "ctx-c", nil)
	_, err := first.Append(ctx, task.Draft{Actor: task.SystemActor("a", "1"), Payload: &task.TaskCreated{}, Reasoning: "r"})
	require.NoError(t, err)

	history, err := s.Read(ctx, "ctx-c")
	require.NoError(t, err)
	a := NewJournal(s, "ctx-c", history)

	var hookCalls int
	b := NewJournal(s, "ctx-c", history, WithAfterAppend(func(context.Context, task.Entry) { hookCalls++ }))

	_, err = a.Append(ctx, task.Draft{Actor: task.SystemActor("a", "1"), Payload: &task.AgentFact{Name: "x"}, Reasoning: "r"})
	require.NoError(t, err)

	_, err = b.Append(ctx, task.Draft{Actor: task.SystemActor("b", "1"), Payload: &task.AgentFact{Name: "y"}, Reasoning: "r"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrConcurrencyConflict))

	_, err = b.Append(ctx, task.Draft{Actor: task.SystemActor("b", "1"), Payload: &task.AgentFact{Name: "z"}, Reasoning: "r"})
	assert.True(t, errors.Is(err, task.ErrConcurrencyConflict))
	assert.Zero(t, hookCalls)

	history, err = s.Read(ctx, "ctx-c")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
