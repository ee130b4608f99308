package workflows

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func waiting(pending ...string) TaskResult {
	return TaskResult{ContextID: "ctx-1", Status: "waiting_for_input", Pending: pending, Completeness: 50}
}

// TestTaskWorkflow tests the signal-driven task workflow.
func TestTaskWorkflow(t *testing.T) {
	t.Run("resumes after a user response", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		a := &Activities{}
		env.RegisterWorkflow(TaskWorkflow)
		env.RegisterActivity(a)

		env.OnActivity(a.Drive, mock.Anything, "ctx-1").Return(waiting("businessName"), nil).Once()
		env.OnActivity(a.Respond, mock.Anything, "ctx-1", mock.MatchedBy(func(s ResponseSignal) bool {
			return s.RequestID == "businessName" && s.Data["businessName"] == "Acme"
		})).Return(TaskResult{ContextID: "ctx-1", Status: "in_progress"}, nil).Once()
		env.OnActivity(a.Drive, mock.Anything, "ctx-1").
			Return(TaskResult{ContextID: "ctx-1", Status: "completed", Completeness: 100}, nil).Once()

		env.RegisterDelayedCallback(func() {
			res, err := env.QueryWorkflow(QueryState)
			require.NoError(t, err)
			var current TaskResult
			require.NoError(t, res.Get(&current))
			assert.Equal(t, "waiting_for_input", current.Status)

			env.SignalWorkflow(SignalUserResponse, ResponseSignal{
				RequestID: "businessName",
				Data:      map[string]any{"businessName": "Acme"},
			})
		}, time.Hour)

		env.ExecuteWorkflow(TaskWorkflow, TaskInput{ContextID: "ctx-1"})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var result TaskResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "completed", result.Status)
		assert.Equal(t, 100, result.Completeness)
		env.AssertExpectations(t)
	})

	t.Run("keeps waiting until every request is answered", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		a := &Activities{}
		env.RegisterWorkflow(TaskWorkflow)
		env.RegisterActivity(a)

		env.OnActivity(a.Drive, mock.Anything, "ctx-1").Return(waiting("businessName", "industry"), nil).Once()
		env.OnActivity(a.Respond, mock.Anything, "ctx-1", mock.MatchedBy(func(s ResponseSignal) bool {
			return s.RequestID == "typo"
		})).Return(TaskResult{ContextID: "ctx-1", Status: "waiting_for_input", Pending: []string{"businessName", "industry"}, Rejected: "typo"}, nil).Once()
		env.OnActivity(a.Respond, mock.Anything, "ctx-1", mock.MatchedBy(func(s ResponseSignal) bool {
			return s.RequestID == "industry" && s.Skip
		})).Return(waiting("businessName"), nil).Once()
		env.OnActivity(a.Respond, mock.Anything, "ctx-1", mock.MatchedBy(func(s ResponseSignal) bool {
			return s.RequestID == "businessName"
		})).Return(TaskResult{ContextID: "ctx-1", Status: "completed", Completeness: 100}, nil).Once()

		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(SignalUserResponse, ResponseSignal{RequestID: "typo"})
		}, time.Minute)
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(SignalUserResponse, ResponseSignal{RequestID: "industry", Skip: true, Reason: "not relevant"})
		}, 2*time.Minute)
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(SignalUserResponse, ResponseSignal{RequestID: "businessName", Data: map[string]any{"businessName": "Acme"}})
		}, 3*time.Minute)

		env.ExecuteWorkflow(TaskWorkflow, TaskInput{ContextID: "ctx-1"})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var result TaskResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "completed", result.Status)
		env.AssertExpectations(t)
	})

	t.Run("cancel signal closes the task", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		a := &Activities{}
		env.RegisterWorkflow(TaskWorkflow)
		env.RegisterActivity(a)

		env.OnActivity(a.Drive, mock.Anything, "ctx-1").Return(waiting("businessName"), nil).Once()
		env.OnActivity(a.Cancel, mock.Anything, "ctx-1", CancelSignal{Reason: "customer withdrew"}).
			Return(TaskResult{ContextID: "ctx-1", Status: "cancelled"}, nil).Once()

		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(SignalCancelTask, CancelSignal{Reason: "customer withdrew"})
		}, time.Hour)

		env.ExecuteWorkflow(TaskWorkflow, TaskInput{ContextID: "ctx-1"})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var result TaskResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "cancelled", result.Status)
		env.AssertExpectations(t)
	})

	t.Run("finishes without waiting when the task fails", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		a := &Activities{}
		env.RegisterWorkflow(TaskWorkflow)
		env.RegisterActivity(a)

		env.OnActivity(a.Drive, mock.Anything, "ctx-1").
			Return(TaskResult{ContextID: "ctx-1", Status: "failed", Failure: "agent crm failed"}, nil).Once()

		env.ExecuteWorkflow(TaskWorkflow, TaskInput{ContextID: "ctx-1"})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var result TaskResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "agent crm failed", result.Failure)
	})

	t.Run("non-retryable drive error fails the workflow", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		a := &Activities{}
		env.RegisterWorkflow(TaskWorkflow)
		env.RegisterActivity(a)

		env.OnActivity(a.Drive, mock.Anything, "ctx-1").
			Return(TaskResult{}, temporal.NewNonRetryableApplicationError("plan rejected", ErrTypeValidation, nil)).Once()

		env.ExecuteWorkflow(TaskWorkflow, TaskInput{ContextID: "ctx-1"})

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		assert.Contains(t, env.GetWorkflowError().Error(), "plan rejected")
	})
}
