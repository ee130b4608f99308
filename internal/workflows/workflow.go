// Package workflows runs task contexts as Temporal workflows. The workflow
// drives a task until it pauses, then blocks on signals instead of polling:
// each user response is recorded through an activity, and the task is
// driven again once nothing is left pending.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/taskd/internal/state"
)

// Signal and query names.
const (
	SignalUserResponse = "user-response"
	SignalCancelTask   = "cancel"
	QueryState         = "state"
)

// DefaultStepTimeout bounds one drive, respond or cancel activity.
const DefaultStepTimeout = 10 * time.Minute

// TaskInput starts a TaskWorkflow for an existing task context.
type TaskInput struct {
	ContextID   string
	StepTimeout time.Duration
}

// ResponseSignal carries a user response, or a skip when Skip is set.
type ResponseSignal struct {
	RequestID string
	Data      map[string]any
	UserID    string
	Skip      bool
	Reason    string
}

// CancelSignal asks the workflow to cancel the task.
type CancelSignal struct {
	Reason string
}

// TaskResult is the state summary returned by activities and by the
// workflow itself.
type TaskResult struct {
	ContextID    string
	Status       string
	Pending      []string
	Completeness int
	LastSequence int
	Failure      string
	// Rejected names a response signal that did not match a pending
	// request.
	Rejected string
}

// Terminal reports whether the task can make no further progress.
func (r TaskResult) Terminal() bool {
	return state.Status(r.Status).Terminal()
}

// TaskWorkflow drives a task context to a terminal status.
func TaskWorkflow(ctx workflow.Context, in TaskInput) (*TaskResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting task workflow", "context_id", in.ContextID)

	timeout := in.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})

	current := TaskResult{ContextID: in.ContextID}
	if err := workflow.SetQueryHandler(ctx, QueryState, func() (TaskResult, error) {
		return current, nil
	}); err != nil {
		return nil, err
	}

	responses := workflow.GetSignalChannel(ctx, SignalUserResponse)
	cancels := workflow.GetSignalChannel(ctx, SignalCancelTask)

	var a *Activities
	for {
		if err := workflow.ExecuteActivity(ctx, a.Drive, in.ContextID).Get(ctx, &current); err != nil {
			logger.Error("Drive failed", "context_id", in.ContextID, "error", err)
			return nil, err
		}
		if current.Terminal() {
			logger.Info("Task finished", "context_id", in.ContextID, "status", current.Status)
			return &current, nil
		}

		for len(current.Pending) > 0 {
			logger.Info("Waiting for input", "context_id", in.ContextID, "pending", len(current.Pending))

			var cancelled bool
			var actErr error
			sel := workflow.NewSelector(ctx)
			sel.AddReceive(responses, func(c workflow.ReceiveChannel, _ bool) {
				var sig ResponseSignal
				c.Receive(ctx, &sig)
				actErr = workflow.ExecuteActivity(ctx, a.Respond, in.ContextID, sig).Get(ctx, &current)
				if actErr == nil && current.Rejected != "" {
					logger.Warn("Ignored response for request that is not pending", "request_id", current.Rejected)
				}
			})
			sel.AddReceive(cancels, func(c workflow.ReceiveChannel, _ bool) {
				var sig CancelSignal
				c.Receive(ctx, &sig)
				cancelled = true
				actErr = workflow.ExecuteActivity(ctx, a.Cancel, in.ContextID, sig).Get(ctx, &current)
			})
			sel.Select(ctx)

			if actErr != nil {
				return nil, actErr
			}
			if cancelled || current.Terminal() {
				logger.Info("Task finished", "context_id", in.ContextID, "status", current.Status)
				return &current, nil
			}
		}
	}
}
