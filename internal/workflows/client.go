package workflows

import (
	"context"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkflowID is the Temporal workflow id of a task context.
func WorkflowID(contextID string) string {
	return "taskd-" + contextID
}

// NewWorker creates a worker on taskQueue with the task workflow and
// activities registered. The caller starts and stops it.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(TaskWorkflow)
	w.RegisterActivity(acts)
	return w
}

// Start launches the workflow for a task context.
func Start(ctx context.Context, c client.Client, taskQueue string, in TaskInput) (client.WorkflowRun, error) {
	return c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.ContextID),
		TaskQueue: taskQueue,
	}, TaskWorkflow, in)
}

// SignalResponse delivers a user response to a running workflow.
func SignalResponse(ctx context.Context, c client.Client, contextID string, sig ResponseSignal) error {
	return c.SignalWorkflow(ctx, WorkflowID(contextID), "", SignalUserResponse, sig)
}

// SignalCancel asks a running workflow to cancel its task.
func SignalCancel(ctx context.Context, c client.Client, contextID, reason string) error {
	return c.SignalWorkflow(ctx, WorkflowID(contextID), "", SignalCancelTask, CancelSignal{Reason: reason})
}
