package workflows

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Engine is the part of the orchestrator the activities call.
type Engine interface {
	Drive(ctx context.Context, contextID string) (state.State, error)
	Respond(ctx context.Context, contextID string, resp orchestrator.UserResponse) (state.State, error)
	Skip(ctx context.Context, contextID, requestID, reason string) (state.State, error)
	Cancel(ctx context.Context, contextID, reason string) (state.State, error)
}

// Activities wraps the engine for Temporal.
type Activities struct {
	engine Engine
}

// NewActivities creates the activity set.
func NewActivities(e Engine) *Activities {
	return &Activities{engine: e}
}

// Drive advances the task until it pauses or finishes.
func (a *Activities) Drive(ctx context.Context, contextID string) (TaskResult, error) {
	start := time.Now()
	st, err := a.engine.Drive(ctx, contextID)
	recordActivity(ctx, "drive", time.Since(start), err)
	if err != nil {
		activity.GetLogger(ctx).Error("Drive failed", "context_id", contextID, "error", err)
		return TaskResult{}, classify(err)
	}
	return resultOf(st), nil
}

// Respond records a response or skip. A signal for a request that is not
// pending is reported in TaskResult.Rejected rather than failing.
func (a *Activities) Respond(ctx context.Context, contextID string, sig ResponseSignal) (TaskResult, error) {
	start := time.Now()
	var st state.State
	var err error
	if sig.Skip {
		st, err = a.engine.Skip(ctx, contextID, sig.RequestID, sig.Reason)
	} else {
		st, err = a.engine.Respond(ctx, contextID, orchestrator.UserResponse{
			RequestID: sig.RequestID,
			Data:      sig.Data,
			UserID:    sig.UserID,
		})
	}
	recordActivity(ctx, "respond", time.Since(start), err)

	if errors.Is(err, task.ErrUnknownRequest) {
		activity.GetLogger(ctx).Warn("Response for unknown request", "context_id", contextID, "request_id", sig.RequestID)
		r := resultOf(st)
		r.Rejected = sig.RequestID
		return r, nil
	}
	if err != nil {
		return TaskResult{}, classify(err)
	}
	return resultOf(st), nil
}

// Cancel closes the task. A task that is already terminal is not an error.
func (a *Activities) Cancel(ctx context.Context, contextID string, sig CancelSignal) (TaskResult, error) {
	start := time.Now()
	st, err := a.engine.Cancel(ctx, contextID, sig.Reason)
	recordActivity(ctx, "cancel", time.Since(start), err)
	if errors.Is(err, task.ErrTerminal) {
		return resultOf(st), nil
	}
	if err != nil {
		return TaskResult{}, classify(err)
	}
	return resultOf(st), nil
}

func resultOf(st state.State) TaskResult {
	r := TaskResult{
		ContextID:    st.ContextID,
		Status:       string(st.Status),
		Completeness: st.Completeness,
		LastSequence: st.LastSequence,
	}
	for _, p := range st.Pending {
		r.Pending = append(r.Pending, p.RequestID)
	}
	if st.Failure != nil {
		r.Failure = st.Failure.Reasoning
	}
	return r
}

// Error types of non-retryable application errors.
const (
	ErrTypeValidation = "ValidationError"
	ErrTypeUpstream   = "UpstreamError"
	ErrTypeTerminal   = "TerminalError"
	ErrTypeNotFound   = "NotFoundError"
	ErrTypeCorruption = "CorruptionError"
)

// classify marks errors a retry cannot fix as non-retryable. Conflicts
// stay retryable; the next attempt reloads history.
func classify(err error) error {
	var kind string
	switch {
	case errors.Is(err, task.ErrValidation):
		kind = ErrTypeValidation
	case errors.Is(err, task.ErrUpstream):
		kind = ErrTypeUpstream
	case errors.Is(err, task.ErrTerminal):
		kind = ErrTypeTerminal
	case errors.Is(err, task.ErrNotFound):
		kind = ErrTypeNotFound
	case errors.Is(err, task.ErrStateCorruption), errors.Is(err, task.ErrQuarantined):
		kind = ErrTypeCorruption
	default:
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), kind, err)
}
