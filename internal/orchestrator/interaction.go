package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// cancelAttempts bounds Cancel's reload loop under concurrent writes.
const cancelAttempts = 3

// UserResponse answers one pending request.
type UserResponse struct {
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data"`
	UserID    string         `json:"user_id,omitempty"`
}

// Respond records a user response. With AutoResume the task is driven once
// nothing is left pending.
func (e *Engine) Respond(ctx context.Context, contextID string, resp UserResponse) (state.State, error) {
	user := resp.UserID
	if user == "" {
		user = "anonymous"
	}
	return e.resolve(ctx, contextID, resp.RequestID, task.Draft{
		Actor:   task.Actor{Type: task.ActorUser, ID: user},
		Payload: &task.UserResponse{RequestID: resp.RequestID, Data: resp.Data},
		Trigger: task.Trigger{Type: "user_input", Source: "api"},
	})
}

// Skip explicitly skips a pending request. The request stays in history.
func (e *Engine) Skip(ctx context.Context, contextID, requestID, reason string) (state.State, error) {
	if reason == "" {
		reason = "skipped on request"
	}
	return e.resolve(ctx, contextID, requestID, task.Draft{
		Actor:     e.system(),
		Payload:   &task.UIRequestSkipped{RequestID: requestID, Reason: reason},
		Reasoning: "request skipped: " + reason,
		Trigger:   task.Trigger{Type: "skip", Source: "api"},
	})
}

func (e *Engine) resolve(ctx context.Context, contextID, requestID string, d task.Draft) (state.State, error) {
	ctx = logging.WithTaskContextID(ctx, contextID)
	unlock, err := e.locks.Lock(ctx, contextID)
	if err != nil {
		return state.State{}, err
	}
	defer unlock()

	s, err := e.open(ctx, contextID)
	if err != nil {
		return state.State{}, err
	}
	if s.st.Status.Terminal() {
		return s.st, fmt.Errorf("%s is %s: %w", contextID, s.st.Status, task.ErrTerminal)
	}
	if _, ok := s.st.PendingRequest(requestID); !ok {
		return s.st, fmt.Errorf("%s: request %q: %w", contextID, requestID, task.ErrUnknownRequest)
	}
	if _, err := e.append(ctx, s, d); err != nil {
		return s.st, err
	}
	e.logger.Info("request resolved",
		zap.String("context_id", contextID),
		zap.String("request_id", requestID),
		zap.String("operation", string(d.Payload.Operation())),
		zap.Int("pending", len(s.st.Pending)))

	if e.cfg.AutoResume && len(s.st.Pending) == 0 {
		return e.drive(ctx, s)
	}
	return s.st, nil
}

// Cancel closes a task with task_cancelled. It does not wait for a running
// Drive; the store's sequence check decides which write lands first, and an
// agent result that loses is kept as a late entry.
func (e *Engine) Cancel(ctx context.Context, contextID, reason string) (state.State, error) {
	ctx = logging.WithTaskContextID(ctx, contextID)
	if reason == "" {
		reason = "cancelled on request"
	}

	var lastErr error
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		s, err := e.open(ctx, contextID)
		if err != nil {
			return state.State{}, err
		}
		if s.st.Status.Terminal() {
			return s.st, fmt.Errorf("%s is %s: %w", contextID, s.st.Status, task.ErrTerminal)
		}
		_, err = e.append(ctx, s, task.Draft{
			Actor:     e.system(),
			Payload:   &task.TaskCancelled{Reason: reason},
			Reasoning: "task cancelled: " + reason,
			Trigger:   task.Trigger{Type: "api", Source: "cancel"},
		})
		if err == nil {
			e.logger.Info("task cancelled", zap.String("context_id", contextID), zap.String("reason", reason))
			return s.st, nil
		}
		if !errors.Is(err, task.ErrConcurrencyConflict) {
			return s.st, err
		}
		lastErr = err
	}
	return state.State{}, lastErr
}
