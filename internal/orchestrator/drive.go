package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/planner"
	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Drive advances a task until it pauses for input, reaches a terminal
// status or hits an error. Driving a paused or terminal task is a no-op
// that returns its state.
//
// Agent failures end the task and are not returned as errors. Validation
// and upstream failures end the task and are returned. Concurrency
// conflicts are returned without further appends.
func (e *Engine) Drive(ctx context.Context, contextID string) (state.State, error) {
	ctx = logging.WithTaskContextID(ctx, contextID)
	ctx, span := e.tracer.Start(ctx, "orchestrator.drive",
		trace.WithAttributes(attribute.String("task.context_id", contextID)))
	defer span.End()

	unlock, err := e.locks.Lock(ctx, contextID)
	if err != nil {
		return state.State{}, err
	}
	defer unlock()

	s, err := e.open(ctx, contextID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state.State{}, err
	}

	st, err := e.drive(ctx, s)
	span.SetAttributes(
		attribute.String("task.status", string(st.Status)),
		attribute.Int("task.completeness", st.Completeness),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return st, err
}

// drive runs the state machine on a locked session.
func (e *Engine) drive(ctx context.Context, s *session) (state.State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s.st, err
		}
		st := s.st
		switch {
		case st.Status.Terminal():
			return st, nil

		case st.Plan == nil:
			if err := e.plan(ctx, s); err != nil {
				return s.st, err
			}

		case len(st.Pending) > 0:
			e.logger.Debug("task waiting for input",
				zap.String("context_id", st.ContextID),
				zap.Int("pending", len(st.Pending)))
			return st, nil

		case st.Exhausted:
			phases := st.Plan.PhaseIDs()
			_, err := e.append(ctx, s, task.Draft{
				Actor:     e.system(),
				Payload:   &task.TaskCompleted{Phases: phases},
				Reasoning: fmt.Sprintf("all %d phase(s) finished", len(phases)),
				Trigger:   task.Trigger{Type: "phase_transition", Source: Component},
			})
			if err != nil {
				return s.st, err
			}
			e.logger.Info("task completed", zap.String("context_id", st.ContextID))

		default:
			next, err := e.step(ctx, s)
			if err != nil {
				return s.st, err
			}
			s = next
		}
	}
}

func (e *Engine) capabilities() []planner.Capability {
	infos := e.agents.List()
	caps := make([]planner.Capability, 0, len(infos))
	for _, info := range infos {
		c := planner.Capability{ID: info.ID, Description: info.Description}
		if a, ok := e.agents.Get(info.ID); ok {
			for _, op := range []agent.Operation{agent.RunStep{}, agent.CollectInput{}} {
				if a.Supports(op) {
					c.Operations = append(c.Operations, op.Name())
				}
			}
		}
		caps = append(caps, c)
	}
	return caps
}

func (e *Engine) plan(ctx context.Context, s *session) error {
	ctx, span := e.tracer.Start(ctx, "orchestrator.plan",
		trace.WithAttributes(attribute.String("template.id", s.tc.TemplateID)))
	defer span.End()

	plan, err := e.planner.Plan(ctx, s.journal, s.tc.Template, s.st, e.capabilities())
	if err == nil {
		span.SetAttributes(
			attribute.Int("plan.phases", len(plan.Phases)),
			attribute.Int("plan.steps", plan.Steps()),
		)
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case ctx.Err() != nil:
	case errors.Is(err, task.ErrConcurrencyConflict):
		e.metrics.Conflicts.Inc()
	case errors.Is(err, task.ErrValidation):
		e.failBestEffort(ctx, s, &task.TaskFailed{
			Kind:            task.FailureValidation,
			FailedOperation: string(task.OpPlanCreated),
			Cause:           err.Error(),
		}, "execution plan rejected: "+err.Error())
	case errors.Is(err, task.ErrUpstream):
		e.failBestEffort(ctx, s, &task.TaskFailed{
			Kind:            task.FailureUpstream,
			FailedOperation: "planning",
			Cause:           err.Error(),
		}, "planning failed: "+err.Error())
	}
	return err
}

// failBestEffort appends task_failed and only logs when that append fails.
func (e *Engine) failBestEffort(ctx context.Context, s *session, f *task.TaskFailed, reasoning string) {
	_, err := e.append(ctx, s, task.Draft{
		Actor:     e.system(),
		Payload:   f,
		Reasoning: reasoning,
		Trigger:   task.Trigger{Type: "failure", Source: f.FailedOperation},
	})
	if err != nil {
		e.logger.Warn("failed to record task failure",
			zap.String("context_id", s.journal.ContextID()),
			zap.String("failed_operation", f.FailedOperation),
			zap.Error(err))
		return
	}
	e.logger.Warn("task failed",
		zap.String("context_id", s.journal.ContextID()),
		zap.String("kind", string(f.Kind)),
		zap.String("failed_operation", f.FailedOperation),
		zap.String("reasoning", reasoning))
}

// factRecorder appends agent_fact entries while its agent step runs.
type factRecorder struct {
	e     *Engine
	s     *session
	actor task.Actor

	mu     sync.Mutex
	closed bool
}

func (r *factRecorder) RecordFact(ctx context.Context, name string, data map[string]any, reasoning string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("agent %s: step already finished", r.actor.ID)
	}
	if reasoning == "" {
		reasoning = "recorded " + name
	}
	_, err := r.e.append(ctx, r.s, task.Draft{
		Actor:     r.actor,
		Payload:   &task.AgentFact{AgentID: r.actor.ID, Name: name, Data: data},
		Reasoning: reasoning,
		Trigger:   task.Trigger{Type: "agent_fact", Source: r.actor.ID},
	})
	return err
}

// close blocks until an in-flight RecordFact returns.
func (r *factRecorder) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// step runs the agent at the cursor and records its outcome. It returns the
// session to continue with, which differs from s only when a concurrent
// terminal write forced a reload.
func (e *Engine) step(ctx context.Context, s *session) (*session, error) {
	plan := *s.st.Plan
	pos := s.st.Cursor
	phase := plan.Phases[pos.Phase]
	agentID := phase.Agents[pos.Agent]
	contextID := s.journal.ContextID()

	a, ok := e.agents.Get(agentID)
	if !ok {
		_, err := e.append(ctx, s, e.agentFailure(pos, agentID, fmt.Sprintf("agent %s is not registered", agentID)))
		return s, err
	}

	var op agent.Operation = agent.RunStep{Phase: phase, Position: pos}
	if phase.Strategy == task.StrategyCollectInput {
		op = agent.CollectInput{Phase: phase, Position: pos, Fields: s.tc.Template.RequiredFields}
	}
	actor := task.Actor{Type: task.ActorAgent, ID: a.ID(), Version: a.Version()}
	rec := &factRecorder{e: e, s: s, actor: actor}

	req := agent.Request{
		Snapshot:  s.tc.Clone(),
		Data:      maps.Clone(s.st.Data),
		Operation: op,
		Parameters: map[string]any{
			"phase_id":   phase.ID,
			"phase_goal": phase.Goal,
			"task_goal":  s.tc.Template.Goal,
		},
		Recorder: rec,
		Tools:    e.tools,
	}

	actx, span := e.tracer.Start(ctx, "orchestrator.agent", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("agent.operation", op.Name()),
		attribute.String("phase.id", phase.ID),
		attribute.String("plan.position", pos.String()),
	))
	start := time.Now()
	resp := agent.Invoke(actx, a, req, e.cfg.AgentTimeout)
	rec.close()
	span.SetAttributes(attribute.String("agent.status", string(resp.Status)))
	if resp.Status == agent.StatusError {
		span.SetStatus(codes.Error, resp.Error)
	}
	span.End()

	if err := ctx.Err(); err != nil {
		return s, err
	}
	e.metrics.agentStep(agentID, resp.Status, time.Since(start))
	e.logger.Debug("agent step finished",
		zap.String("context_id", contextID),
		zap.String("agent", agentID),
		zap.String("position", pos.String()),
		zap.String("status", string(resp.Status)),
		zap.Duration("duration", time.Since(start)))

	if err := resp.Validate(); err != nil {
		e.failBestEffort(ctx, s, &task.TaskFailed{
			Kind:            task.FailureValidation,
			FailedOperation: "agent_step",
			Position:        &pos,
			AgentID:         agentID,
			Cause:           err.Error(),
		}, fmt.Sprintf("agent %s returned an invalid response: %v", agentID, err))
		return s, err
	}

	var drafts []task.Draft
	switch resp.Status {
	case agent.StatusCompleted:
		drafts = append(drafts, task.Draft{
			Actor: actor,
			Payload: &task.AgentStepCompleted{
				Position:      pos,
				PhaseID:       phase.ID,
				AgentID:       agentID,
				ContextUpdate: resp.Data,
				NextAgentHint: resp.NextAgentHint,
			},
			Reasoning: reasoningOr(resp.Reasoning, fmt.Sprintf("agent %s completed %s", agentID, pos)),
			Trigger:   task.Trigger{Type: "agent_step", Source: agentID},
		})

	case agent.StatusNeedsInput:
		data := maps.Clone(s.st.Data)
		maps.Copy(data, resp.Data)
		result, err := e.optimizer.Optimize(ctx, resp.UIRequests, data)
		if err != nil {
			if ctx.Err() == nil {
				e.failBestEffort(ctx, s, &task.TaskFailed{
					Kind:            task.FailureUpstream,
					FailedOperation: "ui_request_optimization",
					Position:        &pos,
					AgentID:         agentID,
					Cause:           err.Error(),
				}, "request optimization failed: "+err.Error())
			}
			return s, err
		}
		payload := &task.UIRequestGenerated{
			Position:      pos,
			PhaseID:       phase.ID,
			AgentID:       agentID,
			ContextUpdate: resp.Data,
			Requests:      resp.UIRequests,
		}
		result.Annotate(payload)
		drafts = append(drafts, task.Draft{
			Actor:     actor,
			Payload:   payload,
			Reasoning: reasoningOr(resp.Reasoning, fmt.Sprintf("agent %s needs %d input(s)", agentID, len(resp.UIRequests))),
			Trigger:   task.Trigger{Type: "agent_step", Source: agentID},
		})
		if e.cfg.AutoSkip {
			for _, id := range result.Order {
				if reason := result.Skippable[id]; reason != "" {
					drafts = append(drafts, task.Draft{
						Actor:     e.system(),
						Payload:   &task.UIRequestSkipped{RequestID: id, Reason: reason},
						Reasoning: "skipped inferable request: " + reason,
						Trigger:   task.Trigger{Type: "auto_skip", Source: "optimizer"},
					})
				}
			}
		}

	default:
		drafts = append(drafts, e.agentFailure(pos, agentID, reasoningOr(resp.Error, resp.Reasoning)))
	}

	for i, d := range drafts {
		if _, err := e.append(ctx, s, d); err != nil {
			if i == 0 && errors.Is(err, task.ErrConcurrencyConflict) {
				return e.recordLate(ctx, contextID, d, err)
			}
			return s, err
		}
	}
	return s, nil
}

func (e *Engine) agentFailure(pos task.Position, agentID, cause string) task.Draft {
	return task.Draft{
		Actor: e.system(),
		Payload: &task.TaskFailed{
			Kind:            task.FailureAgent,
			FailedOperation: "agent_step",
			Position:        &pos,
			AgentID:         agentID,
			Cause:           cause,
		},
		Reasoning: fmt.Sprintf("agent %s failed at %s: %s", agentID, pos, cause),
		Trigger:   task.Trigger{Type: "agent_step", Source: agentID},
	}
}

// recordLate handles a conflict on an agent result. When the context was
// closed meanwhile, the result is kept as a late entry after the terminal
// one; otherwise the conflict is returned.
func (e *Engine) recordLate(ctx context.Context, contextID string, d task.Draft, conflict error) (*session, error) {
	s, err := e.open(ctx, contextID)
	if err != nil {
		return nil, errors.Join(conflict, err)
	}
	if !s.st.Status.Terminal() {
		return s, conflict
	}
	if _, err := e.append(ctx, s, d); err != nil {
		return s, err
	}
	e.logger.Info("agent result recorded after task closed",
		zap.String("context_id", contextID),
		zap.String("operation", string(d.Payload.Operation())),
		zap.String("status", string(s.st.Status)))
	return s, nil
}

func reasoningOr(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
