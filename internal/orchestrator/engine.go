package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/disclosure"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/notify"
	"github.com/fyrsmithlabs/taskd/internal/secrets"
	"github.com/fyrsmithlabs/taskd/internal/planner"
	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/store"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Component is the actor id of entries the engine writes itself.
const Component = "orchestrator"

const tracerName = "github.com/fyrsmithlabs/taskd/internal/orchestrator"

// Planner produces and records the execution plan of a task.
type Planner interface {
	Plan(ctx context.Context, j *store.Journal, tmpl task.Template, st state.State, caps []planner.Capability) (task.ExecutionPlan, error)
}

// Optimizer orders the requests an agent raised.
type Optimizer interface {
	Optimize(ctx context.Context, requests []task.UIRequest, data map[string]any) (disclosure.Result, error)
}

// Config tunes the engine.
type Config struct {
	// AgentTimeout bounds one agent step. Zero means no limit beyond ctx.
	AgentTimeout time.Duration
	// AutoResume drives the task again once the last pending request is
	// answered or skipped.
	AutoResume bool
	// AutoSkip skips requests the optimizer marked as inferable.
	AutoSkip bool
	// Version is recorded on system entries.
	Version string
}

// Quarantine is a context held back because its history failed
// verification.
type Quarantine struct {
	ContextID string    `json:"context_id"`
	Sequence  int       `json:"sequence"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Engine advances task contexts. It is safe for concurrent use.
type Engine struct {
	store     store.Store
	agents    *agent.Registry
	planner   Planner
	optimizer Optimizer

	cfg       Config
	tools     agent.ToolChain
	publisher notify.Publisher
	logger    *zap.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
	progress  ProgressCallback
	scrubber  secrets.Scrubber

	locks *keyedMutex

	qmu         sync.Mutex
	quarantined map[string]Quarantine
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithTools sets the tool chain handed to agents.
func WithTools(tc agent.ToolChain) Option {
	return func(e *Engine) { e.tools = tc }
}

// WithPublisher sets the notification sink.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Named(Component)
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the time source for entries.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides entry and context id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithScrubber redacts secrets from entry reasoning and failure causes
// before they are appended.
func WithScrubber(sc secrets.Scrubber) Option {
	return func(e *Engine) {
		if sc != nil {
			e.scrubber = sc
		}
	}
}

// OnProgress registers a callback run after every appended entry.
func OnProgress(fn ProgressCallback) Option {
	return func(e *Engine) { e.progress = fn }
}

// New creates an Engine.
func New(s store.Store, agents *agent.Registry, p Planner, o Optimizer, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if agents == nil {
		return nil, errors.New("orchestrator: agent registry is required")
	}
	if p == nil {
		return nil, errors.New("orchestrator: planner is required")
	}
	if o == nil {
		return nil, errors.New("orchestrator: optimizer is required")
	}
	e := &Engine{
		store:       s,
		agents:      agents,
		planner:     p,
		optimizer:   o,
		publisher:   notify.Nop{},
		scrubber:    secrets.Nop{},
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		locks:       newKeyedMutex(),
		quarantined: make(map[string]Quarantine),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e, nil
}

// session is one loaded task context plus the journal that extends it.
// The journal hook keeps history and state current after every append.
type session struct {
	tc      *task.TaskContext
	st      state.State
	journal *store.Journal
}

func (e *Engine) newSession(contextID string, history []task.Entry) *session {
	s := &session{st: state.Compute(history)}
	if len(history) > 0 {
		s.tc, _ = task.FromHistory(history)
	}
	s.journal = store.NewJournal(e.store, contextID, history,
		store.WithClock(e.now),
		store.WithIDGenerator(e.newID),
		store.WithAfterAppend(func(ctx context.Context, entry task.Entry) {
			prev := s.st.Status
			s.observe(entry)
			e.afterAppend(ctx, s, entry, prev)
		}),
	)
	return s
}

func (s *session) observe(entry task.Entry) {
	if s.tc == nil {
		tc, err := task.FromHistory([]task.Entry{entry})
		if err != nil {
			return
		}
		s.tc = tc
	} else {
		s.tc.History = append(s.tc.History, entry)
	}
	s.st = state.Compute(s.tc.History)
}

func (s *session) tenant() string {
	if s.tc == nil || s.tc.TenantID == "" {
		return notify.DefaultTenant
	}
	return s.tc.TenantID
}

func (e *Engine) afterAppend(ctx context.Context, s *session, entry task.Entry, prev state.Status) {
	e.metrics.entry(entry)
	e.metrics.outcome(prev, s.st.Status)

	ev := notify.EntryEvent(s.tenant(), entry)
	ev.Status = string(s.st.Status)
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish entry event",
			zap.String("context_id", entry.ContextID),
			zap.Int("sequence", entry.Sequence),
			zap.Error(err))
	}

	if e.progress != nil {
		e.progress(Progress{
			ContextID:    entry.ContextID,
			Sequence:     entry.Sequence,
			Operation:    entry.Operation,
			Status:       s.st.Status,
			Completeness: s.st.Completeness,
			Message:      entry.Reasoning,
		})
	}
}

// open reads and verifies a context. A history that fails verification
// quarantines the context.
func (e *Engine) open(ctx context.Context, contextID string) (*session, error) {
	if q, ok := e.quarantineFor(contextID); ok {
		return nil, fmt.Errorf("%s: %w: %s", contextID, task.ErrQuarantined, q.Reason)
	}
	history, err := e.store.Read(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", contextID, err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("read %s: %w", contextID, task.ErrNotFound)
	}
	if err := state.Verify(history); err != nil {
		e.quarantine(ctx, contextID, err)
		return nil, err
	}
	return e.newSession(contextID, history), nil
}

// append writes d through the session journal and counts conflicts.
func (e *Engine) append(ctx context.Context, s *session, d task.Draft) (task.Entry, error) {
	entry, err := s.journal.Append(ctx, e.redact(d))
	if errors.Is(err, task.ErrConcurrencyConflict) {
		e.metrics.Conflicts.Inc()
	}
	return entry, err
}

// redact scrubs the free-text parts of d. Structured payload data is left
// alone; it is what agents and users asked to record.
func (e *Engine) redact(d task.Draft) task.Draft {
	byRule := map[string]int{}
	scrub := func(text string) string {
		res := e.scrubber.Scrub(text)
		for id, n := range res.ByRule {
			byRule[id] += n
		}
		return res.Scrubbed
	}

	d.Reasoning = scrub(d.Reasoning)
	if f, ok := d.Payload.(*task.TaskFailed); ok && f.Cause != "" {
		cp := *f
		cp.Cause = scrub(f.Cause)
		d.Payload = &cp
	}
	if len(byRule) == 0 {
		return d
	}

	total := 0
	for id, n := range byRule {
		e.metrics.Redactions.WithLabelValues(id).Add(float64(n))
		total += n
	}
	e.logger.Warn("secrets redacted from history entry",
		zap.String("operation", string(d.Payload.Operation())),
		zap.Int("findings", total))
	return d
}

func (e *Engine) system() task.Actor {
	return task.SystemActor(Component, e.cfg.Version)
}

// CreateRequest opens a new task context.
type CreateRequest struct {
	Template    task.Template
	TenantID    string
	ContextID   string
	InitialData map[string]any
}

// Create validates the template and appends task_created. An empty
// ContextID gets a generated one.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (state.State, error) {
	if err := req.Template.Validate(); err != nil {
		return state.State{}, err
	}
	id := req.ContextID
	if id == "" {
		id = e.newID()
	}
	if err := store.ValidateContextID(id); err != nil {
		return state.State{}, err
	}
	tenant := req.TenantID
	if tenant == "" {
		tenant = notify.DefaultTenant
	}
	ctx = logging.WithTenantID(logging.WithTaskContextID(ctx, id), tenant)

	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return state.State{}, err
	}
	defer unlock()

	s := e.newSession(id, nil)
	_, err = e.append(ctx, s, task.Draft{
		Actor: e.system(),
		Payload: &task.TaskCreated{
			TemplateID:  req.Template.ID,
			TenantID:    tenant,
			Template:    req.Template,
			InitialData: req.InitialData,
		},
		Reasoning: fmt.Sprintf("task created from template %s", req.Template.ID),
		Trigger:   task.Trigger{Type: "api", Source: "create"},
	})
	if err != nil {
		if errors.Is(err, task.ErrConcurrencyConflict) {
			return state.State{}, fmt.Errorf("task context %s already exists: %w", id, err)
		}
		return state.State{}, err
	}
	e.logger.Info("task created",
		zap.String("context_id", id),
		zap.String("template_id", req.Template.ID),
		zap.String("tenant_id", tenant))
	return s.st, nil
}

// Load returns the task context with its full history.
func (e *Engine) Load(ctx context.Context, contextID string) (*task.TaskContext, error) {
	s, err := e.open(ctx, contextID)
	if err != nil {
		return nil, err
	}
	return s.tc, nil
}

// State returns the state derived from the stored history.
func (e *Engine) State(ctx context.Context, contextID string) (state.State, error) {
	s, err := e.open(ctx, contextID)
	if err != nil {
		return state.State{}, err
	}
	return s.st, nil
}

// List returns the ids of all stored contexts.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	return e.store.List(ctx)
}

// Agents describes the registered agents.
func (e *Engine) Agents() []agent.Info {
	return e.agents.List()
}

func (e *Engine) quarantine(ctx context.Context, contextID string, cause error) {
	q := Quarantine{ContextID: contextID, Reason: cause.Error(), At: e.now()}
	var cErr *task.CorruptionError
	if errors.As(cause, &cErr) {
		q.Sequence = cErr.Sequence
		q.Reason = cErr.Reason
	}

	e.qmu.Lock()
	_, already := e.quarantined[contextID]
	if !already {
		e.quarantined[contextID] = q
		e.metrics.Quarantined.Inc()
	}
	e.qmu.Unlock()
	if already {
		return
	}

	e.logger.Error("task context quarantined",
		zap.String("context_id", contextID),
		zap.Int("sequence", q.Sequence),
		zap.String("reason", q.Reason))
	err := e.publisher.Publish(ctx, notify.Event{
		Type:      notify.EventAuditRequired,
		ContextID: contextID,
		Sequence:  q.Sequence,
		Reasoning: q.Reason,
		Timestamp: q.At,
	})
	if err != nil {
		e.logger.Warn("failed to publish audit event", zap.String("context_id", contextID), zap.Error(err))
	}
}

func (e *Engine) quarantineFor(contextID string) (Quarantine, bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	q, ok := e.quarantined[contextID]
	return q, ok
}

// Quarantined lists quarantined contexts ordered by id.
func (e *Engine) Quarantined() []Quarantine {
	e.qmu.Lock()
	out := make([]Quarantine, 0, len(e.quarantined))
	for _, q := range e.quarantined {
		out = append(out, q)
	}
	e.qmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ContextID < out[j].ContextID })
	return out
}

// Release lifts a quarantine after the history has been audited. It
// reports whether the context was quarantined.
func (e *Engine) Release(contextID string) bool {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if _, ok := e.quarantined[contextID]; !ok {
		return false
	}
	delete(e.quarantined, contextID)
	e.metrics.Quarantined.Dec()
	e.logger.Info("quarantine released", zap.String("context_id", contextID))
	return true
}
