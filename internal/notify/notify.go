// Package notify publishes task lifecycle events to subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// EventType distinguishes routine progress from events needing a human.
type EventType string

const (
	// EventEntryAppended is published once per appended history entry.
	EventEntryAppended EventType = "entry_appended"
	// EventAuditRequired is published when a history is quarantined.
	EventAuditRequired EventType = "audit_required"
)

// DefaultTenant replaces an empty tenant id in subjects.
const DefaultTenant = "default"

// Event is the payload sent to subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	ContextID string         `json:"context_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Sequence  int            `json:"sequence,omitempty"`
	Operation task.Operation `json:"operation,omitempty"`
	Status    string         `json:"status,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EntryEvent builds the event for an appended entry.
func EntryEvent(tenantID string, e task.Entry) Event {
	return Event{
		Type:      EventEntryAppended,
		ContextID: e.ContextID,
		TenantID:  tenantID,
		Sequence:  e.Sequence,
		Operation: e.Operation,
		Reasoning: e.Reasoning,
		Timestamp: e.Timestamp,
	}
}

// Publisher is the outbound notification sink. Publish must not block on
// slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NATSPublisher publishes events on core NATS subjects:
//
//	<prefix>.<tenant>.<context_id>.<operation|type>
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher on nc. An empty prefix defaults to
// "taskd.events".
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "taskd.events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("notify")}
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	tenant := ev.TenantID
	if tenant == "" {
		tenant = DefaultTenant
	}
	kind := string(ev.Operation)
	if ev.Type != EventEntryAppended || kind == "" {
		kind = string(ev.Type)
	}
	return strings.Join([]string{p.prefix, token(tenant), token(ev.ContextID), kind}, ".")
}

// token keeps subject-reserved characters out of a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Publish marshals ev and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
