package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	// EntriesAppended counts history entries by operation.
	EntriesAppended *prometheus.CounterVec
	// AgentInvocations counts agent steps by agent and response status.
	AgentInvocations *prometheus.CounterVec
	// AgentDuration observes agent step latency.
	AgentDuration *prometheus.HistogramVec
	// Outcomes counts tasks reaching a terminal status.
	Outcomes *prometheus.CounterVec
	// Conflicts counts appends rejected for a stale sequence.
	Conflicts prometheus.Counter
	// ReasoningRetries counts retried reasoning attempts by purpose.
	ReasoningRetries *prometheus.CounterVec
	// Quarantined is the number of contexts held for audit.
	Quarantined prometheus.Gauge
	// Redactions counts secrets removed from entries before append, by rule.
	Redactions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EntriesAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "history",
			Name:      "entries_appended_total",
			Help:      "History entries appended, by operation",
		}, []string{"operation"}),
		AgentInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "agent",
			Name:      "invocations_total",
			Help:      "Agent steps run, by agent and response status",
		}, []string{"agent", "status"}),
		AgentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskd",
			Subsystem: "agent",
			Name:      "step_duration_seconds",
			Help:      "Duration of agent steps in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"agent"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "task",
			Name:      "outcomes_total",
			Help:      "Tasks reaching a terminal status",
		}, []string{"status"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "history",
			Name:      "conflicts_total",
			Help:      "Appends rejected because the expected sequence was stale",
		}),
		ReasoningRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "reasoning",
			Name:      "retries_total",
			Help:      "Reasoning service attempts that failed and were retried",
		}, []string{"purpose"}),
		Quarantined: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskd",
			Subsystem: "task",
			Name:      "quarantined",
			Help:      "Task contexts quarantined for audit",
		}),
		Redactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "history",
			Name:      "redactions_total",
			Help:      "Secrets redacted from history entries before append, by rule",
		}, []string{"rule"}),
	}
}

// ObserveRetry matches reasoning.RetryObserver.
func (m *Metrics) ObserveRetry(purpose string, _ int, _ error) {
	m.ReasoningRetries.WithLabelValues(purpose).Inc()
}

func (m *Metrics) entry(e task.Entry) {
	m.EntriesAppended.WithLabelValues(string(e.Operation)).Inc()
}

// outcome counts a task once, on the append that closes it. Late entries
// after the terminal one leave the status unchanged.
func (m *Metrics) outcome(prev, cur state.Status) {
	if prev.Terminal() || !cur.Terminal() {
		return
	}
	m.Outcomes.WithLabelValues(string(cur)).Inc()
}

func (m *Metrics) agentStep(agentID string, status agent.Status, d time.Duration) {
	m.AgentInvocations.WithLabelValues(agentID, string(status)).Inc()
	m.AgentDuration.WithLabelValues(agentID).Observe(d.Seconds())
}
