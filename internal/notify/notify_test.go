package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := NewNATSPublisher(nil, "", nil)

	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "entry with tenant",
			ev:   Event{Type: EventEntryAppended, TenantID: "acme", ContextID: "ctx-1", Operation: task.OpPlanCreated},
			want: "taskd.events.acme.ctx-1.execution_plan_created",
		},
		{
			name: "default tenant",
			ev:   Event{Type: EventEntryAppended, ContextID: "ctx-1", Operation: task.OpTaskCompleted},
			want: "taskd.events.default.ctx-1.task_completed",
		},
		{
			name: "audit uses type",
			ev:   Event{Type: EventAuditRequired, TenantID: "acme", ContextID: "ctx-1"},
			want: "taskd.events.acme.ctx-1.audit_required",
		},
		{
			name: "reserved characters escaped",
			ev:   Event{Type: EventEntryAppended, TenantID: "a.b*", ContextID: "c>d", Operation: task.OpTaskFailed},
			want: "taskd.events.a_b_.c_d.task_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Subject(tt.ev))
		})
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}
	srv := startTestNATSServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("taskd.events.acme.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	p := NewNATSPublisher(nc, "taskd.events", zaptest.NewLogger(t))
	entry := task.Entry{
		ContextID: "ctx-9",
		Sequence:  3,
		Operation: task.OpAgentStepCompleted,
		Reasoning: "collected requirements",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), EntryEvent("acme", entry)))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "taskd.events.acme.ctx-9.agent_step_completed", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, EventEntryAppended, got.Type)
	assert.Equal(t, 3, got.Sequence)
	assert.Equal(t, "collected requirements", got.Reasoning)
	assert.True(t, entry.Timestamp.Equal(got.Timestamp))
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	p := NewNATSPublisher(nil, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, Event{Type: EventAuditRequired, ContextID: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, Event{Type: EventEntryAppended, ContextID: "a"}))
	require.NoError(t, r.Publish(ctx, Event{Type: EventAuditRequired, ContextID: "b"}))

	assert.Len(t, r.Events(), 2)
	audits := r.OfType(EventAuditRequired)
	require.Len(t, audits, 1)
	assert.Equal(t, "b", audits[0].ContextID)

	assert.NoError(t, Nop{}.Publish(ctx, Event{}))
}
