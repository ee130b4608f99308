package store

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// startTestNATSServer starts an embedded NATS server with JetStream.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
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

func newTestJetStreamStore(t *testing.T) *JetStreamStore {
	t.Helper()
	srv := startTestNATSServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	s, err := NewJetStreamStore(nc, JetStreamConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestJetStreamStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}
	storeContract(t, func(t *testing.T) Store { return newTestJetStreamStore(t) })
}

func TestJetStreamStore_StreamReused(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}
	srv := startTestNATSServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := NewJetStreamStore(nc, JetStreamConfig{Stream: "HIST", SubjectPrefix: "h"}, nil)
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, "c1", testEntry("c1", 1, task.OpTaskCreated)))

	second, err := NewJetStreamStore(nc, JetStreamConfig{Stream: "HIST", SubjectPrefix: "h"}, nil)
	require.NoError(t, err)
	history, err := second.Read(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "c1-1", history[0].ID)
	assert.True(t, baseTime.Add(time.Second).Equal(history[0].Timestamp))
}
