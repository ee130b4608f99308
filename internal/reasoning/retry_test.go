package reasoning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		AttemptTimeout:  time.Second,
	}
}

func TestRetrying_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	client := ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("503 service unavailable")
		}
		return &Response{Content: "ok"}, nil
	})

	var observed []int
	r := NewRetrying(client, fastRetry(3),
		WithLogger(zaptest.NewLogger(t)),
		WithRetryObserver(func(purpose string, attempt int, err error) {
			assert.Equal(t, "plan", purpose)
			observed = append(observed, attempt)
		}))

	resp, err := r.Complete(context.Background(), Request{Purpose: "plan"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, observed)
}

func TestRetrying_ExhaustedReturnsUpstreamError(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	client := ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return nil, cause
	})

	_, err := NewRetrying(client, fastRetry(2)).Complete(context.Background(), Request{Purpose: "optimize"})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, errors.Is(err, task.ErrUpstream))
	assert.True(t, errors.Is(err, cause))

	var upstream *task.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 2, upstream.Attempts)
	assert.Equal(t, "reasoning:optimize", upstream.Service)
}

func TestRetrying_AttemptTimeout(t *testing.T) {
	cfg := fastRetry(2)
	cfg.AttemptTimeout = 10 * time.Millisecond
	client := ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := NewRetrying(client, cfg).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.Is(err, task.ErrUpstream))
}

func TestRetrying_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client := ClientFunc(func(_ context.Context, req Request) (*Response, error) {
		calls++
		cancel()
		return nil, errors.New("boom")
	})

	_, err := NewRetrying(client, fastRetry(5)).Complete(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
