package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// RetryConfig bounds retries of reasoning calls.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
	// RatePerSecond limits calls across all callers. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		AttemptTimeout:  60 * time.Second,
		RatePerSecond:   2,
		Burst:           4,
	}
}

// RetryObserver is told about every failed attempt that will be retried.
type RetryObserver func(purpose string, attempt int, err error)

// Retrying decorates a Client with exponential backoff, a timeout per
// attempt and a shared rate limiter. Exhausted retries return a
// *task.UpstreamError.
type Retrying struct {
	next     Client
	cfg      RetryConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
	observer RetryObserver
}

// RetryOption configures Retrying.
type RetryOption func(*Retrying)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RetryOption {
	return func(r *Retrying) {
		if l != nil {
			r.logger = l.Named("reasoning")
		}
	}
}

// WithRetryObserver registers a callback for retried attempts.
func WithRetryObserver(fn RetryObserver) RetryOption {
	return func(r *Retrying) { r.observer = fn }
}

// NewRetrying wraps next.
func NewRetrying(next Client, cfg RetryConfig, opts ...RetryOption) *Retrying {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}

	r := &Retrying{next: next, cfg: cfg, logger: zap.NewNop()}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete implements Client.
func (r *Retrying) Complete(ctx context.Context, req Request) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()

		resp, err := r.next.Complete(attemptCtx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("reasoning call failed, retrying",
				zap.String("purpose", req.Purpose),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err))
			if r.observer != nil {
				r.observer(req.Purpose, attempts, err)
			}
		}),
	)
	if err == nil {
		return resp, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	r.logger.Error("reasoning call failed",
		zap.String("purpose", req.Purpose),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return nil, &task.UpstreamError{Service: "reasoning:" + req.Purpose, Attempts: attempts, Err: err}
}
