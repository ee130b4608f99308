package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Invoke runs one agent step. It never returns an error: panics, deadline
// expiry, execution errors and unsupported operations all become error
// responses. A timeout of zero means no timeout beyond ctx.
func Invoke(ctx context.Context, a Agent, req Request, timeout time.Duration) Response {
	if req.Operation == nil {
		return Failed("agent %s: no operation requested", a.ID())
	}
	if !a.Supports(req.Operation) {
		return Failed("agent %s does not support %s", a.ID(), req.Operation.Name())
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failed("agent %s panicked: %v", a.ID(), r)
			}
		}()
		resp, err := a.Execute(ctx, req)
		if err != nil {
			var tErr *ToolError
			if errors.As(err, &tErr) {
				done <- Failed("agent %s: tool %s failed: %v", a.ID(), tErr.Tool, tErr.Err)
				return
			}
			done <- Failed("agent %s: %v", a.ID(), err)
			return
		}
		done <- resp
	}()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return Failed("agent %s: %v", a.ID(), describeDone(ctx, timeout))
	}
}

func describeDone(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return ctx.Err()
}
