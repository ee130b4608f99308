package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnknownTool is returned for a tool name that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ToolError wraps a failed tool call.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ToolChain executes named tools on behalf of agents.
type ToolChain interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Tools() []string
}

// ToolFunc implements one tool.
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// LocalToolChain runs in-process tool functions with a per-call timeout and
// a shared token-bucket limiter.
type LocalToolChain struct {
	mu      sync.RWMutex
	tools   map[string]ToolFunc
	timeout time.Duration
	limiter *rate.Limiter
}

// ToolChainOption configures a LocalToolChain.
type ToolChainOption func(*LocalToolChain)

// WithToolTimeout bounds each tool call.
func WithToolTimeout(d time.Duration) ToolChainOption {
	return func(c *LocalToolChain) { c.timeout = d }
}

// WithToolRateLimit limits calls per second across all tools.
func WithToolRateLimit(perSecond float64, burst int) ToolChainOption {
	return func(c *LocalToolChain) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewLocalToolChain creates an empty tool chain.
func NewLocalToolChain(opts ...ToolChainOption) *LocalToolChain {
	c := &LocalToolChain{tools: make(map[string]ToolFunc), timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a tool, replacing any tool of the same name.
func (c *LocalToolChain) Register(name string, fn ToolFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[name] = fn
}

// Tools returns the registered tool names.
func (c *LocalToolChain) Tools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for n := range c.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ExecuteTool runs the named tool. Failures are returned as *ToolError.
func (c *LocalToolChain) ExecuteTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	c.mu.RLock()
	fn, ok := c.tools[name]
	c.mu.RUnlock()
	if !ok {
		return nil, &ToolError{Tool: name, Err: ErrUnknownTool}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ToolError{Tool: name, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := fn(ctx, args)
	if err != nil {
		return nil, &ToolError{Tool: name, Err: err}
	}
	if ctx.Err() != nil {
		return nil, &ToolError{Tool: name, Err: ctx.Err()}
	}
	return out, nil
}
