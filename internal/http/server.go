// Package http provides the HTTP API for taskd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Engine is the orchestrator surface served over HTTP.
type Engine interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (state.State, error)
	Drive(ctx context.Context, contextID string) (state.State, error)
	State(ctx context.Context, contextID string) (state.State, error)
	Load(ctx context.Context, contextID string) (*task.TaskContext, error)
	List(ctx context.Context) ([]string, error)
	Respond(ctx context.Context, contextID string, resp orchestrator.UserResponse) (state.State, error)
	Skip(ctx context.Context, contextID, requestID, reason string) (state.State, error)
	Cancel(ctx context.Context, contextID, reason string) (state.State, error)
	Agents() []agent.Info
	Quarantined() []orchestrator.Quarantine
	Release(contextID string) bool
}

// Templates resolves template ids for task creation.
type Templates interface {
	Get(id string) (task.Template, error)
	List() []task.Template
}

// Server provides HTTP endpoints for taskd.
type Server struct {
	echo      *echo.Echo
	engine    Engine
	templates Templates
	logger    *zap.Logger
	config    *Config
	gatherer  prometheus.Gatherer
	metrics   *HTTPMetrics
	workflows *workflowRunner
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves g at /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithMetrics replaces the request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithWorkflows routes drive, respond, skip and cancel through Temporal
// workflows on taskQueue instead of calling the engine directly.
func WithWorkflows(c client.Client, taskQueue string) Option {
	return func(s *Server) {
		if c != nil {
			s.workflows = &workflowRunner{client: c, taskQueue: taskQueue}
		}
	}
}

// NewServer creates a new HTTP server.
func NewServer(engine Engine, templates Templates, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8420,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		engine:    engine,
		templates: templates,
		logger:    logger.Named("http"),
		config:    cfg,
		gatherer:  prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(nil)
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestContext)
	e.Use(s.metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			duration := time.Since(start)

			s.logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return nil
		}
	})

	s.registerRoutes()

	return s, nil
}

// requestContext copies the request id onto the request context so engine
// logs carry it.
func requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		return next(c)
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/v1")
	v1.GET("/templates", s.handleListTemplates)
	v1.GET("/agents", s.handleListAgents)

	v1.POST("/tasks", s.handleCreate)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleState)
	v1.GET("/tasks/:id/history", s.handleHistory)
	v1.POST("/tasks/:id/drive", s.handleDrive)
	v1.POST("/tasks/:id/responses", s.handleRespond)
	v1.POST("/tasks/:id/skips", s.handleSkip)
	v1.POST("/tasks/:id/cancel", s.handleCancel)

	v1.GET("/quarantine", s.handleListQuarantine)
	v1.DELETE("/quarantine/:id", s.handleRelease)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, task.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, task.ErrUnknownRequest):
		return http.StatusConflict, "unknown_request"
	case errors.Is(err, task.ErrTerminal):
		return http.StatusConflict, "terminal"
	case errors.Is(err, task.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, task.ErrQuarantined), errors.Is(err, task.ErrStateCorruption):
		return http.StatusLocked, "quarantined"
	case errors.Is(err, task.ErrUpstream):
		return http.StatusBadGateway, "upstream"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, ""
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, ErrorResponse{Error: msg})
		return
	}

	code, kind := statusFor(err)
	s.metrics.engineError(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		msg = "internal error"
	}
	_ = c.JSON(code, ErrorResponse{Error: msg, Kind: kind})
}
