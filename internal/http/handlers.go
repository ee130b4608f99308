package http

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateRequest is the request body for POST /v1/tasks. Exactly one of
// TemplateID and Template is set.
type CreateRequest struct {
	TemplateID  string         `json:"template_id,omitempty"`
	Template    *task.Template `json:"template,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	ContextID   string         `json:"context_id,omitempty"`
	InitialData map[string]any `json:"initial_data,omitempty"`
	// Drive advances the new task right after creation.
	Drive bool `json:"drive,omitempty"`
}

// RespondRequest is the request body for POST /v1/tasks/:id/responses.
type RespondRequest struct {
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data"`
	UserID    string         `json:"user_id,omitempty"`
}

// SkipRequest is the request body for POST /v1/tasks/:id/skips.
type SkipRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// CancelRequest is the request body for POST /v1/tasks/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AcceptedResponse is returned when a workflow runner took the request.
type AcceptedResponse struct {
	ContextID  string `json:"context_id"`
	WorkflowID string `json:"workflow_id"`
}

// TaskList is the response body for GET /v1/tasks.
type TaskList struct {
	ContextIDs []string `json:"context_ids"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListTemplates(c echo.Context) error {
	if s.templates == nil {
		return c.JSON(http.StatusOK, []task.Template{})
	}
	return c.JSON(http.StatusOK, s.templates.List())
}

func (s *Server) handleListAgents(c echo.Context) error {
	agents := s.engine.Agents()
	if agents == nil {
		agents = []agent.Info{}
	}
	return c.JSON(http.StatusOK, agents)
}

func (s *Server) handleCreate(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var tmpl task.Template
	switch {
	case req.Template != nil && req.TemplateID != "":
		return echo.NewHTTPError(http.StatusBadRequest, "template_id and template are mutually exclusive")
	case req.Template != nil:
		tmpl = *req.Template
	case req.TemplateID != "":
		if s.templates == nil {
			return echo.NewHTTPError(http.StatusNotFound, "no template catalog configured")
		}
		t, err := s.templates.Get(req.TemplateID)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		tmpl = t
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "template_id or template is required")
	}

	ctx := c.Request().Context()
	st, err := s.engine.Create(ctx, orchestrator.CreateRequest{
		Template:    tmpl,
		TenantID:    req.TenantID,
		ContextID:   req.ContextID,
		InitialData: req.InitialData,
	})
	if err != nil {
		return err
	}
	if req.Drive {
		if s.workflows != nil {
			return s.acceptDrive(c, st.ContextID)
		}
		if st, err = s.engine.Drive(ctx, st.ContextID); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusCreated, st)
}

func (s *Server) handleListTasks(c echo.Context) error {
	ids, err := s.engine.List(c.Request().Context())
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	return c.JSON(http.StatusOK, TaskList{ContextIDs: ids})
}

func (s *Server) handleState(c echo.Context) error {
	st, err := s.engine.State(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleHistory(c echo.Context) error {
	tc, err := s.engine.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tc)
}

func (s *Server) handleDrive(c echo.Context) error {
	id := c.Param("id")
	if s.workflows != nil {
		return s.acceptDrive(c, id)
	}
	st, err := s.engine.Drive(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleRespond(c echo.Context) error {
	var req RespondRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RequestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_id is required")
	}
	id := c.Param("id")
	if s.workflows != nil {
		return s.acceptResponse(c, id, req.RequestID, req.Data, req.UserID, false, "")
	}
	st, err := s.engine.Respond(c.Request().Context(), id, orchestrator.UserResponse(req))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleSkip(c echo.Context) error {
	var req SkipRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RequestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_id is required")
	}
	id := c.Param("id")
	if s.workflows != nil {
		return s.acceptResponse(c, id, req.RequestID, nil, "", true, req.Reason)
	}
	st, err := s.engine.Skip(c.Request().Context(), id, req.RequestID, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	id := c.Param("id")
	if s.workflows != nil {
		return s.acceptCancel(c, id, req.Reason)
	}
	st, err := s.engine.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleListQuarantine(c echo.Context) error {
	q := s.engine.Quarantined()
	if q == nil {
		q = []orchestrator.Quarantine{}
	}
	return c.JSON(http.StatusOK, q)
}

func (s *Server) handleRelease(c echo.Context) error {
	id := c.Param("id")
	if !s.engine.Release(id) {
		return echo.NewHTTPError(http.StatusNotFound, "context "+id+" is not quarantined")
	}
	s.logger.Info("quarantine released over http", zap.String("context_id", id))
	return c.NoContent(http.StatusNoContent)
}
