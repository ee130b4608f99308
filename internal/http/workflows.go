package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/workflows"
)

type workflowRunner struct {
	client    client.Client
	taskQueue string
}

// acceptDrive starts the task workflow. A workflow that is already running
// for the context is reported as accepted.
func (s *Server) acceptDrive(c echo.Context, contextID string) error {
	ctx := c.Request().Context()
	if _, err := s.engine.State(ctx, contextID); err != nil {
		return err
	}
	_, err := workflows.Start(ctx, s.workflows.client, s.workflows.taskQueue, workflows.TaskInput{ContextID: contextID})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if !errors.As(err, &started) {
			s.logger.Error("failed to start task workflow", zap.String("context_id", contextID), zap.Error(err))
			return echo.NewHTTPError(http.StatusBadGateway, "failed to start workflow")
		}
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{ContextID: contextID, WorkflowID: workflows.WorkflowID(contextID)})
}

func (s *Server) acceptResponse(c echo.Context, contextID, requestID string, data map[string]any, userID string, skip bool, reason string) error {
	err := workflows.SignalResponse(c.Request().Context(), s.workflows.client, contextID, workflows.ResponseSignal{
		RequestID: requestID,
		Data:      data,
		UserID:    userID,
		Skip:      skip,
		Reason:    reason,
	})
	if err != nil {
		return s.signalError(contextID, err)
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{ContextID: contextID, WorkflowID: workflows.WorkflowID(contextID)})
}

func (s *Server) acceptCancel(c echo.Context, contextID, reason string) error {
	if err := workflows.SignalCancel(c.Request().Context(), s.workflows.client, contextID, reason); err != nil {
		return s.signalError(contextID, err)
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{ContextID: contextID, WorkflowID: workflows.WorkflowID(contextID)})
}

func (s *Server) signalError(contextID string, err error) error {
	var missing *serviceerror.NotFound
	if errors.As(err, &missing) {
		return echo.NewHTTPError(http.StatusNotFound, "no running workflow for "+contextID)
	}
	s.logger.Error("failed to signal task workflow", zap.String("context_id", contextID), zap.Error(err))
	return echo.NewHTTPError(http.StatusBadGateway, "failed to signal workflow")
}
