package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/services"
	"bookingflow/backend/pkg/models"
)

// StartWorkflowResponse is returned when a booking request enters the workflow.
type StartWorkflowResponse struct {
	Run      *models.WorkflowRun      `json:"run"`
	Contacts []services.ContactResult `json:"contacts"`
}

// WorkflowResponse is the operator view of one run.
type WorkflowResponse struct {
	Run        *models.WorkflowRun  `json:"run"`
	StepName   string               `json:"stepName"`
	Thresholds *services.Thresholds `json:"thresholds"`
}

// StartWorkflow starts a run for a booking request
// (POST /api/v1/workflows)
func (s *Server) StartWorkflow(c echo.Context) error {
	var req models.BookingRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	run, contacts, err := s.engine.StartRun(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, StartWorkflowResponse{Run: run, Contacts: contacts})
}

// GetWorkflow returns a run and its response counts
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	run, err := s.engine.GetRun(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	th, err := s.engine.CheckThresholds(ctx, run.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, WorkflowResponse{Run: run, StepName: run.StepName(), Thresholds: th})
}

// PublishWorkflowQuotes publishes a run's quotes without waiting for the poller
// (POST /api/v1/workflows/:id/publish)
func (s *Server) PublishWorkflowQuotes(c echo.Context) error {
	published, err := s.engine.PublishQuotes(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, published)
}

// GetTracking returns the dashboard snapshot for one run or the most recent runs
// (GET /api/v1/tracking?run_id=&recent=)
func (s *Server) GetTracking(c echo.Context) error {
	q := services.TrackingQuery{
		RunID:     strings.TrimSpace(c.QueryParam("run_id")),
		Requester: c.Request().Header.Get("X-Requester"),
	}
	if q.Requester == "" {
		q.Requester = c.RealIP()
	}
	if raw := c.QueryParam("recent"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperror.Validation("recent must be a positive integer")
		}
		q.Recent = n
	}

	data, err := s.tracker.GetTrackingData(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, data)
}
