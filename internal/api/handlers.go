// Package api contains the HTTP handlers of the booking workflow service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/auth"
	"bookingflow/backend/internal/services"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the HTTP surface.
type Options struct {
	// CookieSecure marks the provider session cookie Secure.
	CookieSecure bool
	Version      string
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	engine  *services.Engine
	tracker *services.Tracker
	guard   *auth.Guard
	pinger  Pinger
	logger  Logger
	opts    Options
}

// NewServer creates a new Server.
func NewServer(engine *services.Engine, tracker *services.Tracker, guard *auth.Guard, pinger Pinger, logger Logger, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{engine: engine, tracker: tracker, guard: guard, pinger: pinger, logger: logger, opts: opts}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

// HandleHealth reports service and database health
// (GET /healthz)
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "bookingflow",
		Version:   s.opts.Version,
		Database:  "ok",
	}
	code := http.StatusOK
	if err := s.pinger.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("health check: database unreachable", "error", err)
		status.Status = "degraded"
		status.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response. Extensions
// are rendered as additional top-level members.
type ProblemDetails struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail"`
	Instance   string         `json:"instance,omitempty"`
	Extensions map[string]any `json:"-"`
}

// MarshalJSON flattens the extension members next to the standard ones.
func (p ProblemDetails) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Extensions)+5)
	for k, v := range p.Extensions {
		m[k] = v
	}
	m["type"] = p.Type
	m["title"] = p.Title
	m["status"] = p.Status
	m["detail"] = p.Detail
	if p.Instance != "" {
		m["instance"] = p.Instance
	}
	return json.Marshal(m)
}

// problemFor maps an error onto its problem document.
func problemFor(err error) ProblemDetails {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return ProblemDetails{
			Type:   "about:blank",
			Title:  http.StatusText(he.Code),
			Status: he.Code,
			Detail: fmt.Sprint(he.Message),
		}
	}

	kind := apperror.KindOf(err)
	status := apperror.HTTPStatus(kind)
	p := ProblemDetails{Type: "about:blank", Title: http.StatusText(status), Status: status}

	var appErr *apperror.Error
	if kind != apperror.KindInternal && errors.As(err, &appErr) {
		p.Detail = appErr.Message
		p.Extensions = appErr.Details
		return p
	}
	p.Detail = "an internal error occurred"
	return p
}

// HTTPErrorHandler writes every handler error as an application/problem+json
// document.
func HTTPErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := problemFor(err)
		if problem.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(problem.Status)
		} else {
			c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
			err = c.JSON(problem.Status, problem)
		}
		if err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}

// bind decodes the request body and reports malformed input as a 400.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperror.Validation("invalid request body")
	}
	return nil
}
