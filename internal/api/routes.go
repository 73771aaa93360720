package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Register mounts every route on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.HandleHealth)

	bq := e.Group("/bq")
	bq.GET("/quotes/:hash", s.GetQuotes)
	bq.POST("/quotes/:hash", s.SelectQuote)
	bq.GET("/:hash", s.GetProviderBooking)
	bq.POST("/:hash/respond", s.RespondToBooking)

	provider := e.Group("/provider")
	provider.POST("/auth/setup-pin", s.SetupPIN)
	provider.POST("/auth/verify-pin", s.VerifyPIN)
	provider.POST("/auth/request-pin-reset", s.RequestPINReset)
	provider.POST("/auth/reset-pin", s.ResetPIN)
	provider.GET("/auth/validate-session", s.ValidateSession)
	provider.POST("/auth/logout", s.Logout)
	provider.GET("/bookings", s.ProviderBookings, s.guard.RequireSession)

	v1 := e.Group("/api/v1")
	v1.POST("/workflows", s.StartWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.POST("/workflows/:id/publish", s.PublishWorkflowQuotes)
	v1.GET("/tracking", s.GetTracking)

	e.GET("/openapi.yaml", echo.WrapHandler(http.HandlerFunc(SpecHandler())))
	e.GET("/docs", echo.WrapHandler(http.HandlerFunc(SwaggerHandler())))
}
