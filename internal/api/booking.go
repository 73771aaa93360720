package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"bookingflow/backend/internal/services"
)

// GetProviderBooking shows a provider the booking behind their link
// (GET /bq/:hash)
func (s *Server) GetProviderBooking(c echo.Context) error {
	booking, err := s.engine.GetBookingForProvider(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, booking)
}

// RespondToBooking records a provider's accept or reject
// (POST /bq/:hash/respond)
func (s *Server) RespondToBooking(c echo.Context) error {
	var resp services.ProviderResponse
	if err := bind(c, &resp); err != nil {
		return err
	}

	result, err := s.engine.RespondToBooking(c.Request().Context(), c.Param("hash"), resp)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// GetQuotes shows the customer the quotes behind their link
// (GET /bq/quotes/:hash)
func (s *Server) GetQuotes(c echo.Context) error {
	view, err := s.engine.GetQuotes(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// SelectQuote records the customer's choice
// (POST /bq/quotes/:hash)
func (s *Server) SelectQuote(c echo.Context) error {
	var req services.SelectionRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	run, err := s.engine.SelectQuote(c.Request().Context(), c.Param("hash"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":   true,
		"run":       run,
		"selection": run.Selection,
	})
}
