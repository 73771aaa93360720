package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/auth"
)

// PinRequest carries a PIN submission.
type PinRequest struct {
	ProviderID string `json:"providerId"`
	PIN        string `json:"pin"`
	ConfirmPIN string `json:"confirmPin,omitempty"`
}

// ResetPinRequest completes a PIN reset.
type ResetPinRequest struct {
	ProviderID string `json:"providerId"`
	Token      string `json:"token"`
	PIN        string `json:"pin"`
	ConfirmPIN string `json:"confirmPin"`
}

// SessionResponse is returned when a session is issued or checked.
type SessionResponse struct {
	Valid   bool          `json:"valid"`
	Token   string        `json:"token,omitempty"`
	Session *auth.Session `json:"session"`
}

func (s *Server) sessionIssued(c echo.Context, issued *auth.Issued) error {
	c.SetCookie(s.guard.SessionCookie(issued, s.opts.CookieSecure))
	return c.JSON(http.StatusOK, SessionResponse{Valid: true, Token: issued.Token, Session: &issued.Session})
}

// SetupPIN sets a provider's first PIN and signs them in
// (POST /provider/auth/setup-pin)
func (s *Server) SetupPIN(c echo.Context) error {
	var req PinRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.ProviderID == "" {
		return apperror.Validation("providerId is required")
	}

	issued, err := s.guard.SetupPIN(c.Request().Context(), req.ProviderID, req.PIN, req.ConfirmPIN)
	if err != nil {
		return err
	}
	return s.sessionIssued(c, issued)
}

// VerifyPIN signs a provider in
// (POST /provider/auth/verify-pin)
func (s *Server) VerifyPIN(c echo.Context) error {
	var req PinRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.ProviderID == "" {
		return apperror.Validation("providerId is required")
	}

	issued, err := s.guard.VerifyPIN(c.Request().Context(), req.ProviderID, req.PIN)
	if err != nil {
		return err
	}
	return s.sessionIssued(c, issued)
}

// RequestPINReset emails a reset link when the address belongs to a provider.
// The answer is the same either way.
// (POST /provider/auth/request-pin-reset)
func (s *Server) RequestPINReset(c echo.Context) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Email == "" {
		return apperror.Validation("email is required")
	}

	msg, err := s.guard.RequestReset(c.Request().Context(), req.Email)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": msg})
}

// ResetPIN sets a new PIN from a reset token and signs the provider in
// (POST /provider/auth/reset-pin)
func (s *Server) ResetPIN(c echo.Context) error {
	var req ResetPinRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	issued, err := s.guard.ResetPIN(c.Request().Context(), req.ProviderID, req.Token, req.PIN, req.ConfirmPIN)
	if err != nil {
		return err
	}
	return s.sessionIssued(c, issued)
}

// ValidateSession reports whether the caller's session is still good
// (GET /provider/auth/validate-session)
func (s *Server) ValidateSession(c echo.Context) error {
	session, err := s.guard.ValidateSession(c.Request().Context(), auth.TokenFromRequest(c.Request()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SessionResponse{Valid: true, Session: session})
}

// Logout clears the session cookie
// (POST /provider/auth/logout)
func (s *Server) Logout(c echo.Context) error {
	c.SetCookie(auth.ClearSessionCookie(s.opts.CookieSecure))
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// ProviderBookings lists the signed-in provider's solicitations
// (GET /provider/bookings)
func (s *Server) ProviderBookings(c echo.Context) error {
	session := auth.SessionFrom(c)
	if session == nil {
		return auth.ErrSessionInvalid
	}

	bookings, err := s.engine.ProviderBookings(c.Request().Context(), session.ProviderID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"providerId": session.ProviderID, "bookings": bookings})
}
