// Package auth guards provider-facing pages with a 4-digit PIN. Sessions are
// sealed bearer tokens held in an HTTP-only cookie; nothing about a session is
// stored server-side, so every authenticated request re-reads the provider's
// live block flag.
package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/messaging"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/internal/telemetry"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Mailer delivers reset emails.
type Mailer interface {
	SendEmail(ctx context.Context, msg messaging.Email) error
}

// Settings tune the guard. Zero values fall back to the defaults below.
type Settings struct {
	SessionTTL     time.Duration
	MaxAttempts    int
	ResetTokenTTL  time.Duration
	AllowOverwrite bool
	// ResetURL is the page a reset email links to; token and providerId are
	// appended as query parameters.
	ResetURL string
	// HashCost is the bcrypt cost. Tests lower it to bcrypt.MinCost.
	HashCost int
}

const (
	DefaultSessionTTL    = 4 * time.Hour
	DefaultMaxAttempts   = 3
	DefaultResetTokenTTL = 24 * time.Hour
)

var (
	ErrInvalidPIN      = apperror.Unauthorized("incorrect PIN")
	ErrAccountBlocked  = apperror.Blocked("account is blocked after too many failed attempts; request a PIN reset")
	ErrSessionInvalid  = apperror.Unauthorized("session is missing or invalid")
	ErrSessionExpired  = apperror.Unauthorized("session has expired")
	ErrPINNotSet       = apperror.Validation("PIN has not been set up")
	ErrPINMismatch     = apperror.Validation("PIN confirmation does not match")
	ErrPINFormat       = apperror.Validation("PIN must be exactly 4 digits")
	ErrPINSequential   = apperror.Validation("PIN must not be a sequence such as 1234 or 4321")
	ErrPINRepeating    = apperror.Validation("PIN must not repeat one digit such as 1111")
	ErrResetIncomplete = apperror.Validation("reset token and provider are required")
)

// ResetRequestedMessage is returned for every reset request so callers cannot
// learn which emails belong to an account.
const ResetRequestedMessage = "If an account exists for that email address, a PIN reset link has been sent."

// Guard implements PIN setup, verification, reset and session validation.
type Guard struct {
	store    repository.ProviderStore
	codec    *links.Codec
	mailer   Mailer
	logger   Logger
	settings Settings
	lockouts metric.Int64Counter
}

// New creates a new Guard. The codec's clock is the guard's clock.
func New(store repository.ProviderStore, codec *links.Codec, mailer Mailer, logger Logger, settings Settings) *Guard {
	if settings.SessionTTL <= 0 {
		settings.SessionTTL = DefaultSessionTTL
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = DefaultMaxAttempts
	}
	if settings.ResetTokenTTL <= 0 {
		settings.ResetTokenTTL = DefaultResetTokenTTL
	}
	if settings.HashCost == 0 {
		settings.HashCost = bcrypt.DefaultCost
	}
	return &Guard{
		store:    store,
		codec:    codec,
		mailer:   mailer,
		logger:   logger,
		settings: settings,
		lockouts: telemetry.Counter("bookingflow.auth.pin_lockouts", "Provider accounts blocked after failed PIN attempts"),
	}
}

func (g *Guard) now() time.Time {
	return g.codec.Now()
}

// SessionTTL is the lifetime of issued sessions.
func (g *Guard) SessionTTL() time.Duration {
	return g.settings.SessionTTL
}

func (g *Guard) hash(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), g.settings.HashCost)
	if err != nil {
		return "", apperror.Internal(err, "failed to hash PIN")
	}
	return string(h), nil
}

// SetupPIN sets a provider's first PIN and signs them in. confirm may be
// empty when the caller has already checked it.
func (g *Guard) SetupPIN(ctx context.Context, providerID, pin, confirm string) (*Issued, error) {
	if confirm != "" && confirm != pin {
		return nil, ErrPINMismatch
	}
	if err := ValidatePINFormat(pin); err != nil {
		return nil, err
	}

	p, err := g.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if p.IsBlocked {
		return nil, ErrAccountBlocked.WithDetail("blocked", true)
	}

	hash, err := g.hash(pin)
	if err != nil {
		return nil, err
	}
	if err := g.store.SetPIN(ctx, providerID, hash, g.settings.AllowOverwrite, g.now()); err != nil {
		return nil, err
	}

	g.logger.Info("provider PIN set up", "provider_id", providerID)
	return g.issue(providerID)
}

// VerifyPIN checks pin and signs the provider in. A blocked account is
// refused whatever the PIN. A wrong PIN counts towards the lockout and the
// error reports the remaining attempts, or blocked once the limit is hit.
func (g *Guard) VerifyPIN(ctx context.Context, providerID, pin string) (*Issued, error) {
	if !isFourDigits(pin) {
		return nil, ErrPINFormat
	}

	p, err := g.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if p.IsBlocked {
		return nil, ErrAccountBlocked.WithDetail("blocked", true)
	}
	if !p.HasPIN() {
		return nil, ErrPINNotSet.WithDetail("pinSet", false)
	}

	if bcrypt.CompareHashAndPassword([]byte(p.PinHash), []byte(pin)) != nil {
		return nil, g.recordFailure(ctx, providerID)
	}

	if err := g.store.ResetFailedPinAttempts(ctx, providerID, g.now()); err != nil {
		if apperror.Is(err, apperror.KindBlocked) {
			return nil, ErrAccountBlocked.WithDetail("blocked", true)
		}
		return nil, err
	}
	return g.issue(providerID)
}

func (g *Guard) recordFailure(ctx context.Context, providerID string) error {
	attempts, blocked, err := g.store.RecordFailedPinAttempt(ctx, providerID, g.settings.MaxAttempts, g.now())
	if err != nil {
		return err
	}
	if blocked {
		if attempts == g.settings.MaxAttempts {
			telemetry.Add(ctx, g.lockouts)
			g.logger.Warn("provider blocked after failed PIN attempts", "provider_id", providerID, "attempts", attempts)
		}
		return ErrAccountBlocked.WithDetail("blocked", true).WithDetail("remainingAttempts", 0)
	}

	remaining := g.settings.MaxAttempts - attempts
	g.logger.Debug("incorrect PIN", "provider_id", providerID, "remaining_attempts", remaining)
	return ErrInvalidPIN.WithDetail("remainingAttempts", remaining).WithDetail("blocked", false)
}
