// Package services drives a booking request through the workflow: provider
// fan-out, response collection, quote publication, customer selection and
// completion. All state lives in the repository; the engine itself is
// stateless and safe to run in several processes at once.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/messaging"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/internal/telemetry"
	"bookingflow/backend/pkg/models"
)

// Settings are the thresholds and link lifetimes the engine consumes.
type Settings struct {
	ProviderLinkTTL       time.Duration
	QuoteLinkTTL          time.Duration
	MaxProvidersToContact int
	MinResponsesRequired  int
	RecommendedQuotes     int
	ResponseTimeout       time.Duration
	// PublicBaseURL prefixes the links sent to providers and customers.
	PublicBaseURL string
}

var (
	ErrLinkExpired  = apperror.Expired("this link has expired")
	ErrNoQuotes     = apperror.Conflict("no provider quotes are available to publish")
	ErrNoProviders  = apperror.Conflict("no eligible providers are available")
	ErrRunClosed    = apperror.Conflict("this booking is no longer accepting responses")
	ErrInvalidToken = apperror.Validation("invalid link")
)

// Engine is the booking workflow engine.
type Engine struct {
	store      repository.Repository
	codec      *links.Codec
	dispatcher messaging.Dispatcher
	analyzer   QuoteAnalyzer
	notifier   Notifier
	logger     Logger
	settings   Settings

	notificationsSent   metric.Int64Counter
	notificationsFailed metric.Int64Counter
	selections          metric.Int64Counter
}

// NewEngine creates a new Engine. A nil analyzer falls back to the
// CheapestAnalyzer.
func NewEngine(store repository.Repository, codec *links.Codec, dispatcher messaging.Dispatcher, analyzer QuoteAnalyzer, logger Logger, settings Settings) *Engine {
	if settings.ProviderLinkTTL <= 0 {
		settings.ProviderLinkTTL = 72 * time.Hour
	}
	if settings.QuoteLinkTTL <= 0 {
		settings.QuoteLinkTTL = 7 * 24 * time.Hour
	}
	if settings.MaxProvidersToContact <= 0 {
		settings.MaxProvidersToContact = 10
	}
	if settings.MinResponsesRequired <= 0 {
		settings.MinResponsesRequired = 3
	}
	if settings.RecommendedQuotes <= 0 {
		settings.RecommendedQuotes = 3
	}
	settings.PublicBaseURL = strings.TrimRight(settings.PublicBaseURL, "/")
	if analyzer == nil {
		analyzer = NewCheapestAnalyzer(settings.RecommendedQuotes)
	}

	return &Engine{
		store:               store,
		codec:               codec,
		dispatcher:          dispatcher,
		analyzer:            analyzer,
		notifier:            noopNotifier{},
		logger:              logger,
		settings:            settings,
		notificationsSent:   telemetry.Counter("bookingflow.notifications.sent", "Notifications handed to the messaging service"),
		notificationsFailed: telemetry.Counter("bookingflow.notifications.failed", "Notifications the messaging service rejected"),
		selections:          telemetry.Counter("bookingflow.quotes.selected", "Successful customer quote selections"),
	}
}

// SetNotifier installs the wake-up target used after state changes the
// response poller should react to.
func (e *Engine) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	e.notifier = n
}

// Settings returns the engine's effective settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Now returns the engine clock, shared with the link codec.
func (e *Engine) Now() time.Time {
	return e.codec.Now()
}

func (e *Engine) wake(runID string) {
	if err := e.notifier.Wake(runID); err != nil {
		e.logger.Warn("failed to wake workflow listener", "run_id", runID, "error", err)
	}
}

// StartRun creates a run for req, contacts the eligible providers and leaves
// the run waiting for responses.
func (e *Engine) StartRun(ctx context.Context, req models.BookingRequest) (*models.WorkflowRun, []ContactResult, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, nil, apperror.Validation("booking request id is required")
	}
	if strings.TrimSpace(req.CustomerEmail) == "" && strings.TrimSpace(req.CustomerPhone) == "" {
		return nil, nil, apperror.Validation("customer email or phone is required")
	}

	now := e.Now()
	run := &models.WorkflowRun{
		ID:               uuid.NewString(),
		BookingRequestID: req.ID,
		Status:           models.RunStatusAnalyzing,
		CurrentStep:      models.StepRequest,
		StartedAt:        now,
		UpdatedAt:        now,
		CustomerName:     req.CustomerName,
		CustomerEmail:    req.CustomerEmail,
		CustomerPhone:    req.CustomerPhone,
		BookingDetails:   req.Details,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}
	e.logger.Info("workflow run started", "run_id", run.ID, "booking_request_id", req.ID)

	for _, step := range []models.Step{models.StepMessage, models.StepNotification} {
		if err := e.advance(ctx, run.ID, step); err != nil {
			return nil, nil, err
		}
	}

	providers, err := e.store.ListEligibleProviders(ctx, e.settings.MaxProvidersToContact)
	if err != nil {
		return nil, nil, err
	}
	if len(providers) == 0 {
		if err := e.MarkFailed(ctx, run.ID, "no eligible providers"); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrNoProviders.WithDetail("runId", run.ID)
	}

	results, err := e.ContactProviders(ctx, run.ID, providers)
	if err != nil {
		return nil, nil, err
	}

	if err := e.advance(ctx, run.ID, models.StepProviders); err != nil {
		return nil, nil, err
	}

	run, err = e.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, nil, err
	}
	return run, results, nil
}

// GetRun retrieves a run by its ID.
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// advance walks a run forward to target. A run that another caller has
// already moved to or past target counts as success.
func (e *Engine) advance(ctx context.Context, runID string, target models.Step) error {
	for attempt := 0; attempt < 3; attempt++ {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.CurrentStep >= target {
			return nil
		}
		if run.Status.IsTerminal() {
			return repository.ErrRunTerminal
		}

		err = e.store.AdvanceStep(ctx, runID, run.CurrentStep, target, e.Now())
		if err == nil {
			e.logger.Debug("workflow step advanced", "run_id", runID, "from", run.CurrentStep.String(), "to", target.String())
			return nil
		}
		if !errors.Is(err, repository.ErrStepMismatch) {
			return err
		}
	}
	return repository.ErrStepMismatch
}

// CompleteRun moves a run into its terminal success state and stamps
// completedAt. It is the only way a run becomes completed.
func (e *Engine) CompleteRun(ctx context.Context, runID string) error {
	if err := e.store.MarkCompleted(ctx, runID, e.Now()); err != nil {
		return err
	}
	e.logger.Info("workflow run completed", "run_id", runID)
	return nil
}

// MarkFailed moves a run into failed with a reason.
func (e *Engine) MarkFailed(ctx context.Context, runID, reason string) error {
	if err := e.store.MarkFailed(ctx, runID, reason, e.Now()); err != nil {
		return err
	}
	e.logger.Warn("workflow run failed", "run_id", runID, "reason", reason)
	return nil
}

func (e *Engine) providerLinkURL(token string) string {
	return e.settings.PublicBaseURL + "/bq/" + token
}

func (e *Engine) quoteLinkURL(token string) string {
	return e.settings.PublicBaseURL + "/bq/quotes/" + token
}

// expiredLink builds the 410 answer for a link past its expiry.
func expiredLink(providerID string) error {
	err := ErrLinkExpired.WithDetail("expired", true)
	if providerID != "" {
		err = err.WithDetail("providerId", providerID)
	}
	return err
}

// linkError maps a codec failure onto a 400.
func linkError(err error) error {
	if apperror.Is(err, apperror.KindValidation) {
		return ErrInvalidToken.WithDetail("reason", err.Error())
	}
	return err
}
