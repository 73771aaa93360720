package repository

import (
	"context"
	"time"

	"bookingflow/backend/pkg/models"
)

// QuoteSubmission is the quote a provider attaches to an accepted answer.
type QuoteSubmission struct {
	Amount int64
	Type   string
	Notes  string
}

// WorkflowStore is the durable home of workflow runs and their provider,
// quote and notification records. Every mutation is a single conditional
// write so that retries are harmless and concurrent callers cannot interleave
// a check with a write.
type WorkflowStore interface {
	// CreateRun inserts a new run.
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error)
	// ListRecentRuns returns the newest runs first.
	ListRecentRuns(ctx context.Context, limit int) ([]*models.WorkflowRun, error)
	// ListRunsByStatus returns runs in the given status, oldest first.
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.WorkflowRun, error)
	// AdvanceStep moves a run from one step to a later one. It fails with
	// ErrStepMismatch when the run is not on from.
	AdvanceStep(ctx context.Context, runID string, from, to models.Step, at time.Time) error
	// MarkCompleted finishes a run successfully. Completing a completed run is a no-op.
	MarkCompleted(ctx context.Context, runID string, at time.Time) error
	// MarkFailed moves a non-terminal run into failed. Failing a failed run is a no-op.
	MarkFailed(ctx context.Context, runID, reason string, at time.Time) error

	// SaveQuoteLink stores the published quotes and the customer link of a run.
	// It fails with ErrQuotesAlreadyPublished if the run already has a link.
	SaveQuoteLink(ctx context.Context, runID, token string, expiresAt time.Time, quotes []*models.WorkflowQuote) error
	// ListQuotes returns the quotes published for a run.
	ListQuotes(ctx context.Context, runID string) ([]*models.WorkflowQuote, error)
	// SelectQuote records the customer's choice. At most one selection per run
	// ever succeeds; later attempts fail with ErrAlreadySelected.
	SelectQuote(ctx context.Context, runID string, sel models.QuoteSelection) error

	// AddProvider inserts a solicitation record, returning the stored row and
	// whether it was newly created. Re-adding the same (run, provider) pair
	// returns the existing row.
	AddProvider(ctx context.Context, wp *models.WorkflowProvider) (*models.WorkflowProvider, bool, error)
	// SetContactStatus records the outcome of contacting a provider.
	SetContactStatus(ctx context.Context, workflowProviderID string, status models.ContactStatus) error
	// GetWorkflowProvider retrieves a solicitation record by its ID.
	GetWorkflowProvider(ctx context.Context, workflowProviderID string) (*models.WorkflowProvider, error)
	// ListWorkflowProviders returns all solicitation records of a run in one read.
	ListWorkflowProviders(ctx context.Context, runID string) ([]*models.WorkflowProvider, error)
	// ListProviderAssignments returns every solicitation addressed to a provider.
	ListProviderAssignments(ctx context.Context, providerID string) ([]*models.WorkflowProvider, error)
	// RecordProviderResponse sets a provider's answer once, together with the
	// quote of an accepted answer, in a single write. A quote on any other
	// answer is ignored. It reports false when the provider had already
	// responded, in which case nothing changes.
	RecordProviderResponse(ctx context.Context, runID, providerID string, status models.ResponseStatus, notes string, quote *QuoteSubmission, at time.Time) (bool, error)
	// RecordProviderQuote sets a provider's quote once. It reports false when
	// the provider had already quoted or has declined.
	RecordProviderQuote(ctx context.Context, runID, providerID string, amount int64, quoteType, notes string, at time.Time) (bool, error)
	// MarkLinkOpened stamps the first time a provider opened their link.
	MarkLinkOpened(ctx context.Context, workflowProviderID string, at time.Time) error

	// AppendNotification adds an entry to the outbound contact log.
	AppendNotification(ctx context.Context, n *models.WorkflowNotification) error
	// MarkNotificationsResponded correlates a provider's response with the
	// notifications that solicited it.
	MarkNotificationsResponded(ctx context.Context, runID, providerID string) error
	// ListNotifications returns the contact log of a run.
	ListNotifications(ctx context.Context, runID string) ([]*models.WorkflowNotification, error)
}

// ProviderStore holds service providers and their PIN credentials.
type ProviderStore interface {
	// CreateProvider inserts a service provider.
	CreateProvider(ctx context.Context, p *models.ServiceProvider) error
	// GetProvider retrieves a provider by ID.
	GetProvider(ctx context.Context, providerID string) (*models.ServiceProvider, error)
	// GetProviderByEmail retrieves a provider by case-insensitive email.
	GetProviderByEmail(ctx context.Context, email string) (*models.ServiceProvider, error)
	// ListEligibleProviders returns active, unblocked providers.
	ListEligibleProviders(ctx context.Context, limit int) ([]*models.ServiceProvider, error)

	// SetPIN stores a PIN hash and clears failure counters. Without overwrite
	// it fails with ErrPinAlreadySet when a PIN exists.
	SetPIN(ctx context.Context, providerID, pinHash string, overwrite bool, at time.Time) error
	// RecordFailedPinAttempt atomically increments the failure counter and
	// blocks the account once it reaches maxAttempts.
	RecordFailedPinAttempt(ctx context.Context, providerID string, maxAttempts int, at time.Time) (attempts int, blocked bool, err error)
	// ResetFailedPinAttempts clears the counter of an unblocked provider. It
	// fails with ErrProviderBlocked if the account was blocked meanwhile.
	ResetFailedPinAttempts(ctx context.Context, providerID string, at time.Time) error
	// StorePinResetToken saves the hash of a reset token.
	StorePinResetToken(ctx context.Context, providerID, tokenHash string, expiresAt time.Time) error
	// ResetPIN consumes a valid reset token, sets the new hash and unblocks
	// the account in one write.
	ResetPIN(ctx context.Context, providerID, tokenHash, pinHash string, at time.Time) error
	// PurgeExpiredResetTokens clears reset tokens that expired before the given time.
	PurgeExpiredResetTokens(ctx context.Context, before time.Time) (int64, error)
}

// Repository is the full persistence surface used by the engine.
type Repository interface {
	WorkflowStore
	ProviderStore
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
