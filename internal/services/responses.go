package services

import (
	"context"
	"strings"
	"time"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/pkg/models"
)

// Provider actions on a booking link.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// ProviderResponse is what a provider submits through their booking link.
type ProviderResponse struct {
	Action      string `json:"action"`
	QuoteAmount string `json:"quoteAmount,omitempty"`
	QuoteType   string `json:"quoteType,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// ResponseResult reports what a submission changed.
type ResponseResult struct {
	RunID              string                `json:"workflowRunId"`
	WorkflowProviderID string                `json:"workflowProviderId"`
	ProviderID         string                `json:"providerId"`
	ResponseStatus     models.ResponseStatus `json:"responseStatus"`
	QuoteAmount        int64                 `json:"quoteAmount,omitempty"`
	// Recorded is false when the provider had already answered and this
	// submission changed nothing.
	Recorded bool `json:"recorded"`
}

// ProviderBooking is the provider's view of one solicitation.
type ProviderBooking struct {
	WorkflowProviderID string                `json:"workflowProviderId"`
	RunID              string                `json:"workflowRunId"`
	ProviderID         string                `json:"providerId"`
	ProviderName       string                `json:"providerName"`
	BookingRequestID   string                `json:"bookingRequestId"`
	BookingDetails     map[string]any        `json:"bookingDetails,omitempty"`
	CustomerName       string                `json:"customerName,omitempty"`
	RunStatus          models.RunStatus      `json:"runStatus"`
	HasResponded       bool                  `json:"hasResponded"`
	ResponseStatus     models.ResponseStatus `json:"responseStatus"`
	HasQuoted          bool                  `json:"hasQuoted"`
	QuoteAmount        int64                 `json:"quoteAmount,omitempty"`
	QuoteType          string                `json:"quoteType,omitempty"`
	Selected           bool                  `json:"selected"`
	LinkExpiresAt      time.Time             `json:"linkExpiresAt"`
}

func newProviderBooking(run *models.WorkflowRun, wp *models.WorkflowProvider) *ProviderBooking {
	return &ProviderBooking{
		WorkflowProviderID: wp.ID,
		RunID:              run.ID,
		ProviderID:         wp.ProviderID,
		ProviderName:       wp.ProviderName,
		BookingRequestID:   run.BookingRequestID,
		BookingDetails:     run.BookingDetails,
		CustomerName:       run.CustomerName,
		RunStatus:          run.Status,
		HasResponded:       wp.HasResponded,
		ResponseStatus:     wp.ResponseStatus,
		HasQuoted:          wp.HasQuoted,
		QuoteAmount:        wp.QuoteAmount,
		QuoteType:          wp.QuoteType,
		Selected:           run.Selection != nil && run.Selection.ProviderID == wp.ProviderID,
		LinkExpiresAt:      wp.LinkExpiresAt,
	}
}

// decodeProviderLink opens a provider token. Expiry is decided from the token
// alone, so an expired link answers 410 even when its rows are intact.
func (e *Engine) decodeProviderLink(token string) (*links.ProviderLink, error) {
	decoded, err := e.codec.DecodeProviderLink(token)
	if err != nil {
		return nil, linkError(err)
	}
	link := decoded.Payload
	if decoded.IsExpired {
		return nil, expiredLink(link.ProviderID)
	}
	return &link, nil
}

// loadProviderLink loads the records a decoded provider link points at.
func (e *Engine) loadProviderLink(ctx context.Context, link *links.ProviderLink) (*models.WorkflowProvider, *models.WorkflowRun, error) {
	wp, err := e.store.GetWorkflowProvider(ctx, link.WorkflowProviderID)
	if err != nil {
		return nil, nil, err
	}
	if wp.ProviderID != link.ProviderID {
		return nil, nil, repository.ErrWorkflowProviderNotFound
	}
	run, err := e.store.GetRun(ctx, wp.RunID)
	if err != nil {
		return nil, nil, err
	}
	return wp, run, nil
}

// GetBookingForProvider returns the booking behind a provider link and
// records that the link was opened.
func (e *Engine) GetBookingForProvider(ctx context.Context, token string) (*ProviderBooking, error) {
	link, err := e.decodeProviderLink(token)
	if err != nil {
		return nil, err
	}
	wp, run, err := e.loadProviderLink(ctx, link)
	if err != nil {
		return nil, err
	}
	if wp.LinkOpenedAt == nil {
		if err := e.store.MarkLinkOpened(ctx, wp.ID, e.Now()); err != nil {
			e.logger.Warn("failed to record link open", "workflow_provider_id", wp.ID, "error", err)
		}
	}
	return newProviderBooking(run, wp), nil
}

// RespondToBooking records a provider's accept or reject. The link is checked
// before the submission, so an expired link answers 410 whatever the body.
// Submitting the same link again is harmless: the first answer stands and a
// quote can only arrive with an accepting first answer.
func (e *Engine) RespondToBooking(ctx context.Context, token string, resp ProviderResponse) (*ResponseResult, error) {
	link, err := e.decodeProviderLink(token)
	if err != nil {
		return nil, err
	}

	action := strings.ToLower(strings.TrimSpace(resp.Action))
	if action != ActionAccept && action != ActionReject {
		return nil, apperror.Validation("action must be %q or %q", ActionAccept, ActionReject)
	}
	status := models.ResponseStatusDeclined
	var quote *repository.QuoteSubmission
	if action == ActionAccept {
		status = models.ResponseStatusAccepted
		if strings.TrimSpace(resp.QuoteAmount) != "" {
			amount, err := ParseMinorUnits(resp.QuoteAmount)
			if err != nil {
				return nil, err
			}
			quote = &repository.QuoteSubmission{Amount: amount, Type: resp.QuoteType, Notes: resp.Notes}
		}
	}

	wp, run, err := e.loadProviderLink(ctx, link)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, ErrRunClosed.WithDetail("status", string(run.Status))
	}

	recorded, err := e.store.RecordProviderResponse(ctx, run.ID, link.ProviderID, status, resp.Notes, quote, e.Now())
	if err != nil {
		return nil, err
	}

	if err := e.store.MarkNotificationsResponded(ctx, run.ID, link.ProviderID); err != nil {
		e.logger.Warn("failed to correlate notifications", "run_id", run.ID, "provider_id", link.ProviderID, "error", err)
	}

	current, err := e.store.GetWorkflowProvider(ctx, wp.ID)
	if err != nil {
		return nil, err
	}
	if recorded {
		e.logger.Info("provider responded", "run_id", run.ID, "provider_id", link.ProviderID, "status", string(current.ResponseStatus))
		e.wake(run.ID)
	}
	return &ResponseResult{
		RunID:              run.ID,
		WorkflowProviderID: current.ID,
		ProviderID:         current.ProviderID,
		ResponseStatus:     current.ResponseStatus,
		QuoteAmount:        current.QuoteAmount,
		Recorded:           recorded,
	}, nil
}

// ProviderBookings lists every solicitation addressed to a provider, newest
// first.
func (e *Engine) ProviderBookings(ctx context.Context, providerID string) ([]*ProviderBooking, error) {
	wps, err := e.store.ListProviderAssignments(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := make([]*ProviderBooking, 0, len(wps))
	for _, wp := range wps {
		run, err := e.store.GetRun(ctx, wp.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, newProviderBooking(run, wp))
	}
	return out, nil
}
