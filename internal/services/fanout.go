package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/messaging"
	"bookingflow/backend/internal/telemetry"
	"bookingflow/backend/pkg/models"
)

const fanOutConcurrency = 8

// ContactResult is the outcome of soliciting one provider.
type ContactResult struct {
	ProviderID         string               `json:"providerId"`
	WorkflowProviderID string               `json:"workflowProviderId,omitempty"`
	Status             models.ContactStatus `json:"status"`
	AlreadyContacted   bool                 `json:"alreadyContacted,omitempty"`
	Error              string               `json:"error,omitempty"`
}

// ContactProviders solicits each provider for a run: it creates the
// provider's row, mints their link, sends the notification and logs every
// dispatch attempt. A provider that cannot be reached is reported in its
// result; it never fails the fan-out as a whole.
func (e *Engine) ContactProviders(ctx context.Context, runID string, providers []*models.ServiceProvider) ([]ContactResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, ErrRunClosed.WithDetail("status", string(run.Status))
	}

	results := make([]ContactResult, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)
	for i, p := range providers {
		g.Go(func() error {
			results[i] = e.contactProvider(gctx, run, p)
			return nil
		})
	}
	_ = g.Wait()

	contacted, failed := 0, 0
	for _, r := range results {
		if r.Status == models.ContactStatusContacted {
			contacted++
		} else {
			failed++
		}
	}
	e.logger.Info("providers contacted", "run_id", runID, "contacted", contacted, "failed", failed)
	return results, nil
}

func (e *Engine) contactProvider(ctx context.Context, run *models.WorkflowRun, p *models.ServiceProvider) ContactResult {
	result := ContactResult{ProviderID: p.ID, Status: models.ContactStatusFailed}

	wpID := uuid.NewString()
	token, expiresAt, err := e.codec.EncodeProviderLink(links.ProviderLink{
		ProviderID:         p.ID,
		WorkflowProviderID: wpID,
		BookingRequestID:   run.BookingRequestID,
	}, e.settings.ProviderLinkTTL)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	wp, created, err := e.store.AddProvider(ctx, &models.WorkflowProvider{
		ID:            wpID,
		RunID:         run.ID,
		ProviderID:    p.ID,
		ProviderName:  p.Name,
		ContactStatus: models.ContactStatusPending,
		LinkToken:     token,
		LinkExpiresAt: expiresAt,
		CreatedAt:     e.Now(),
	})
	if err != nil {
		e.logger.Error("failed to add workflow provider", "run_id", run.ID, "provider_id", p.ID, "error", err)
		result.Error = err.Error()
		return result
	}
	result.WorkflowProviderID = wp.ID
	if !created {
		result.AlreadyContacted = true
		result.Status = wp.ContactStatus
		return result
	}

	link := e.providerLinkURL(token)
	delivered := false
	if p.Email != "" {
		err := e.dispatcher.SendEmail(ctx, messaging.Email{
			To:      p.Email,
			Subject: fmt.Sprintf("New booking request %s", run.BookingRequestID),
			Body: fmt.Sprintf("Hello %s,\n\nA customer is looking for transport. View the request and send your quote here:\n\n%s\n\nThis link expires at %s.\n",
				p.Name, link, expiresAt.UTC().Format("2006-01-02 15:04 MST")),
		})
		delivered = e.logNotification(ctx, run.ID, wp, models.NotificationTypeEmail, p.Email, err) || delivered
	}
	if p.Phone != "" {
		err := e.dispatcher.SendSMS(ctx, messaging.SMS{
			To:   p.Phone,
			Body: fmt.Sprintf("New booking request %s: %s", run.BookingRequestID, link),
		})
		delivered = e.logNotification(ctx, run.ID, wp, models.NotificationTypeSMS, p.Phone, err) || delivered
	}

	status := models.ContactStatusFailed
	if delivered {
		status = models.ContactStatusContacted
	} else if result.Error == "" {
		result.Error = "no notification could be delivered"
	}
	if err := e.store.SetContactStatus(ctx, wp.ID, status); err != nil {
		e.logger.Error("failed to set contact status", "workflow_provider_id", wp.ID, "error", err)
		result.Error = err.Error()
		return result
	}
	result.Status = status
	return result
}

// logNotification appends a contact-log row for one dispatch attempt and
// reports whether the attempt succeeded.
func (e *Engine) logNotification(ctx context.Context, runID string, wp *models.WorkflowProvider, typ models.NotificationType, recipient string, sendErr error) bool {
	n := &models.WorkflowNotification{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      typ,
		Recipient: recipient,
		Status:    models.NotificationStatusSent,
		CreatedAt: e.Now(),
	}
	if wp != nil {
		n.WorkflowProviderID = wp.ID
		n.ProviderID = wp.ProviderID
	}
	if sendErr != nil {
		n.Status = models.NotificationStatusFailed
		n.Error = sendErr.Error()
		telemetry.Add(ctx, e.notificationsFailed, "type", string(typ))
		e.logger.Warn("notification dispatch failed", "run_id", runID, "type", string(typ), "error", sendErr)
	} else {
		telemetry.Add(ctx, e.notificationsSent, "type", string(typ))
	}

	if err := e.store.AppendNotification(ctx, n); err != nil {
		e.logger.Error("failed to record notification", "run_id", runID, "error", err)
	}
	return sendErr == nil
}

// Thresholds is a read-only snapshot of the provider responses of a run.
type Thresholds struct {
	TotalProviders  int `json:"totalProviders"`
	RespondedCount  int `json:"respondedCount"`
	QuotedCount     int `json:"quotedCount"`
	AcceptedCount   int `json:"acceptedCount"`
	DeclinedCount   int `json:"declinedCount"`
	NoResponseCount int `json:"noResponseCount"`
}

// Ready reports whether enough providers have answered to move on: either
// minResponses answers including at least one quote, or every provider has
// answered.
func (t Thresholds) Ready(minResponses int) bool {
	if t.TotalProviders == 0 {
		return false
	}
	if t.RespondedCount >= t.TotalProviders {
		return true
	}
	return t.RespondedCount >= minResponses && t.QuotedCount > 0
}

// CountThresholds tallies provider rows. QuotedCount counts publishable
// quotes only.
func CountThresholds(wps []*models.WorkflowProvider) Thresholds {
	t := Thresholds{TotalProviders: len(wps)}
	for _, wp := range wps {
		if wp.HasResponded {
			t.RespondedCount++
		}
		// Only an accepted answer's quote can be published.
		if wp.HasQuoted && wp.ResponseStatus == models.ResponseStatusAccepted {
			t.QuotedCount++
		}
		switch wp.ResponseStatus {
		case models.ResponseStatusAccepted:
			t.AcceptedCount++
		case models.ResponseStatusDeclined:
			t.DeclinedCount++
		}
	}
	t.NoResponseCount = t.TotalProviders - t.RespondedCount
	return t
}

// CheckThresholds computes the response counts of a run from a single read of
// its provider rows. It never writes and may run alongside a fan-out.
func (e *Engine) CheckThresholds(ctx context.Context, runID string) (*Thresholds, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	wps, err := e.store.ListWorkflowProviders(ctx, runID)
	if err != nil {
		return nil, err
	}
	t := CountThresholds(wps)
	return &t, nil
}
