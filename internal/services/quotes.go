package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/messaging"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/internal/telemetry"
	"bookingflow/backend/pkg/models"
)

// quoteNamespace scopes quote IDs derived from workflow provider IDs, so
// republishing the same responses yields the same quote IDs.
var quoteNamespace = uuid.MustParse("6f1d1c3e-6f0b-4e55-9a55-6a7b3c0d2e11")

// CheapestAnalyzer recommends the n cheapest quotes and marks the cheapest as
// the AI pick.
type CheapestAnalyzer struct {
	n int
}

// NewCheapestAnalyzer creates a new CheapestAnalyzer.
func NewCheapestAnalyzer(n int) *CheapestAnalyzer {
	if n < 1 {
		n = 1
	}
	return &CheapestAnalyzer{n: n}
}

func (a *CheapestAnalyzer) Analyze(ctx context.Context, run *models.WorkflowRun, quotes []*models.WorkflowQuote) error {
	sorted := make([]*models.WorkflowQuote, len(quotes))
	copy(sorted, quotes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Amount == sorted[j].Amount {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].Amount < sorted[j].Amount
	})
	for i, q := range sorted {
		q.IsRecommended = i < a.n
		q.IsSelectedByAI = i == 0
	}
	return nil
}

// PublishedQuotes is the result of publishing a run's quotes.
type PublishedQuotes struct {
	RunID     string                  `json:"workflowRunId"`
	Token     string                  `json:"-"`
	URL       string                  `json:"url"`
	ExpiresAt time.Time               `json:"expiresAt"`
	Quotes    []*models.WorkflowQuote `json:"quotes"`
}

// QuoteView is the customer's view behind a quote link.
type QuoteView struct {
	RunID            string                  `json:"workflowRunId"`
	BookingRequestID string                  `json:"bookingRequestId"`
	Status           models.RunStatus        `json:"status"`
	Quotes           []*models.WorkflowQuote `json:"quotes"`
	Selection        *models.QuoteSelection  `json:"selection,omitempty"`
	ExpiresAt        time.Time               `json:"expiresAt"`
}

// SelectionRequest is the customer's choice submitted through a quote link.
type SelectionRequest struct {
	QuoteID    string                 `json:"quoteId"`
	ProviderID string                 `json:"providerId"`
	Message    string                 `json:"message,omitempty"`
	Action     models.SelectionAction `json:"action"`
}

// exposedQuotes keeps recommended and AI-selected quotes, one per ID.
func exposedQuotes(quotes []*models.WorkflowQuote, allowed func(id string) bool) []*models.WorkflowQuote {
	seen := make(map[string]bool, len(quotes))
	out := make([]*models.WorkflowQuote, 0, len(quotes))
	for _, q := range quotes {
		if seen[q.ID] || !(q.IsRecommended || q.IsSelectedByAI) || !allowed(q.ID) {
			continue
		}
		seen[q.ID] = true
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Amount < out[j].Amount })
	return out
}

// PublishQuotes turns accepted provider quotes into customer quotes, seals the
// customer's quote link and sends it. Only recommended or AI-selected quotes
// are exposed through the link.
func (e *Engine) PublishQuotes(ctx context.Context, runID string) (*PublishedQuotes, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, repository.ErrRunTerminal
	}
	if run.QuotesEncryptedData != "" {
		return nil, repository.ErrQuotesAlreadyPublished
	}

	wps, err := e.store.ListWorkflowProviders(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := e.Now()
	byID := make(map[string]*models.WorkflowQuote)
	var quotes []*models.WorkflowQuote
	for _, wp := range wps {
		if !wp.HasQuoted || wp.ResponseStatus != models.ResponseStatusAccepted || wp.QuoteAmount <= 0 {
			continue
		}
		id := uuid.NewSHA1(quoteNamespace, []byte(wp.ID)).String()
		if _, dup := byID[id]; dup {
			continue
		}
		q := &models.WorkflowQuote{
			ID:                 id,
			RunID:              runID,
			ProviderID:         wp.ProviderID,
			WorkflowProviderID: wp.ID,
			ProviderName:       wp.ProviderName,
			Amount:             wp.QuoteAmount,
			Notes:              wp.QuoteNotes,
			CreatedAt:          now,
		}
		if wp.QuotedAt != nil {
			q.CreatedAt = *wp.QuotedAt
		}
		byID[id] = q
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		return nil, ErrNoQuotes
	}

	if err := e.analyzer.Analyze(ctx, run, quotes); err != nil {
		return nil, apperror.Internal(err, "quote analysis failed")
	}
	exposed := exposedQuotes(quotes, func(string) bool { return true })
	ids := make([]string, len(exposed))
	for i, q := range exposed {
		ids[i] = q.ID
	}

	token, expiresAt, err := e.codec.EncodeQuoteLink(links.QuoteLink{
		WorkflowRunID:    runID,
		BookingRequestID: run.BookingRequestID,
		SelectedQuoteIDs: ids,
	}, e.settings.QuoteLinkTTL)
	if err != nil {
		return nil, apperror.Internal(err, "failed to seal quote link")
	}

	if err := e.advance(ctx, runID, models.StepQuotes); err != nil {
		return nil, err
	}
	if err := e.store.SaveQuoteLink(ctx, runID, token, expiresAt, quotes); err != nil {
		return nil, err
	}
	if err := e.advance(ctx, runID, models.StepUserResponse); err != nil {
		return nil, err
	}
	e.logger.Info("quotes published", "run_id", runID, "quotes", len(quotes), "exposed", len(exposed))

	url := e.quoteLinkURL(token)
	e.notifyCustomer(ctx, run, exposed, url, expiresAt)

	return &PublishedQuotes{RunID: runID, Token: token, URL: url, ExpiresAt: expiresAt, Quotes: exposed}, nil
}

func (e *Engine) notifyCustomer(ctx context.Context, run *models.WorkflowRun, quotes []*models.WorkflowQuote, url string, expiresAt time.Time) {
	if run.CustomerEmail != "" {
		var b strings.Builder
		fmt.Fprintf(&b, "Hello %s,\n\nWe have %d quote(s) for your booking %s:\n\n", run.CustomerName, len(quotes), run.BookingRequestID)
		for _, q := range quotes {
			fmt.Fprintf(&b, "  %s: %s\n", q.ProviderName, FormatMinorUnits(q.Amount))
		}
		fmt.Fprintf(&b, "\nChoose your quote here before %s:\n%s\n", expiresAt.UTC().Format("2006-01-02 15:04 MST"), url)
		err := e.dispatcher.SendEmail(ctx, messaging.Email{
			To:      run.CustomerEmail,
			Subject: fmt.Sprintf("Your quotes for booking %s", run.BookingRequestID),
			Body:    b.String(),
		})
		e.logNotification(ctx, run.ID, nil, models.NotificationTypeEmail, run.CustomerEmail, err)
	}
	if run.CustomerPhone != "" {
		err := e.dispatcher.SendSMS(ctx, messaging.SMS{
			To:   run.CustomerPhone,
			Body: fmt.Sprintf("Your quotes for booking %s are ready: %s", run.BookingRequestID, url),
		})
		e.logNotification(ctx, run.ID, nil, models.NotificationTypeSMS, run.CustomerPhone, err)
	}
}

func (e *Engine) openQuoteLink(token string) (*links.QuoteLink, error) {
	decoded, err := e.codec.DecodeQuoteLink(token)
	if err != nil {
		return nil, linkError(err)
	}
	if decoded.IsExpired {
		return nil, expiredLink("")
	}
	return &decoded.Payload, nil
}

// GetQuotes returns the quotes exposed by a quote link and any prior
// selection.
func (e *Engine) GetQuotes(ctx context.Context, token string) (*QuoteView, error) {
	link, err := e.openQuoteLink(token)
	if err != nil {
		return nil, err
	}
	run, err := e.store.GetRun(ctx, link.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	quotes, err := e.store.ListQuotes(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &QuoteView{
		RunID:            run.ID,
		BookingRequestID: run.BookingRequestID,
		Status:           run.Status,
		Quotes:           exposedQuotes(quotes, link.Contains),
		Selection:        run.Selection,
		ExpiresAt:        link.ExpiresAt,
	}, nil
}

// SelectQuote records the customer's choice. At most one selection per run
// succeeds; the store enforces it atomically and later attempts fail with a
// conflict. A confirmed selection completes the run.
func (e *Engine) SelectQuote(ctx context.Context, token string, req SelectionRequest) (*models.WorkflowRun, error) {
	if req.Action == "" {
		req.Action = models.SelectionActionConfirm
	}
	if req.Action != models.SelectionActionConfirm && req.Action != models.SelectionActionQuestion {
		return nil, apperror.Validation("action must be %q or %q", models.SelectionActionConfirm, models.SelectionActionQuestion)
	}
	if req.QuoteID == "" || req.ProviderID == "" {
		return nil, apperror.Validation("quoteId and providerId are required")
	}

	link, err := e.openQuoteLink(token)
	if err != nil {
		return nil, err
	}
	if !link.Contains(req.QuoteID) {
		return nil, repository.ErrQuoteNotFound
	}

	quotes, err := e.store.ListQuotes(ctx, link.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	var chosen *models.WorkflowQuote
	for _, q := range quotes {
		if q.ID == req.QuoteID && q.ProviderID == req.ProviderID {
			chosen = q
			break
		}
	}
	if chosen == nil {
		return nil, repository.ErrQuoteNotFound
	}

	sel := models.QuoteSelection{
		ProviderID: chosen.ProviderID,
		QuoteID:    chosen.ID,
		Amount:     chosen.Amount,
		Message:    strings.TrimSpace(req.Message),
		Action:     req.Action,
		SelectedAt: e.Now(),
	}
	if err := e.store.SelectQuote(ctx, link.WorkflowRunID, sel); err != nil {
		return nil, err
	}
	telemetry.Add(ctx, e.selections, "action", string(req.Action))
	e.logger.Info("quote selected", "run_id", link.WorkflowRunID, "quote_id", chosen.ID, "action", string(req.Action))

	if err := e.finishSelection(ctx, link.WorkflowRunID, sel); err != nil {
		// The selection is persisted; the poller finishes the run later.
		e.logger.Error("failed to finish selected run", "run_id", link.WorkflowRunID, "error", err)
	}
	e.notifySelectedProvider(ctx, link.WorkflowRunID, chosen, sel)
	e.wake(link.WorkflowRunID)

	return e.store.GetRun(ctx, link.WorkflowRunID)
}

// finishSelection moves a run with a persisted selection to confirmation and,
// for a confirmed selection, completes it. It is safe to repeat.
func (e *Engine) finishSelection(ctx context.Context, runID string, sel models.QuoteSelection) error {
	if err := e.advance(ctx, runID, models.StepConfirmation); err != nil {
		return err
	}
	if sel.Action != models.SelectionActionConfirm {
		return nil
	}
	return e.CompleteRun(ctx, runID)
}

// FinishSelected completes runs whose selection was persisted but whose
// completion did not happen. It reports whether the run was finished.
func (e *Engine) FinishSelected(ctx context.Context, run *models.WorkflowRun) (bool, error) {
	if run.Selection == nil || run.Status.IsTerminal() {
		return false, nil
	}
	if run.Selection.Action == models.SelectionActionConfirm || run.CurrentStep < models.StepConfirmation {
		if err := e.finishSelection(ctx, run.ID, *run.Selection); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (e *Engine) notifySelectedProvider(ctx context.Context, runID string, q *models.WorkflowQuote, sel models.QuoteSelection) {
	p, err := e.store.GetProvider(ctx, q.ProviderID)
	if err != nil || p.Email == "" {
		return
	}
	wp, err := e.store.GetWorkflowProvider(ctx, q.WorkflowProviderID)
	if err != nil {
		wp = nil
	}

	subject := "Your quote was accepted"
	if sel.Action == models.SelectionActionQuestion {
		subject = "A customer has a question about your quote"
	}
	body := fmt.Sprintf("Hello %s,\n\nThe customer chose your quote of %s.\n", p.Name, FormatMinorUnits(q.Amount))
	if sel.Message != "" {
		body += "\nMessage from the customer:\n" + sel.Message + "\n"
	}
	err = e.dispatcher.SendEmail(ctx, messaging.Email{To: p.Email, Subject: subject, Body: body})
	e.logNotification(ctx, runID, wp, models.NotificationTypeEmail, p.Email, err)
}
