package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bookingflow/backend/pkg/models"
)

// InMemoryStore is a process-local Repository. A single mutex makes every
// method one atomic step, which gives it the same conditional-write semantics
// as the Postgres store. It backs tests and single-node development.
type InMemoryStore struct {
	mu            sync.Mutex
	runs          map[string]*models.WorkflowRun
	wps           map[string]*models.WorkflowProvider
	quotes        map[string]*models.WorkflowQuote
	notifications []*models.WorkflowNotification
	providers     map[string]*models.ServiceProvider
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:      make(map[string]*models.WorkflowRun),
		wps:       make(map[string]*models.WorkflowProvider),
		quotes:    make(map[string]*models.WorkflowQuote),
		providers: make(map[string]*models.ServiceProvider),
	}
}

func copyRun(r *models.WorkflowRun) *models.WorkflowRun {
	cp := *r
	if r.Selection != nil {
		sel := *r.Selection
		cp.Selection = &sel
	}
	return &cp
}

func copyWP(wp *models.WorkflowProvider) *models.WorkflowProvider {
	cp := *wp
	return &cp
}

func copyProvider(p *models.ServiceProvider) *models.ServiceProvider {
	cp := *p
	return &cp
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

// CreateRun inserts a new run.
func (s *InMemoryStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = copyRun(run)
	return nil
}

// GetRun retrieves a run by its ID.
func (s *InMemoryStore) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(run), nil
}

func (s *InMemoryStore) sortedRuns(filter func(*models.WorkflowRun) bool, newestFirst bool) []*models.WorkflowRun {
	var out []*models.WorkflowRun
	for _, r := range s.runs {
		if filter(r) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ListRecentRuns returns the newest runs first.
func (s *InMemoryStore) ListRecentRuns(ctx context.Context, limit int) ([]*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedRuns(func(*models.WorkflowRun) bool { return true }, true)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRunsByStatus returns runs in the given status, oldest first.
func (s *InMemoryStore) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRuns(func(r *models.WorkflowRun) bool { return r.Status == status }, false), nil
}

// AdvanceStep moves a run from one step to a later one.
func (s *InMemoryStore) AdvanceStep(ctx context.Context, runID string, from, to models.Step, at time.Time) error {
	if err := validateAdvance(from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.IsTerminal() || run.CurrentStep != from {
		return advanceMismatch(run)
	}
	run.CurrentStep = to
	run.Status = models.StatusForStep(to)
	run.UpdatedAt = at
	return nil
}

// MarkCompleted finishes a run successfully.
func (s *InMemoryStore) MarkCompleted(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	switch run.Status {
	case models.RunStatusCompleted:
		return nil
	case models.RunStatusFailed:
		return ErrRunTerminal
	}
	completedAt := at
	run.Status = models.RunStatusCompleted
	run.CurrentStep = models.StepComplete
	run.CompletedAt = &completedAt
	run.UpdatedAt = at
	return nil
}

// MarkFailed moves a non-terminal run into failed.
func (s *InMemoryStore) MarkFailed(ctx context.Context, runID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	switch run.Status {
	case models.RunStatusFailed:
		return nil
	case models.RunStatusCompleted:
		return ErrRunTerminal
	}
	run.Status = models.RunStatusFailed
	run.FailureReason = reason
	run.UpdatedAt = at
	return nil
}

// SaveQuoteLink stores the published quotes and the customer link of a run.
func (s *InMemoryStore) SaveQuoteLink(ctx context.Context, runID, token string, expiresAt time.Time, quotes []*models.WorkflowQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.QuotesEncryptedData != "" {
		return ErrQuotesAlreadyPublished
	}
	exp := expiresAt
	run.QuotesEncryptedData = token
	run.QuotesExpiresAt = &exp
	for _, q := range quotes {
		if _, exists := s.quotes[q.ID]; exists {
			continue
		}
		cp := *q
		cp.RunID = runID
		cp.IsSelectedByUser = false
		s.quotes[q.ID] = &cp
	}
	return nil
}

// ListQuotes returns the quotes published for a run.
func (s *InMemoryStore) ListQuotes(ctx context.Context, runID string) ([]*models.WorkflowQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowQuote
	for _, q := range s.quotes {
		if q.RunID == runID {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount == out[j].Amount {
			return out[i].ID < out[j].ID
		}
		return out[i].Amount < out[j].Amount
	})
	return out, nil
}

// SelectQuote records the customer's choice.
func (s *InMemoryStore) SelectQuote(ctx context.Context, runID string, sel models.QuoteSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Selection != nil {
		return ErrAlreadySelected
	}
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	q, ok := s.quotes[sel.QuoteID]
	if !ok || q.RunID != runID || q.ProviderID != sel.ProviderID {
		return ErrQuoteNotFound
	}
	q.IsSelectedByUser = true
	cp := sel
	run.Selection = &cp
	run.UpdatedAt = sel.SelectedAt
	return nil
}

// AddProvider inserts a solicitation record.
func (s *InMemoryStore) AddProvider(ctx context.Context, wp *models.WorkflowProvider) (*models.WorkflowProvider, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.wps {
		if existing.RunID == wp.RunID && existing.ProviderID == wp.ProviderID {
			return copyWP(existing), false, nil
		}
	}
	stored := copyWP(wp)
	if stored.ResponseStatus == "" {
		stored.ResponseStatus = models.ResponseStatusPending
	}
	s.wps[wp.ID] = stored
	return copyWP(stored), true, nil
}

// SetContactStatus records the outcome of contacting a provider.
func (s *InMemoryStore) SetContactStatus(ctx context.Context, workflowProviderID string, status models.ContactStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.wps[workflowProviderID]
	if !ok {
		return ErrWorkflowProviderNotFound
	}
	wp.ContactStatus = status
	return nil
}

// GetWorkflowProvider retrieves a solicitation record by its ID.
func (s *InMemoryStore) GetWorkflowProvider(ctx context.Context, workflowProviderID string) (*models.WorkflowProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.wps[workflowProviderID]
	if !ok {
		return nil, ErrWorkflowProviderNotFound
	}
	return copyWP(wp), nil
}

func (s *InMemoryStore) filterWPs(keep func(*models.WorkflowProvider) bool) []*models.WorkflowProvider {
	var out []*models.WorkflowProvider
	for _, wp := range s.wps {
		if keep(wp) {
			out = append(out, copyWP(wp))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListWorkflowProviders returns all solicitation records of a run.
func (s *InMemoryStore) ListWorkflowProviders(ctx context.Context, runID string) ([]*models.WorkflowProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterWPs(func(wp *models.WorkflowProvider) bool { return wp.RunID == runID }), nil
}

// ListProviderAssignments returns every solicitation addressed to a provider.
func (s *InMemoryStore) ListProviderAssignments(ctx context.Context, providerID string) ([]*models.WorkflowProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterWPs(func(wp *models.WorkflowProvider) bool { return wp.ProviderID == providerID })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *InMemoryStore) findWP(runID, providerID string) (*models.WorkflowProvider, error) {
	for _, wp := range s.wps {
		if wp.RunID == runID && wp.ProviderID == providerID {
			return wp, nil
		}
	}
	return nil, ErrWorkflowProviderNotFound
}

// RecordProviderResponse sets a provider's answer once, with the quote of an
// accepted answer.
func (s *InMemoryStore) RecordProviderResponse(ctx context.Context, runID, providerID string, status models.ResponseStatus, notes string, quote *QuoteSubmission, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, err := s.findWP(runID, providerID)
	if err != nil {
		return false, err
	}
	if wp.HasResponded {
		return false, nil
	}
	respondedAt := at
	wp.HasResponded = true
	wp.ResponseStatus = status
	wp.ResponseNotes = notes
	wp.RespondedAt = &respondedAt
	if quote != nil && quote.Amount > 0 && status == models.ResponseStatusAccepted && !wp.HasQuoted {
		setQuote(wp, quote.Amount, quote.Type, quote.Notes, at)
	}
	return true, nil
}

// RecordProviderQuote sets a provider's quote once. A declined provider
// cannot quote.
func (s *InMemoryStore) RecordProviderQuote(ctx context.Context, runID, providerID string, amount int64, quoteType, notes string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, err := s.findWP(runID, providerID)
	if err != nil {
		return false, err
	}
	if wp.HasQuoted || wp.ResponseStatus == models.ResponseStatusDeclined {
		return false, nil
	}
	setQuote(wp, amount, quoteType, notes, at)
	return true, nil
}

func setQuote(wp *models.WorkflowProvider, amount int64, quoteType, notes string, at time.Time) {
	quotedAt := at
	wp.HasQuoted = true
	wp.QuoteAmount = amount
	wp.QuoteType = quoteType
	wp.QuoteNotes = notes
	wp.QuotedAt = &quotedAt
}

// MarkLinkOpened stamps the first time a provider opened their link.
func (s *InMemoryStore) MarkLinkOpened(ctx context.Context, workflowProviderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wp, ok := s.wps[workflowProviderID]; ok && wp.LinkOpenedAt == nil {
		openedAt := at
		wp.LinkOpenedAt = &openedAt
	}
	return nil
}

// AppendNotification adds an entry to the outbound contact log.
func (s *InMemoryStore) AppendNotification(ctx context.Context, n *models.WorkflowNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications = append(s.notifications, &cp)
	return nil
}

// MarkNotificationsResponded correlates a provider's response with its notifications.
func (s *InMemoryStore) MarkNotificationsResponded(ctx context.Context, runID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.RunID == runID && n.ProviderID == providerID {
			n.HasResponse = true
		}
	}
	return nil
}

// ListNotifications returns the contact log of a run.
func (s *InMemoryStore) ListNotifications(ctx context.Context, runID string) ([]*models.WorkflowNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowNotification
	for _, n := range s.notifications {
		if n.RunID == runID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreateProvider inserts a service provider.
func (s *InMemoryStore) CreateProvider(ctx context.Context, p *models.ServiceProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.providers[p.ID]; exists {
		return ErrDuplicateProvider
	}
	for _, existing := range s.providers {
		if strings.EqualFold(existing.Email, p.Email) {
			return ErrDuplicateProvider
		}
	}
	s.providers[p.ID] = copyProvider(p)
	return nil
}

// GetProvider retrieves a provider by ID.
func (s *InMemoryStore) GetProvider(ctx context.Context, providerID string) (*models.ServiceProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return copyProvider(p), nil
}

// GetProviderByEmail retrieves a provider by case-insensitive email.
func (s *InMemoryStore) GetProviderByEmail(ctx context.Context, email string) (*models.ServiceProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.TrimSpace(email)
	for _, p := range s.providers {
		if strings.EqualFold(p.Email, email) {
			return copyProvider(p), nil
		}
	}
	return nil, ErrProviderNotFound
}

// ListEligibleProviders returns active, unblocked providers.
func (s *InMemoryStore) ListEligibleProviders(ctx context.Context, limit int) ([]*models.ServiceProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ServiceProvider
	for _, p := range s.providers {
		if p.Active && !p.IsBlocked {
			out = append(out, copyProvider(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetPIN stores a PIN hash and clears failure counters.
func (s *InMemoryStore) SetPIN(ctx context.Context, providerID, pinHash string, overwrite bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		return ErrProviderNotFound
	}
	if p.PinHash != "" && !overwrite {
		return ErrPinAlreadySet
	}
	p.PinHash = pinHash
	p.FailedPinAttempts = 0
	p.UpdatedAt = at
	return nil
}

// RecordFailedPinAttempt atomically increments the failure counter.
func (s *InMemoryStore) RecordFailedPinAttempt(ctx context.Context, providerID string, maxAttempts int, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		return 0, false, ErrProviderNotFound
	}
	p.FailedPinAttempts++
	if !p.IsBlocked && p.FailedPinAttempts >= maxAttempts {
		blockedAt := at
		p.IsBlocked = true
		p.BlockedAt = &blockedAt
	}
	p.UpdatedAt = at
	return p.FailedPinAttempts, p.IsBlocked, nil
}

// ResetFailedPinAttempts clears the counter of an unblocked provider.
func (s *InMemoryStore) ResetFailedPinAttempts(ctx context.Context, providerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		return ErrProviderNotFound
	}
	if p.IsBlocked {
		return ErrProviderBlocked
	}
	p.FailedPinAttempts = 0
	p.UpdatedAt = at
	return nil
}

// StorePinResetToken saves the hash of a reset token.
func (s *InMemoryStore) StorePinResetToken(ctx context.Context, providerID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		return ErrProviderNotFound
	}
	exp := expiresAt
	p.PinResetTokenHash = tokenHash
	p.PinResetTokenExpiresAt = &exp
	return nil
}

// ResetPIN consumes a valid reset token, sets the new hash and unblocks the account.
func (s *InMemoryStore) ResetPIN(ctx context.Context, providerID, tokenHash, pinHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		return ErrProviderNotFound
	}
	if p.PinResetTokenHash != tokenHash || p.PinResetTokenExpiresAt == nil || !at.Before(*p.PinResetTokenExpiresAt) {
		return resetTokenMismatch(p, tokenHash, at)
	}
	p.PinHash = pinHash
	p.FailedPinAttempts = 0
	p.IsBlocked = false
	p.BlockedAt = nil
	p.PinResetTokenHash = ""
	p.PinResetTokenExpiresAt = nil
	p.UpdatedAt = at
	return nil
}

// PurgeExpiredResetTokens clears reset tokens that expired before the given time.
func (s *InMemoryStore) PurgeExpiredResetTokens(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.providers {
		if p.PinResetTokenExpiresAt != nil && !p.PinResetTokenExpiresAt.After(before) {
			p.PinResetTokenHash = ""
			p.PinResetTokenExpiresAt = nil
			n++
		}
	}
	return n, nil
}

var _ Repository = (*InMemoryStore)(nil)
var _ Repository = (*PostgresStore)(nil)
