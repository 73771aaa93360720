package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bookingflow/backend/pkg/models"
)

const runColumns = `id, booking_request_id, status, current_step_number, started_at, completed_at, updated_at,
	customer_name, customer_email, customer_phone, booking_details, quotes_encrypted_data, quotes_expires_at,
	selected_provider_id, selected_quote_id, selected_amount, selection_message, selection_action, selected_at,
	failure_reason`

const workflowProviderColumns = `id, run_id, provider_id, provider_name, contact_status, has_responded,
	response_status, response_notes, responded_at, has_quoted, quote_amount, quote_type, quote_notes, quoted_at,
	link_token, link_expires_at, link_opened_at, created_at`

const quoteColumns = `id, run_id, provider_id, workflow_provider_id, provider_name, amount, notes,
	is_selected_by_ai, is_recommended, is_selected_by_user, created_at`

const notificationColumns = `id, run_id, workflow_provider_id, provider_id, type, recipient, status, error,
	retry_count, has_response, created_at`

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	var (
		run                               models.WorkflowRun
		status                            string
		step                              int
		quotesData, selProvider, selQuote *string
		selMessage, selAction             *string
		selAmount                         *int64
		selectedAt                        *time.Time
	)
	err := row.Scan(
		&run.ID, &run.BookingRequestID, &status, &step, &run.StartedAt, &run.CompletedAt, &run.UpdatedAt,
		&run.CustomerName, &run.CustomerEmail, &run.CustomerPhone, &run.BookingDetails, &quotesData, &run.QuotesExpiresAt,
		&selProvider, &selQuote, &selAmount, &selMessage, &selAction, &selectedAt,
		&run.FailureReason,
	)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.CurrentStep = models.Step(step)
	if quotesData != nil {
		run.QuotesEncryptedData = *quotesData
	}
	if selectedAt != nil {
		sel := &models.QuoteSelection{SelectedAt: *selectedAt}
		if selProvider != nil {
			sel.ProviderID = *selProvider
		}
		if selQuote != nil {
			sel.QuoteID = *selQuote
		}
		if selAmount != nil {
			sel.Amount = *selAmount
		}
		if selMessage != nil {
			sel.Message = *selMessage
		}
		if selAction != nil {
			sel.Action = models.SelectionAction(*selAction)
		}
		run.Selection = sel
	}
	return &run, nil
}

func scanWorkflowProvider(row pgx.Row) (*models.WorkflowProvider, error) {
	var (
		wp                      models.WorkflowProvider
		contactStatus, respStat string
	)
	err := row.Scan(
		&wp.ID, &wp.RunID, &wp.ProviderID, &wp.ProviderName, &contactStatus, &wp.HasResponded,
		&respStat, &wp.ResponseNotes, &wp.RespondedAt, &wp.HasQuoted, &wp.QuoteAmount, &wp.QuoteType, &wp.QuoteNotes, &wp.QuotedAt,
		&wp.LinkToken, &wp.LinkExpiresAt, &wp.LinkOpenedAt, &wp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	wp.ContactStatus = models.ContactStatus(contactStatus)
	wp.ResponseStatus = models.ResponseStatus(respStat)
	return &wp, nil
}

func scanQuote(row pgx.Row) (*models.WorkflowQuote, error) {
	var q models.WorkflowQuote
	err := row.Scan(
		&q.ID, &q.RunID, &q.ProviderID, &q.WorkflowProviderID, &q.ProviderName, &q.Amount, &q.Notes,
		&q.IsSelectedByAI, &q.IsRecommended, &q.IsSelectedByUser, &q.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func scanNotification(row pgx.Row) (*models.WorkflowNotification, error) {
	var (
		n                models.WorkflowNotification
		wpID, providerID *string
		typ, status      string
	)
	err := row.Scan(
		&n.ID, &n.RunID, &wpID, &providerID, &typ, &n.Recipient, &status, &n.Error,
		&n.RetryCount, &n.HasResponse, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if wpID != nil {
		n.WorkflowProviderID = *wpID
	}
	if providerID != nil {
		n.ProviderID = *providerID
	}
	n.Type = models.NotificationType(typ)
	n.Status = models.NotificationStatus(status)
	return &n, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateRun inserts a new run.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_runs
		(id, booking_request_id, status, current_step_number, started_at, updated_at,
		 customer_name, customer_email, customer_phone, booking_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.BookingRequestID, string(run.Status), int(run.CurrentStep), run.StartedAt, run.UpdatedAt,
		run.CustomerName, run.CustomerEmail, run.CustomerPhone, run.BookingDetails,
	)
	if err != nil {
		return fmt.Errorf("error creating workflow run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by its ID.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	if !validID(runID) {
		return nil, ErrRunNotFound
	}
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID))
	if err != nil {
		return nil, notFound(err, ErrRunNotFound)
	}
	return run, nil
}

// ListRecentRuns returns the newest runs first.
func (s *PostgresStore) ListRecentRuns(ctx context.Context, limit int) ([]*models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+` FROM workflow_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing recent runs: %w", err)
	}
	return collect(rows, scanRun)
}

// ListRunsByStatus returns runs in the given status, oldest first.
func (s *PostgresStore) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE status = $1 ORDER BY started_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("error listing runs by status: %w", err)
	}
	return collect(rows, scanRun)
}

// AdvanceStep moves a run from one step to a later one.
func (s *PostgresStore) AdvanceStep(ctx context.Context, runID string, from, to models.Step, at time.Time) error {
	if err := validateAdvance(from, to); err != nil {
		return err
	}
	if !validID(runID) {
		return ErrRunNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_runs
		SET current_step_number = $3, status = $4, updated_at = $5
		WHERE id = $1 AND current_step_number = $2 AND status NOT IN ('completed', 'failed')`,
		runID, int(from), int(to), string(models.StatusForStep(to)), at,
	)
	if err != nil {
		return fmt.Errorf("error advancing workflow run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return advanceMismatch(run)
}

// MarkCompleted finishes a run successfully.
func (s *PostgresStore) MarkCompleted(ctx context.Context, runID string, at time.Time) error {
	if !validID(runID) {
		return ErrRunNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_runs
		SET status = 'completed', current_step_number = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		runID, int(models.StepComplete), at,
	)
	if err != nil {
		return fmt.Errorf("error completing workflow run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusCompleted {
		return nil
	}
	return ErrRunTerminal
}

// MarkFailed moves a non-terminal run into failed.
func (s *PostgresStore) MarkFailed(ctx context.Context, runID, reason string, at time.Time) error {
	if !validID(runID) {
		return ErrRunNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_runs
		SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		runID, reason, at,
	)
	if err != nil {
		return fmt.Errorf("error failing workflow run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusFailed {
		return nil
	}
	return ErrRunTerminal
}

// SaveQuoteLink stores the published quotes and the customer link of a run.
func (s *PostgresStore) SaveQuoteLink(ctx context.Context, runID, token string, expiresAt time.Time, quotes []*models.WorkflowQuote) error {
	if !validID(runID) {
		return ErrRunNotFound
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE workflow_runs
			SET quotes_encrypted_data = $2, quotes_expires_at = $3, updated_at = NOW()
			WHERE id = $1 AND quotes_encrypted_data IS NULL`,
			runID, token, expiresAt,
		)
		if err != nil {
			return fmt.Errorf("error storing quote link: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrRunNotFound
			}
			return ErrQuotesAlreadyPublished
		}

		for _, q := range quotes {
			_, err := tx.Exec(ctx, `INSERT INTO workflow_quotes (`+quoteColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (id) DO NOTHING`,
				q.ID, runID, q.ProviderID, q.WorkflowProviderID, q.ProviderName, q.Amount, q.Notes,
				q.IsSelectedByAI, q.IsRecommended, false, q.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("error inserting quote %s: %w", q.ID, err)
			}
		}
		return nil
	})
}

// ListQuotes returns the quotes published for a run.
func (s *PostgresStore) ListQuotes(ctx context.Context, runID string) ([]*models.WorkflowQuote, error) {
	if !validID(runID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+quoteColumns+` FROM workflow_quotes WHERE run_id = $1 ORDER BY amount, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("error listing quotes: %w", err)
	}
	return collect(rows, scanQuote)
}

// SelectQuote records the customer's choice. The run row is claimed with a
// "selected_at IS NULL" guard inside the same transaction that flags the
// quote, and a partial unique index backs the one-selection rule.
func (s *PostgresStore) SelectQuote(ctx context.Context, runID string, sel models.QuoteSelection) error {
	if !validID(runID) {
		return ErrRunNotFound
	}
	if !validID(sel.QuoteID, sel.ProviderID) {
		return ErrQuoteNotFound
	}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE workflow_runs
			SET selected_provider_id = $2, selected_quote_id = $3, selected_amount = $4,
			    selection_message = $5, selection_action = $6, selected_at = $7, updated_at = $7
			WHERE id = $1 AND selected_at IS NULL AND status NOT IN ('completed', 'failed')`,
			runID, sel.ProviderID, sel.QuoteID, sel.Amount, sel.Message, string(sel.Action), sel.SelectedAt,
		)
		if err != nil {
			return fmt.Errorf("error recording selection: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var selected, terminal bool
			err := tx.QueryRow(ctx, `SELECT selected_at IS NOT NULL, status IN ('completed', 'failed')
				FROM workflow_runs WHERE id = $1`, runID).Scan(&selected, &terminal)
			if err != nil {
				return notFound(err, ErrRunNotFound)
			}
			if selected {
				return ErrAlreadySelected
			}
			return ErrRunTerminal
		}

		tag, err = tx.Exec(ctx, `UPDATE workflow_quotes SET is_selected_by_user = TRUE
			WHERE id = $1 AND run_id = $2 AND provider_id = $3`,
			sel.QuoteID, runID, sel.ProviderID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrQuoteNotFound
		}
		return nil
	})
	if isUniqueViolation(err, "workflow_quotes_one_selection_per_run") {
		return ErrAlreadySelected
	}
	return err
}

// AddProvider inserts a solicitation record.
func (s *PostgresStore) AddProvider(ctx context.Context, wp *models.WorkflowProvider) (*models.WorkflowProvider, bool, error) {
	tag, err := s.db.Exec(ctx, `INSERT INTO workflow_providers
		(id, run_id, provider_id, provider_name, contact_status, response_status, link_token, link_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT workflow_providers_run_provider_key DO NOTHING`,
		wp.ID, wp.RunID, wp.ProviderID, wp.ProviderName, string(wp.ContactStatus), string(models.ResponseStatusPending),
		wp.LinkToken, wp.LinkExpiresAt, wp.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("error adding workflow provider: %w", err)
	}

	stored, err := scanWorkflowProvider(s.db.QueryRow(ctx,
		`SELECT `+workflowProviderColumns+` FROM workflow_providers WHERE run_id = $1 AND provider_id = $2`,
		wp.RunID, wp.ProviderID))
	if err != nil {
		return nil, false, notFound(err, ErrWorkflowProviderNotFound)
	}
	return stored, tag.RowsAffected() == 1, nil
}

// SetContactStatus records the outcome of contacting a provider.
func (s *PostgresStore) SetContactStatus(ctx context.Context, workflowProviderID string, status models.ContactStatus) error {
	if !validID(workflowProviderID) {
		return ErrWorkflowProviderNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_providers SET contact_status = $2 WHERE id = $1`, workflowProviderID, string(status))
	if err != nil {
		return fmt.Errorf("error setting contact status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkflowProviderNotFound
	}
	return nil
}

// GetWorkflowProvider retrieves a solicitation record by its ID.
func (s *PostgresStore) GetWorkflowProvider(ctx context.Context, workflowProviderID string) (*models.WorkflowProvider, error) {
	if !validID(workflowProviderID) {
		return nil, ErrWorkflowProviderNotFound
	}
	wp, err := scanWorkflowProvider(s.db.QueryRow(ctx,
		`SELECT `+workflowProviderColumns+` FROM workflow_providers WHERE id = $1`, workflowProviderID))
	if err != nil {
		return nil, notFound(err, ErrWorkflowProviderNotFound)
	}
	return wp, nil
}

// ListWorkflowProviders returns all solicitation records of a run.
func (s *PostgresStore) ListWorkflowProviders(ctx context.Context, runID string) ([]*models.WorkflowProvider, error) {
	if !validID(runID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+workflowProviderColumns+` FROM workflow_providers WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("error listing workflow providers: %w", err)
	}
	return collect(rows, scanWorkflowProvider)
}

// ListProviderAssignments returns every solicitation addressed to a provider.
func (s *PostgresStore) ListProviderAssignments(ctx context.Context, providerID string) ([]*models.WorkflowProvider, error) {
	if !validID(providerID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+workflowProviderColumns+` FROM workflow_providers WHERE provider_id = $1 ORDER BY created_at DESC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("error listing provider assignments: %w", err)
	}
	return collect(rows, scanWorkflowProvider)
}

func (s *PostgresStore) providerRowExists(ctx context.Context, runID, providerID string) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_providers WHERE run_id = $1 AND provider_id = $2)`,
		runID, providerID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrWorkflowProviderNotFound
	}
	return nil
}

// RecordProviderResponse sets a provider's answer once. The quote of an
// accepted answer lands in the same statement, so no reader ever sees one
// without the other.
func (s *PostgresStore) RecordProviderResponse(ctx context.Context, runID, providerID string, status models.ResponseStatus, notes string, quote *QuoteSubmission, at time.Time) (bool, error) {
	if !validID(runID, providerID) {
		return false, ErrWorkflowProviderNotFound
	}
	withQuote := quote != nil && quote.Amount > 0 && status == models.ResponseStatusAccepted
	var q QuoteSubmission
	if withQuote {
		q = *quote
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_providers
		SET has_responded = TRUE, response_status = $3, response_notes = $4, responded_at = $5,
		    has_quoted = has_quoted OR $6::boolean,
		    quote_amount = CASE WHEN $6::boolean AND NOT has_quoted THEN $7 ELSE quote_amount END,
		    quote_type = CASE WHEN $6::boolean AND NOT has_quoted THEN $8 ELSE quote_type END,
		    quote_notes = CASE WHEN $6::boolean AND NOT has_quoted THEN $9 ELSE quote_notes END,
		    quoted_at = CASE WHEN $6::boolean AND NOT has_quoted THEN $5 ELSE quoted_at END
		WHERE run_id = $1 AND provider_id = $2 AND NOT has_responded`,
		runID, providerID, string(status), notes, at, withQuote, q.Amount, q.Type, q.Notes,
	)
	if err != nil {
		return false, fmt.Errorf("error recording provider response: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.providerRowExists(ctx, runID, providerID)
}

// RecordProviderQuote sets a provider's quote once. A declined provider
// cannot quote.
func (s *PostgresStore) RecordProviderQuote(ctx context.Context, runID, providerID string, amount int64, quoteType, notes string, at time.Time) (bool, error) {
	if !validID(runID, providerID) {
		return false, ErrWorkflowProviderNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE workflow_providers
		SET has_quoted = TRUE, quote_amount = $3, quote_type = $4, quote_notes = $5, quoted_at = $6
		WHERE run_id = $1 AND provider_id = $2 AND NOT has_quoted AND response_status <> 'declined'`,
		runID, providerID, amount, quoteType, notes, at,
	)
	if err != nil {
		return false, fmt.Errorf("error recording provider quote: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.providerRowExists(ctx, runID, providerID)
}

// MarkLinkOpened stamps the first time a provider opened their link.
func (s *PostgresStore) MarkLinkOpened(ctx context.Context, workflowProviderID string, at time.Time) error {
	if !validID(workflowProviderID) {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE workflow_providers SET link_opened_at = $2 WHERE id = $1 AND link_opened_at IS NULL`,
		workflowProviderID, at)
	return err
}

// AppendNotification adds an entry to the outbound contact log.
func (s *PostgresStore) AppendNotification(ctx context.Context, n *models.WorkflowNotification) error {
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ID, n.RunID, nullIfEmpty(n.WorkflowProviderID), nullIfEmpty(n.ProviderID), string(n.Type), n.Recipient,
		string(n.Status), n.Error, n.RetryCount, n.HasResponse, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error appending notification: %w", err)
	}
	return nil
}

// MarkNotificationsResponded correlates a provider's response with its notifications.
func (s *PostgresStore) MarkNotificationsResponded(ctx context.Context, runID, providerID string) error {
	if !validID(runID, providerID) {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE workflow_notifications SET has_response = TRUE
		WHERE run_id = $1 AND provider_id = $2 AND NOT has_response`, runID, providerID)
	return err
}

// ListNotifications returns the contact log of a run.
func (s *PostgresStore) ListNotifications(ctx context.Context, runID string) ([]*models.WorkflowNotification, error) {
	if !validID(runID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+notificationColumns+` FROM workflow_notifications WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("error listing notifications: %w", err)
	}
	return collect(rows, scanNotification)
}
