package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"bookingflow/backend/pkg/models"
)

const providerColumns = `id, name, email, phone, active, pin_hash, failed_pin_attempts, is_blocked, blocked_at,
	pin_reset_token_hash, pin_reset_token_expires_at, created_at, updated_at`

func scanProvider(row pgx.Row) (*models.ServiceProvider, error) {
	var (
		p                  models.ServiceProvider
		pinHash, resetHash *string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Email, &p.Phone, &p.Active, &pinHash, &p.FailedPinAttempts, &p.IsBlocked, &p.BlockedAt,
		&resetHash, &p.PinResetTokenExpiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pinHash != nil {
		p.PinHash = *pinHash
	}
	if resetHash != nil {
		p.PinResetTokenHash = *resetHash
	}
	return &p, nil
}

// CreateProvider inserts a service provider.
func (s *PostgresStore) CreateProvider(ctx context.Context, p *models.ServiceProvider) error {
	_, err := s.db.Exec(ctx, `INSERT INTO service_providers (id, name, email, phone, active, pin_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.Email, p.Phone, p.Active, nullIfEmpty(p.PinHash), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicateProvider
		}
		return fmt.Errorf("error creating service provider: %w", err)
	}
	return nil
}

// GetProvider retrieves a provider by ID.
func (s *PostgresStore) GetProvider(ctx context.Context, providerID string) (*models.ServiceProvider, error) {
	if !validID(providerID) {
		return nil, ErrProviderNotFound
	}
	p, err := scanProvider(s.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM service_providers WHERE id = $1`, providerID))
	if err != nil {
		return nil, notFound(err, ErrProviderNotFound)
	}
	return p, nil
}

// GetProviderByEmail retrieves a provider by case-insensitive email.
func (s *PostgresStore) GetProviderByEmail(ctx context.Context, email string) (*models.ServiceProvider, error) {
	p, err := scanProvider(s.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM service_providers WHERE LOWER(email) = $1`,
		strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return nil, notFound(err, ErrProviderNotFound)
	}
	return p, nil
}

// ListEligibleProviders returns active, unblocked providers.
func (s *PostgresStore) ListEligibleProviders(ctx context.Context, limit int) ([]*models.ServiceProvider, error) {
	rows, err := s.db.Query(ctx, `SELECT `+providerColumns+` FROM service_providers
		WHERE active AND NOT is_blocked ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing eligible providers: %w", err)
	}
	return collect(rows, scanProvider)
}

// SetPIN stores a PIN hash and clears failure counters.
func (s *PostgresStore) SetPIN(ctx context.Context, providerID, pinHash string, overwrite bool, at time.Time) error {
	if !validID(providerID) {
		return ErrProviderNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE service_providers
		SET pin_hash = $2, failed_pin_attempts = 0, updated_at = $4
		WHERE id = $1 AND (pin_hash IS NULL OR $3)`,
		providerID, pinHash, overwrite, at,
	)
	if err != nil {
		return fmt.Errorf("error setting PIN: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetProvider(ctx, providerID); err != nil {
		return err
	}
	return ErrPinAlreadySet
}

// RecordFailedPinAttempt atomically increments the failure counter. SET
// expressions see the pre-update row, so concurrent submissions serialize on
// the row lock and each observes the previous increment.
func (s *PostgresStore) RecordFailedPinAttempt(ctx context.Context, providerID string, maxAttempts int, at time.Time) (int, bool, error) {
	if !validID(providerID) {
		return 0, false, ErrProviderNotFound
	}
	var (
		attempts int
		blocked  bool
	)
	err := s.db.QueryRow(ctx, `UPDATE service_providers
		SET failed_pin_attempts = failed_pin_attempts + 1,
		    is_blocked = is_blocked OR failed_pin_attempts + 1 >= $2,
		    blocked_at = CASE WHEN NOT is_blocked AND failed_pin_attempts + 1 >= $2 THEN $3 ELSE blocked_at END,
		    updated_at = $3
		WHERE id = $1
		RETURNING failed_pin_attempts, is_blocked`,
		providerID, maxAttempts, at,
	).Scan(&attempts, &blocked)
	if err != nil {
		return 0, false, notFound(err, ErrProviderNotFound)
	}
	return attempts, blocked, nil
}

// ResetFailedPinAttempts clears the counter of an unblocked provider.
func (s *PostgresStore) ResetFailedPinAttempts(ctx context.Context, providerID string, at time.Time) error {
	if !validID(providerID) {
		return ErrProviderNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE service_providers SET failed_pin_attempts = 0, updated_at = $2
		WHERE id = $1 AND NOT is_blocked`, providerID, at)
	if err != nil {
		return fmt.Errorf("error resetting PIN attempts: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetProvider(ctx, providerID); err != nil {
		return err
	}
	return ErrProviderBlocked
}

// StorePinResetToken saves the hash of a reset token.
func (s *PostgresStore) StorePinResetToken(ctx context.Context, providerID, tokenHash string, expiresAt time.Time) error {
	if !validID(providerID) {
		return ErrProviderNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE service_providers
		SET pin_reset_token_hash = $2, pin_reset_token_expires_at = $3, updated_at = NOW()
		WHERE id = $1`, providerID, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("error storing PIN reset token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// ResetPIN consumes a valid reset token, sets the new hash and unblocks the account.
func (s *PostgresStore) ResetPIN(ctx context.Context, providerID, tokenHash, pinHash string, at time.Time) error {
	if !validID(providerID) {
		return ErrProviderNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE service_providers
		SET pin_hash = $3, failed_pin_attempts = 0, is_blocked = FALSE, blocked_at = NULL,
		    pin_reset_token_hash = NULL, pin_reset_token_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND pin_reset_token_hash = $2 AND pin_reset_token_expires_at > $4`,
		providerID, tokenHash, pinHash, at,
	)
	if err != nil {
		return fmt.Errorf("error resetting PIN: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	p, err := s.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	return resetTokenMismatch(p, tokenHash, at)
}

// PurgeExpiredResetTokens clears reset tokens that expired before the given time.
func (s *PostgresStore) PurgeExpiredResetTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE service_providers
		SET pin_reset_token_hash = NULL, pin_reset_token_expires_at = NULL
		WHERE pin_reset_token_expires_at IS NOT NULL AND pin_reset_token_expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("error purging reset tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
