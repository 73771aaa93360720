package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/messaging"
)

// RequestReset emails a reset link when email belongs to a provider. It
// returns the same message whether or not it does.
func (g *Guard) RequestReset(ctx context.Context, email string) (string, error) {
	p, err := g.store.GetProviderByEmail(ctx, email)
	if err != nil {
		if apperror.Is(err, apperror.KindNotFound) {
			g.logger.Debug("PIN reset requested for unknown email")
			return ResetRequestedMessage, nil
		}
		return "", err
	}

	token, err := newResetToken()
	if err != nil {
		return "", apperror.Internal(err, "failed to generate reset token")
	}
	expiresAt := g.now().Add(g.settings.ResetTokenTTL)
	if err := g.store.StorePinResetToken(ctx, p.ID, hashResetToken(token), expiresAt); err != nil {
		return "", err
	}

	msg := messaging.Email{
		To:      p.Email,
		Subject: "Reset your booking PIN",
		Body: fmt.Sprintf("Hello %s,\n\nUse the link below to choose a new PIN. It expires at %s.\n\n%s\n",
			p.Name, expiresAt.UTC().Format("2006-01-02 15:04 MST"), g.resetLink(token, p.ID)),
	}
	if err := g.mailer.SendEmail(ctx, msg); err != nil {
		g.logger.Error("failed to send PIN reset email", "provider_id", p.ID, "error", err)
	} else {
		g.logger.Info("PIN reset email sent", "provider_id", p.ID)
	}
	return ResetRequestedMessage, nil
}

// ResetPIN consumes a reset token, sets newPIN, unblocks the account and signs
// the provider in.
func (g *Guard) ResetPIN(ctx context.Context, providerID, token, newPIN, confirm string) (*Issued, error) {
	if providerID == "" || token == "" {
		return nil, ErrResetIncomplete
	}
	if confirm != "" && confirm != newPIN {
		return nil, ErrPINMismatch
	}
	if err := ValidatePINFormat(newPIN); err != nil {
		return nil, err
	}

	hash, err := g.hash(newPIN)
	if err != nil {
		return nil, err
	}
	if err := g.store.ResetPIN(ctx, providerID, hashResetToken(token), hash, g.now()); err != nil {
		return nil, err
	}

	g.logger.Info("provider PIN reset", "provider_id", providerID)
	return g.issue(providerID)
}

func (g *Guard) resetLink(token, providerID string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("providerId", providerID)
	return g.settings.ResetURL + "?" + q.Encode()
}

func newResetToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
