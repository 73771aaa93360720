package repository

import (
	"crypto/subtle"
	"time"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/pkg/models"
)

// validateAdvance rejects step moves that could never be legal. Completion
// goes through MarkCompleted so that it is the only way into the terminal
// success state.
func validateAdvance(from, to models.Step) error {
	if !from.Valid() || !to.Valid() {
		return apperror.Validation("invalid workflow step %d -> %d", from, to)
	}
	if to <= from {
		return apperror.Validation("workflow step must move forward (%s -> %s)", from, to)
	}
	if to == models.StepComplete {
		return apperror.Validation("runs are completed through MarkCompleted")
	}
	return nil
}

// advanceMismatch explains why a guarded step update touched no row.
func advanceMismatch(run *models.WorkflowRun) error {
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	return ErrStepMismatch.WithDetail("currentStep", int(run.CurrentStep))
}

// resetTokenMismatch explains why a guarded PIN reset touched no row.
func resetTokenMismatch(p *models.ServiceProvider, tokenHash string, at time.Time) error {
	if p.PinResetTokenHash == "" || subtle.ConstantTimeCompare([]byte(p.PinResetTokenHash), []byte(tokenHash)) != 1 {
		return ErrResetTokenInvalid
	}
	if p.PinResetTokenExpiresAt == nil || !at.Before(*p.PinResetTokenExpiresAt) {
		return ErrResetTokenExpired
	}
	return ErrResetTokenInvalid
}
