package repository

import "bookingflow/backend/internal/apperror"

// Errors returned by stores. They carry an apperror kind so callers can map
// them without knowing which store produced them.
var (
	ErrRunNotFound              = apperror.NotFound("workflow run not found")
	ErrWorkflowProviderNotFound = apperror.NotFound("workflow provider not found")
	ErrProviderNotFound         = apperror.NotFound("service provider not found")
	ErrQuoteNotFound            = apperror.NotFound("quote not found")
	ErrResetTokenInvalid        = apperror.NotFound("PIN reset token not found")

	ErrStepMismatch           = apperror.Conflict("workflow run is not on the expected step")
	ErrRunTerminal            = apperror.Conflict("workflow run is already finished")
	ErrAlreadySelected        = apperror.Conflict("a quote has already been selected for this booking")
	ErrQuotesAlreadyPublished = apperror.Conflict("quotes have already been published for this run")
	ErrPinAlreadySet          = apperror.Conflict("PIN is already set")
	ErrDuplicateProvider      = apperror.Conflict("service provider already exists")

	ErrResetTokenExpired = apperror.Expired("PIN reset token has expired")
	ErrProviderBlocked   = apperror.Blocked("account is blocked")
)
