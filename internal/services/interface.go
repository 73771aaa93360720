package services

import (
	"context"

	"bookingflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Notifier wakes whatever process is waiting on a run so it re-reads the
// run's persisted state. Wake-ups are best-effort.
type Notifier interface {
	Wake(runID string) error
}

// QuoteAnalyzer decides which quotes the customer is shown. It sets
// IsRecommended and IsSelectedByAI on the quotes it is given.
type QuoteAnalyzer interface {
	Analyze(ctx context.Context, run *models.WorkflowRun, quotes []*models.WorkflowQuote) error
}

type noopNotifier struct{}

func (noopNotifier) Wake(string) error { return nil }
