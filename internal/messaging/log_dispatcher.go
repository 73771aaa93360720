package messaging

import "context"

// Logger is the subset of the application logger the log dispatcher needs.
type Logger interface {
	Info(msg string, args ...any)
}

// LogDispatcher writes messages to the log instead of sending them. It is
// used when no messaging service is configured.
type LogDispatcher struct {
	logger Logger
}

// NewLogDispatcher creates a new LogDispatcher.
func NewLogDispatcher(logger Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) SendEmail(ctx context.Context, msg Email) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	d.logger.Info("email dispatched to log", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}

func (d *LogDispatcher) SendSMS(ctx context.Context, msg SMS) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	d.logger.Info("sms dispatched to log", "to", msg.To, "body", msg.Body)
	return nil
}
