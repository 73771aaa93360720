// Package messaging delivers outbound email and SMS through an external
// messaging service. Delivery mechanics belong to that service; this package
// only hands messages over and reports whether the hand-off succeeded.
package messaging

import (
	"context"
	"errors"
)

// Email is a single outbound email.
type Email struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SMS is a single outbound text message.
type SMS struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Dispatcher hands messages to the delivery collaborator.
type Dispatcher interface {
	SendEmail(ctx context.Context, msg Email) error
	SendSMS(ctx context.Context, msg SMS) error
}

// ErrNoRecipient is returned when a message has no address to go to.
var ErrNoRecipient = errors.New("messaging: recipient is empty")
