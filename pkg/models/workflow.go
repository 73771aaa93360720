package models

import (
	"time"
)

// RunStatus is the coarse lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusAnalyzing            RunStatus = "analyzing"
	RunStatusSendingNotifications RunStatus = "sending_notifications"
	RunStatusWaitingResponses     RunStatus = "waiting_responses"
	RunStatusProcessingResponses  RunStatus = "processing_responses"
	RunStatusCompleted            RunStatus = "completed"
	RunStatusFailed               RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// rank orders the non-failed statuses; failed sits outside the forward order.
func (s RunStatus) rank() int {
	switch s {
	case RunStatusAnalyzing:
		return 1
	case RunStatusSendingNotifications:
		return 2
	case RunStatusWaitingResponses:
		return 3
	case RunStatusProcessingResponses:
		return 4
	case RunStatusCompleted:
		return 5
	}
	return 0
}

// CanTransitionTo reports whether moving from s to next keeps status forward-only.
// Failed is reachable from any non-terminal status.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == RunStatusFailed {
		return true
	}
	return next.rank() >= s.rank()
}

// Step is the numbered position of a run in the booking workflow (1-8).
type Step int

const (
	StepRequest Step = iota + 1
	StepMessage
	StepNotification
	StepProviders
	StepQuotes
	StepUserResponse
	StepConfirmation
	StepComplete
)

var stepNames = map[Step]string{
	StepRequest:      "Request",
	StepMessage:      "Message",
	StepNotification: "Notification",
	StepProviders:    "Providers",
	StepQuotes:       "Quotes",
	StepUserResponse: "UserResponse",
	StepConfirmation: "Confirmation",
	StepComplete:     "Complete",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether s is one of the eight named steps.
func (s Step) Valid() bool {
	return s >= StepRequest && s <= StepComplete
}

// StatusForStep returns the run status a run carries while sitting on step.
func StatusForStep(step Step) RunStatus {
	switch {
	case step <= StepMessage:
		return RunStatusAnalyzing
	case step == StepNotification:
		return RunStatusSendingNotifications
	case step == StepProviders:
		return RunStatusWaitingResponses
	case step < StepComplete:
		return RunStatusProcessingResponses
	default:
		return RunStatusCompleted
	}
}

// SelectionAction is what the customer asked for when picking a quote.
type SelectionAction string

const (
	SelectionActionConfirm  SelectionAction = "confirm"
	SelectionActionQuestion SelectionAction = "question"
)

// QuoteSelection records the single quote the customer picked for a run.
type QuoteSelection struct {
	ProviderID string          `json:"provider_id"`
	QuoteID    string          `json:"quote_id"`
	Amount     int64           `json:"amount"`
	Message    string          `json:"message,omitempty"`
	Action     SelectionAction `json:"action"`
	SelectedAt time.Time       `json:"selected_at"`
}

// WorkflowRun is one execution of the booking workflow for a single booking request.
type WorkflowRun struct {
	ID                  string          `json:"id"`
	BookingRequestID    string          `json:"booking_request_id"`
	Status              RunStatus       `json:"status"`
	CurrentStep         Step            `json:"current_step_number"`
	StartedAt           time.Time       `json:"started_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
	CustomerName        string          `json:"customer_name"`
	CustomerEmail       string          `json:"customer_email"`
	CustomerPhone       string          `json:"customer_phone,omitempty"`
	BookingDetails      map[string]any  `json:"booking_details,omitempty"`
	QuotesEncryptedData string          `json:"-"`
	QuotesExpiresAt     *time.Time      `json:"quotes_expires_at,omitempty"`
	Selection           *QuoteSelection `json:"selection,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
}

// StepName returns the human name of the run's current step.
func (r *WorkflowRun) StepName() string {
	return r.CurrentStep.String()
}

// ContactStatus tracks whether a solicitation reached a provider.
type ContactStatus string

const (
	ContactStatusPending   ContactStatus = "pending"
	ContactStatusContacted ContactStatus = "contacted"
	ContactStatusFailed    ContactStatus = "failed"
)

// ResponseStatus is a provider's answer to a solicitation.
type ResponseStatus string

const (
	ResponseStatusPending  ResponseStatus = "pending"
	ResponseStatusAccepted ResponseStatus = "accepted"
	ResponseStatusDeclined ResponseStatus = "declined"
)

// WorkflowProvider is the per-(run, provider) solicitation record.
type WorkflowProvider struct {
	ID             string         `json:"id"`
	RunID          string         `json:"workflow_run_id"`
	ProviderID     string         `json:"provider_id"`
	ProviderName   string         `json:"provider_name"`
	ContactStatus  ContactStatus  `json:"contact_status"`
	HasResponded   bool           `json:"has_responded"`
	ResponseStatus ResponseStatus `json:"response_status"`
	ResponseNotes  string         `json:"response_notes,omitempty"`
	RespondedAt    *time.Time     `json:"responded_at,omitempty"`
	HasQuoted      bool           `json:"has_quoted"`
	QuoteAmount    int64          `json:"quote_amount"`
	QuoteType      string         `json:"quote_type,omitempty"`
	QuoteNotes     string         `json:"quote_notes,omitempty"`
	QuotedAt       *time.Time     `json:"quoted_at,omitempty"`
	LinkToken      string         `json:"-"`
	LinkExpiresAt  time.Time      `json:"link_expires_at"`
	LinkOpenedAt   *time.Time     `json:"link_opened_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WorkflowQuote is a customer-facing quote derived from an accepted provider response.
type WorkflowQuote struct {
	ID                 string    `json:"quote_id"`
	RunID              string    `json:"workflow_run_id"`
	ProviderID         string    `json:"provider_id"`
	WorkflowProviderID string    `json:"workflow_provider_id"`
	ProviderName       string    `json:"provider_name"`
	Amount             int64     `json:"amount"`
	Notes              string    `json:"notes,omitempty"`
	IsSelectedByAI     bool      `json:"is_selected_by_ai"`
	IsRecommended      bool      `json:"is_recommended"`
	IsSelectedByUser   bool      `json:"is_selected_by_user"`
	CreatedAt          time.Time `json:"created_at"`
}

// NotificationType is the channel an outbound contact went through.
type NotificationType string

const (
	NotificationTypeEmail NotificationType = "email"
	NotificationTypeSMS   NotificationType = "sms"
)

// NotificationStatus is the dispatch outcome of a contact attempt.
type NotificationStatus string

const (
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusFailed    NotificationStatus = "failed"
)

// WorkflowNotification is an append-only log entry for one outbound contact attempt.
type WorkflowNotification struct {
	ID                 string             `json:"id"`
	RunID              string             `json:"workflow_run_id"`
	WorkflowProviderID string             `json:"workflow_provider_id,omitempty"`
	ProviderID         string             `json:"provider_id,omitempty"`
	Type               NotificationType   `json:"type"`
	Recipient          string             `json:"recipient"`
	Status             NotificationStatus `json:"status"`
	Error              string             `json:"error,omitempty"`
	RetryCount         int                `json:"retry_count"`
	HasResponse        bool               `json:"has_response"`
	CreatedAt          time.Time          `json:"created_at"`
}
