package models

import "time"

// ServiceProvider is a transport provider that can be solicited for bookings.
type ServiceProvider struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
	Active bool   `json:"active"`

	PinHash                string     `json:"-"`
	FailedPinAttempts      int        `json:"failed_pin_attempts"`
	IsBlocked              bool       `json:"is_blocked"`
	BlockedAt              *time.Time `json:"blocked_at,omitempty"`
	PinResetTokenHash      string     `json:"-"`
	PinResetTokenExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPIN reports whether the provider has completed PIN setup.
func (p *ServiceProvider) HasPIN() bool {
	return p.PinHash != ""
}

// BookingRequest is the inbound request handed to the engine by the booking front end.
type BookingRequest struct {
	ID            string         `json:"id"`
	CustomerName  string         `json:"customer_name"`
	CustomerEmail string         `json:"customer_email"`
	CustomerPhone string         `json:"customer_phone,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}
