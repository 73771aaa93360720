package links

import "time"

// ProviderLink lets one provider view and answer one solicitation.
type ProviderLink struct {
	ProviderID         string    `json:"providerId"`
	WorkflowProviderID string    `json:"workflowProviderId"`
	BookingRequestID   string    `json:"bookingRequestId"`
	ExpiresAt          time.Time `json:"-"`
}

// QuoteLink lets the customer view the published quotes of a run and pick one.
type QuoteLink struct {
	WorkflowRunID    string    `json:"workflowRunId"`
	BookingRequestID string    `json:"bookingRequestId"`
	SelectedQuoteIDs []string  `json:"selectedQuoteIds"`
	ExpiresAt        time.Time `json:"-"`
}

// Contains reports whether quoteID is one of the quotes exposed by the link.
func (q *QuoteLink) Contains(quoteID string) bool {
	for _, id := range q.SelectedQuoteIDs {
		if id == quoteID {
			return true
		}
	}
	return false
}

// Decoded wraps a payload with its expiry state.
type Decoded[T any] struct {
	Payload   T
	IsExpired bool
}

// EncodeProviderLink seals p for ttl from now. A negative ttl yields a token
// that is already expired.
func (c *Codec) EncodeProviderLink(p ProviderLink, ttl time.Duration) (string, time.Time, error) {
	expiresAt := c.now().Add(ttl)
	token, err := c.Seal(KindProvider, p, expiresAt)
	return token, expiresAt, err
}

// DecodeProviderLink opens a provider link.
func (c *Codec) DecodeProviderLink(token string) (*Decoded[ProviderLink], error) {
	var p ProviderLink
	expiresAt, expired, err := c.Open(KindProvider, token, &p)
	if err != nil {
		return nil, err
	}
	p.ExpiresAt = expiresAt
	return &Decoded[ProviderLink]{Payload: p, IsExpired: expired}, nil
}

// EncodeQuoteLink seals q for ttl from now.
func (c *Codec) EncodeQuoteLink(q QuoteLink, ttl time.Duration) (string, time.Time, error) {
	expiresAt := c.now().Add(ttl)
	token, err := c.Seal(KindQuote, q, expiresAt)
	return token, expiresAt, err
}

// DecodeQuoteLink opens a customer quote link.
func (c *Codec) DecodeQuoteLink(token string) (*Decoded[QuoteLink], error) {
	var q QuoteLink
	expiresAt, expired, err := c.Open(KindQuote, token, &q)
	if err != nil {
		return nil, err
	}
	q.ExpiresAt = expiresAt
	return &Decoded[QuoteLink]{Payload: q, IsExpired: expired}, nil
}
