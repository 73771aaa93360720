package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPDispatcher posts messages as JSON to a messaging service.
type HTTPDispatcher struct {
	url     string
	from    string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPDispatcher creates a new HTTPDispatcher. Every request is bounded by
// timeout so a slow collaborator cannot stall a fan-out.
func NewHTTPDispatcher(url, from string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:     strings.TrimRight(url, "/"),
		from:    from,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// SendEmail posts msg to the service's /email endpoint.
func (d *HTTPDispatcher) SendEmail(ctx context.Context, msg Email) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	if msg.From == "" {
		msg.From = d.from
	}
	return d.post(ctx, "/email", msg)
}

// SendSMS posts msg to the service's /sms endpoint.
func (d *HTTPDispatcher) SendSMS(ctx context.Context, msg SMS) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	return d.post(ctx, "/sms", msg)
}

func (d *HTTPDispatcher) post(ctx context.Context, path string, payload any) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+path, bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to dispatch %s: status code %d", strings.TrimPrefix(path, "/"), resp.StatusCode)
	}
	return nil
}
