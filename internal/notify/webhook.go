// Package notify delivers update-failure notifications to an optional
// webhook endpoint. Delivery is best effort; a failed send is logged by
// the caller and never fails an update cycle.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FailureEvent describes one failed update cycle.
type FailureEvent struct {
	Account      string   `json:"account"`
	FetchDate    string   `json:"fetch_date"`
	Reason       string   `json:"reason"`
	MissingDates []string `json:"missing_dates,omitempty"`
	OccurredAt   string   `json:"occurred_at"`
}

// Channel delivers failure events.
type Channel interface {
	Send(ctx context.Context, event FailureEvent) error
}

// WebhookChannel posts failure events to a webhook endpoint as JSON.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts the event to the configured endpoint.
func (w *WebhookChannel) Send(ctx context.Context, event FailureEvent) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	if event.OccurredAt == "" {
		event.OccurredAt = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

// NopChannel discards events. Used when no webhook is configured.
type NopChannel struct{}

// Send implements Channel.
func (NopChannel) Send(context.Context, FailureEvent) error { return nil }
