package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"subscriber-cloud/internal/requests/application"
)

type webhookPayload struct {
	Event         string `json:"event"`
	RequestID     string `json:"request_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	IMEI          string `json:"imei"`
	Operation     string `json:"operation"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	PlanName      string `json:"plan_name,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	At            string `json:"at"`
}

// WebhookNotifier posts request lifecycle events to a webhook endpoint.
// Delivery failures are logged and dropped, never propagated.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// Option configures the notifier.
type Option func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger *log.Logger, opts ...Option) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("notify: empty webhook url")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify posts one lifecycle event.
func (n *WebhookNotifier) Notify(ctx context.Context, event application.Event) {
	if err := n.send(ctx, event); err != nil && n.logger != nil {
		n.logger.Printf("notify: webhook delivery failed for %s: %v", event.Request.ID, err)
	}
}

func (n *WebhookNotifier) send(ctx context.Context, event application.Event) error {
	payload := payloadFor(event)
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

func payloadFor(event application.Event) webhookPayload {
	request := event.Request
	at := request.UpdatedAt
	if at.IsZero() {
		at = request.CreatedAt
	}
	return webhookPayload{
		Event:         event.Type,
		RequestID:     request.ID,
		CustomerName:  request.CustomerName,
		IMEI:          request.IMEI,
		Operation:     request.Operation,
		Status:        request.Status,
		TransactionID: request.TransactionID,
		PlanName:      request.PlanName,
		ErrorMessage:  request.ErrorMessage,
		At:            at.UTC().Format(time.RFC3339),
	}
}

var _ application.Notifier = (*WebhookNotifier)(nil)
