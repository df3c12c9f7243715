package notify

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"subscriber-cloud/internal/requests/application"
	requests "subscriber-cloud/internal/requests/domain"
)

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, time.Second, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	notifier.Notify(context.Background(), application.Event{
		Type: application.EventCompleted,
		Request: requests.ServiceRequest{
			ID:            "req-1",
			CustomerName:  "Oceanic Ops",
			IMEI:          "300234010753370",
			Operation:     requests.OpChangePlan,
			Status:        requests.StatusDone,
			TransactionID: "TX-1",
			PlanName:      "SBD 17",
			UpdatedAt:     now,
		},
	})

	select {
	case payload := <-payloadCh:
		if payload.Event != application.EventCompleted {
			t.Fatalf("expected completed event, got %s", payload.Event)
		}
		if payload.RequestID != "req-1" || payload.PlanName != "SBD 17" {
			t.Fatalf("unexpected payload %+v", payload)
		}
		if payload.At != "2026-08-30T12:00:00Z" {
			t.Fatalf("unexpected timestamp %s", payload.At)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

func TestWebhookNotifierSwallowsDeliveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, time.Second, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	// Must not panic or propagate.
	notifier.Notify(context.Background(), application.Event{
		Type:    application.EventFailed,
		Request: requests.ServiceRequest{ID: "req-1"},
	})
}
