package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

func blockedSummary() core.AuditSummary {
	return core.AuditSummary{
		ID:               42,
		Action:           string(core.ActionUploadBlocked),
		Filename:         "invoice.pdf.exe",
		SizeBytes:        2048,
		ClientIP:         "203.0.113.9",
		Blocked:          true,
		Message:          "file contains a blocked extension: exe",
		BlockedExtension: "exe",
		BlockReason:      string(core.ReasonBlockedExtension),
		Time:             time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestWebhook_Broadcast(t *testing.T) {
	var received WebhookPayload
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := NewWebhook(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"X-Custom-Header": "test-value"},
	})

	if err := webhook.Broadcast(context.Background(), blockedSummary()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.Event != "audit" {
		t.Errorf("expected event audit, got %s", received.Event)
	}
	if received.Entry.ID != 42 || received.Entry.BlockedExtension != "exe" {
		t.Errorf("entry = %+v", received.Entry)
	}
	if receivedHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type: application/json")
	}
	if receivedHeaders.Get("X-Custom-Header") != "test-value" {
		t.Errorf("expected custom header")
	}
}

func TestWebhook_FiltersActions(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := NewWebhook(WebhookConfig{
		URL:     server.URL,
		Actions: []string{"upload_blocked", "FILE_QUARANTINED"},
	})
	ctx := context.Background()

	// Should send - action is in list
	if err := webhook.Broadcast(ctx, blockedSummary()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}

	// Should not send - action is not in list
	if err := webhook.Broadcast(ctx, core.AuditSummary{Action: string(core.ActionUploadAttempt)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call (unchanged), got %d", calls.Load())
	}

	if err := webhook.Broadcast(ctx, core.AuditSummary{Action: string(core.ActionFileQuarantined)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestWebhook_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	webhook := NewWebhook(WebhookConfig{URL: server.URL})
	if err := webhook.Broadcast(context.Background(), blockedSummary()); err == nil {
		t.Error("expected error for 500 response")
	}
}
