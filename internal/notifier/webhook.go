package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

const eventAudit = "audit"

// WebhookPayload is the JSON body posted to webhook endpoints.
type WebhookPayload struct {
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Hostname  string            `json:"hostname,omitempty"`
	Entry     core.AuditSummary `json:"entry"`
}

// WebhookConfig configures a webhook notification endpoint.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Actions []string // empty means every action
	Timeout time.Duration
}

// Webhook posts audit summaries to an HTTP endpoint.
type Webhook struct {
	url      string
	headers  map[string]string
	actions  actionFilter
	hostname string
	client   *http.Client
}

// NewWebhook creates a new webhook notifier.
func NewWebhook(cfg WebhookConfig) *Webhook {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	host, _ := os.Hostname()

	return &Webhook{
		url:      cfg.URL,
		headers:  cfg.Headers,
		actions:  newActionFilter(cfg.Actions),
		hostname: host,
		client:   &http.Client{Timeout: timeout},
	}
}

// Broadcast posts s unless its action is filtered out.
func (w *Webhook) Broadcast(ctx context.Context, s core.AuditSummary) error {
	if !w.actions.match(s.Action) {
		return nil
	}

	body, err := json.Marshal(WebhookPayload{
		Event:     eventAudit,
		Timestamp: time.Now().UTC(),
		Hostname:  w.hostname,
		Entry:     s,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "extension-guard/1.0")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

var _ core.Broadcaster = (*Webhook)(nil)
