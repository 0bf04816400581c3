package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// SlackConfig configures a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Actions    []string // empty means every action
}

// Slack posts audit summaries as message attachments.
type Slack struct {
	url     string
	channel string
	actions actionFilter
	client  *http.Client
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		url:     cfg.WebhookURL,
		channel: cfg.Channel,
		actions: newActionFilter(cfg.Actions),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Slack) Broadcast(ctx context.Context, sum core.AuditSummary) error {
	if !s.actions.match(sum.Action) {
		return nil
	}
	msg := &slack.WebhookMessage{
		Channel:     s.channel,
		Attachments: []slack.Attachment{SlackAttachment(sum)},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

// SlackAttachment formats a summary for Slack.
func SlackAttachment(sum core.AuditSummary) slack.Attachment {
	var color, title string
	switch core.ActionType(sum.Action) {
	case core.ActionUploadBlocked:
		color = "danger"
		title = "Upload blocked"
	case core.ActionFileQuarantined:
		color = "warning"
		title = "Stored file removed"
	case core.ActionExtensionChanged:
		color = "#439FE0"
		title = "Extension rule changed"
	case core.ActionUploadSuccess:
		color = "good"
		title = "Upload stored"
	default:
		color = "#808080"
		title = fmt.Sprintf("extension-guard: %s", sum.Action)
	}

	fields := []slack.AttachmentField{
		{Title: "File", Value: sum.Filename, Short: true},
		{Title: "Size", Value: formatBytes(sum.SizeBytes), Short: true},
	}
	if sum.BlockedExtension != "" {
		fields = append(fields, slack.AttachmentField{Title: "Extension", Value: sum.BlockedExtension, Short: true})
	}
	if sum.BlockReason != "" {
		fields = append(fields, slack.AttachmentField{Title: "Reason", Value: sum.BlockReason, Short: true})
	}
	if sum.ClientIP != "" {
		fields = append(fields, slack.AttachmentField{Title: "Client", Value: sum.ClientIP, Short: true})
	}

	return slack.Attachment{
		Color:  color,
		Title:  title,
		Text:   sum.Message,
		Fields: fields,
		Footer: "extension-guard",
		Ts:     slackTimestamp(sum.Time),
	}
}

func slackTimestamp(t time.Time) json.Number {
	if t.IsZero() {
		t = time.Now()
	}
	return json.Number(strconv.FormatInt(t.Unix(), 10))
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

var _ core.Broadcaster = (*Slack)(nil)
