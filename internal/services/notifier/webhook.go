package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/authkeeper/internal/models"
)

// Webhook payload formats
const (
	FormatSlack   = "slack"
	FormatDiscord = "discord"
	FormatGeneric = "generic"
)

const webhookTimeout = 10 * time.Second

// WebhookChannel posts events to a chat or generic JSON webhook. The URL comes from the
// environment because it embeds a secret.
type WebhookChannel struct {
	name     string
	enabled  bool
	minLevel models.Level
	format   string
	url      string
	client   *http.Client
}

func NewWebhookChannel(name string, enabled bool, minLevel, format, url string) *WebhookChannel {
	return &WebhookChannel{
		name:     name,
		enabled:  enabled,
		minLevel: models.ParseLevel(minLevel),
		format:   format,
		url:      url,
		client:   &http.Client{Timeout: webhookTimeout},
	}
}

func (w *WebhookChannel) Name() string { return w.name }
func (w *WebhookChannel) Enabled() bool { return w.enabled }
func (w *WebhookChannel) Available() bool { return w.url != "" }
func (w *WebhookChannel) MinLevel() models.Level { return w.minLevel }

type slackPayload struct {
	Text string `json:"text"`
}

type discordPayload struct {
	Content string `json:"content"`
}

func (w *WebhookChannel) Send(ctx context.Context, event models.NotificationEvent) error {
	body, err := w.payload(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s webhook request failed: %w", w.format, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook returned %d", w.format, resp.StatusCode)
	}
	return nil
}

func (w *WebhookChannel) payload(event models.NotificationEvent) ([]byte, error) {
	switch w.format {
	case FormatSlack:
		return json.Marshal(slackPayload{Text: formatChatMessage(event, "*")})
	case FormatDiscord:
		return json.Marshal(discordPayload{Content: formatChatMessage(event, "**")})
	default:
		return json.Marshal(event)
	}
}

// formatChatMessage renders the event as a short chat message; bold is the platform's
// emphasis marker
func formatChatMessage(event models.NotificationEvent, bold string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s[%s] %s%s\n", bold, event.Level, event.Service, bold))
	if event.Account != "" {
		b.WriteString(fmt.Sprintf("Account: %s\n", event.Account))
	}
	b.WriteString(fmt.Sprintf("Message: %s\n", event.Message))
	if details := formatDetails(event.Details); details != "" {
		b.WriteString(fmt.Sprintf("Details: %s\n", details))
	}
	b.WriteString(fmt.Sprintf("Time: %s", event.Timestamp.Format(time.RFC3339)))
	return b.String()
}
