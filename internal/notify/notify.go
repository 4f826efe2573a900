// Package notify delivers operational notifications to configured
// channels. The notify stage uses it for cycle digests, and an observer
// uses it to alert on degraded cycles.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one outbound message.
type Notification struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Hub fans a notification out to every configured channel. Delivery
// failures are collected, not short-circuited: one bad webhook must not
// silence the rest.
type Hub struct {
	channels []Channel
	logger   zerolog.Logger
}

// NewHub creates a Hub with the given channels.
func NewHub(logger zerolog.Logger, channels ...Channel) *Hub {
	return &Hub{
		channels: channels,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Channels returns the number of configured channels.
func (h *Hub) Channels() int {
	return len(h.channels)
}

// Send delivers the notification to all channels and returns the number
// of successful deliveries plus an error wrapping the first failure.
func (h *Hub) Send(ctx context.Context, n Notification) (int, error) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	delivered := 0
	var firstErr error
	for _, ch := range h.channels {
		if err := ch.Send(ctx, n); err != nil {
			h.logger.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("title", n.Title).
				Msg("Notification delivery failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("channel %s: %w", ch.Name(), err)
			}
			continue
		}
		delivered++
	}
	return delivered, firstErr
}

// WebhookChannel POSTs the notification as JSON to a URL.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookChannel{name: name, url: url, client: client}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts to a Slack incoming-webhook URL.
type SlackChannel struct {
	url    string
	client *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(url string, client *http.Client) *SlackChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackChannel{url: url, client: client}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, n Notification) error {
	emoji := map[Severity]string{
		SeverityInfo:     ":white_check_mark:",
		SeverityWarning:  ":warning:",
		SeverityCritical: ":rotating_light:",
	}[n.Severity]

	payload := map[string]string{
		"text": fmt.Sprintf("%s *%s*\n%s", emoji, n.Title, n.Message),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}
