package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ndovu/selfheal/internal/domain"
)

// WebhookChannel posts the event as JSON to a configured endpoint. Chat and
// SMS gateways are the same wire shape with different channel names.
type WebhookChannel struct {
	name      domain.NotificationChannel
	url       string
	authToken string
	client    *http.Client
}

// NewWebhookChannel constructs an HTTP POST channel.
func NewWebhookChannel(name domain.NotificationChannel, url, authToken string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		name:      name,
		url:       strings.TrimSpace(url),
		authToken: strings.TrimSpace(authToken),
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() domain.NotificationChannel { return c.name }

// Send posts the event payload. Non-2xx responses are errors so the
// dispatcher records the failed delivery.
func (c *WebhookChannel) Send(ctx context.Context, event Event) error {
	if c.url == "" {
		return fmt.Errorf("channel %s has no endpoint configured", c.name)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}
