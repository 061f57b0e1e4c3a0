package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
)

// EmailChannel delivers alerts over SMTP.
type EmailChannel struct {
	dialer *gomail.Dialer
	from   string
	to     []string
}

// NewEmailChannel creates an SMTP alert channel.
func NewEmailChannel(host string, port int, username, password, from string, to []string) *EmailChannel {
	return &EmailChannel{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
		to:     to,
	}
}

// Name returns the channel identifier.
func (c *EmailChannel) Name() string { return "email" }

// Send delivers one alert email. gomail dials per message, which is fine at
// alert volumes (at most one per degradation event).
func (c *EmailChannel) Send(ctx context.Context, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", c.to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := c.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}

// WebhookChannel delivers alerts as a JSON POST.
type WebhookChannel struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookChannel creates a webhook alert channel. ratePerMinute bounds
// deliveries during alert bursts; token, when set, is sent as a bearer
// credential.
func NewWebhookChannel(url, token string, ratePerMinute int) *WebhookChannel {
	if ratePerMinute <= 0 {
		ratePerMinute = 6
	}
	return &WebhookChannel{
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1),
	}
}

// Name returns the channel identifier.
func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts the alert to the configured URL.
func (c *WebhookChannel) Send(ctx context.Context, subject, body string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"subject": subject,
		"message": body,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
