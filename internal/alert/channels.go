package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gen2brain/beeep"
)

// DesktopChannel shows OS notifications.
type DesktopChannel struct{}

// Name implements Channel.
func (DesktopChannel) Name() string { return "desktop" }

// Send implements Channel.
func (DesktopChannel) Send(_ context.Context, a Alert) error {
	return beeep.Notify(a.Title, a.Body, "")
}

// DashboardChannel forwards alerts to the host's live-update stream via an
// injected sink; the wire format of that stream is the host's concern.
type DashboardChannel struct {
	Sink func(Alert)
}

// Name implements Channel.
func (DashboardChannel) Name() string { return "dashboard" }

// Send implements Channel.
func (c DashboardChannel) Send(_ context.Context, a Alert) error {
	if c.Sink == nil {
		return fmt.Errorf("dashboard sink not configured")
	}
	c.Sink(a)
	return nil
}

// WebhookChannel POSTs alerts as JSON.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

// Name implements Channel.
func (WebhookChannel) Name() string { return "webhook" }

// Send implements Channel.
func (c WebhookChannel) Send(ctx context.Context, a Alert) error {
	if c.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	payload, err := json.Marshal(map[string]any{
		"id":       a.ID,
		"provider": a.Provider,
		"level":    a.Level.String(),
		"title":    a.Title,
		"body":     a.Body,
		"at":       a.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EmailSender is implemented by the host's mail transport.
type EmailSender interface {
	SendMail(to, subject, body string) error
}

// EmailChannel delivers alerts through an injected mail transport.
type EmailChannel struct {
	To     string
	Sender EmailSender
}

// Name implements Channel.
func (EmailChannel) Name() string { return "email" }

// Send implements Channel.
func (c EmailChannel) Send(_ context.Context, a Alert) error {
	if c.Sender == nil {
		return fmt.Errorf("email sender not configured")
	}
	subject := fmt.Sprintf("[quotagate] %s: %s", a.Provider, a.Level)
	return c.Sender.SendMail(c.To, subject, a.Body)
}
