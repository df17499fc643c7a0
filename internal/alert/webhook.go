// Package alert posts operator notifications for terminal failures.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"ledgerbridge/internal/config"
)

const defaultTimeout = 5 * time.Second

// Notifier delivers alerts. The no-op zero value lets components alert
// unconditionally without nil checks.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload map[string]any)
}

// Noop discards alerts.
type Noop struct{}

func (Noop) Notify(context.Context, string, map[string]any) {}

// WebhookNotifier posts alerts as JSON to each configured webhook.
// Delivery is best effort: a dead webhook must never block the relay or
// listener loops.
type WebhookNotifier struct {
	hooks  []config.AlertWebhook
	client *http.Client
	logger *log.Logger
}

func NewWebhookNotifier(hooks []config.AlertWebhook, logger *log.Logger) *WebhookNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &WebhookNotifier{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

type alertBody struct {
	Kind    string         `json:"kind"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, kind string, payload map[string]any) {
	if len(n.hooks) == 0 {
		return
	}
	body := alertBody{
		Kind:    kind,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Payload: payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		n.logger.Printf("alert: marshal failed: %v", err)
		return
	}
	for _, hook := range n.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := n.post(ctx, hook, kind, data); err != nil {
			n.logger.Printf("alert: deliver to %s failed: %v", hook.URL, err)
		}
	}
}

func (n *WebhookNotifier) post(ctx context.Context, hook config.AlertWebhook, kind string, data []byte) error {
	client := n.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ledgerbridge-Alert", kind)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Ledgerbridge-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &statusError{code: res.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
