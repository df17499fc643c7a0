package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ledgerbridge/internal/config"
)

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	kinds  []string
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, data)
		c.kinds = append(c.kinds, r.Header.Get("X-Ledgerbridge-Alert"))
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestWebhookDelivery(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler())
	defer srv.Close()

	n := NewWebhookNotifier([]config.AlertWebhook{{URL: srv.URL, Secret: "s3cr3t"}}, nil)
	n.Notify(context.Background(), "command.failed", map[string]any{"command_id": "c1"})

	if got.count() != 1 {
		t.Fatalf("deliveries: %d", got.count())
	}
	if got.kinds[0] != "command.failed" {
		t.Fatalf("kind header: %s", got.kinds[0])
	}
	var body alertBody
	if err := json.Unmarshal(got.bodies[0], &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Kind != "command.failed" || body.Payload["command_id"] != "c1" {
		t.Fatalf("payload: %+v", body)
	}
}

func TestWebhookSkipsDisabledHooks(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler())
	defer srv.Close()

	off := false
	n := NewWebhookNotifier([]config.AlertWebhook{
		{URL: srv.URL, Enabled: &off},
		{URL: ""},
	}, nil)
	n.Notify(context.Background(), "event.dead_lettered", map[string]any{})

	if got.count() != 0 {
		t.Fatalf("disabled hook was called %d times", got.count())
	}
}

func TestWebhookFailureDoesNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier([]config.AlertWebhook{{URL: srv.URL}}, nil)
	// Notify has no error path by contract; this must simply return.
	n.Notify(context.Background(), "command.failed", map[string]any{})
}
