package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/db"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/engine"
	"ledgerbridge/internal/migrate"
	"ledgerbridge/internal/relay"
)

type testServer struct {
	URL     string
	Engine  engine.Engine
	Breaker *relay.CircuitBreaker
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	breaker := relay.NewCircuitBreaker(cfg.Relay.BreakerThreshold, cfg.Relay.BreakerCooloff.Std())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
		Breaker:  breaker,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Breaker: breaker,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestEnqueueCommandAccepted(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands", map[string]any{
		"tenant_id":       "t1",
		"idempotency_key": "k1",
		"type":            "account.open",
		"payload":         map[string]any{"account_id": "a1"},
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status %d: %s", res.StatusCode, string(data))
	}
	var ack EnqueueCommandResponse
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ack.Created || ack.Command.Status != domain.StatusPending {
		t.Fatalf("ack: %+v", ack)
	}

	// the same idempotency key returns the original, still 202
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands", map[string]any{
		"tenant_id":       "t1",
		"idempotency_key": "k1",
		"type":            "account.open",
		"payload":         map[string]any{"account_id": "a1"},
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, string(data))
	}
	var dup EnqueueCommandResponse
	_ = json.Unmarshal(data, &dup)
	if dup.Created || dup.Command.ID != ack.Command.ID {
		t.Fatalf("duplicate ack: %+v", dup)
	}

	// status query
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/commands/"+ack.Command.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
}

func TestEnqueueValidation(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/commands", map[string]any{
		"tenant_id": "t1",
		"type":      "account.open",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "bad_request" {
		t.Fatalf("error envelope: %s (%v)", string(data), err)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/commands", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	// health and ready stay open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/ready", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	secret, _, err := srv.Engine.CreateAPIKey(context.Background(), "svc-ci", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/commands", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/commands", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key should 401, got %d", res.StatusCode)
	}
}

func TestReadyReportsBreakerOpen(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < srv.Engine.Config.Relay.BreakerThreshold; i++ {
		srv.Breaker.Failure()
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/ready", nil, map[string]string{})
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with open breaker, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDeadLetterAndCheckpointEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/dead-letters", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dead letters: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/checkpoints", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checkpoints: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accounts: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/commands/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing command: %d %s", res.StatusCode, string(data))
	}
}
