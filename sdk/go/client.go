// Package ledgerbridgesdk is a minimal Ledgerbridge HTTP API client.
package ledgerbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one Ledgerbridge instance.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Command mirrors the API command model (partial).
type Command struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	LedgerTxID     *string         `json:"ledger_tx_id,omitempty"`
	LedgerPosition *string         `json:"ledger_position,omitempty"`
}

// EnqueueResult wraps the enqueue acknowledgement.
type EnqueueResult struct {
	Command Command `json:"command"`
	Created bool    `json:"created"`
}

// Account mirrors the read-model account.
type Account struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name,omitempty"`
	KYCStatus   string `json:"kyc_status"`
	Balance     int64  `json:"balance"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Enqueue submits a command to the outbox. The response is an
// acknowledgement of durable acceptance, not of ledger commitment; poll
// the command status for that.
func (c *Client) Enqueue(ctx context.Context, tenantID, idempotencyKey, commandType string, payload any) (EnqueueResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, err
	}
	body := map[string]any{
		"tenant_id":       tenantID,
		"idempotency_key": idempotencyKey,
		"type":            commandType,
		"payload":         json.RawMessage(data),
	}
	var resp EnqueueResult
	err = c.do(ctx, http.MethodPost, "v0/commands", body, &resp)
	return resp, err
}

// Command fetches one command by id.
func (c *Client) Command(ctx context.Context, commandID string) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodGet, "v0/commands/"+url.PathEscape(commandID), nil, &resp)
	return resp, err
}

// WaitForCommand polls until the command reaches a terminal or target
// status, or ctx expires.
func (c *Client) WaitForCommand(ctx context.Context, commandID string, interval time.Duration, statuses ...string) (Command, error) {
	if interval <= 0 {
		interval = time.Second
	}
	want := map[string]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	for {
		cmd, err := c.Command(ctx, commandID)
		if err != nil {
			return Command{}, err
		}
		if want[cmd.Status] || cmd.Status == "COMMITTED" || cmd.Status == "FAILED" {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return cmd, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Account fetches one read-model account.
func (c *Client) Account(ctx context.Context, accountID string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "v0/accounts/"+url.PathEscape(accountID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
