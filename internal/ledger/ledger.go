// Package ledger decouples the relay and listener from ledger-specific
// connection and credential details.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ledgerbridge/internal/domain"
)

// Client is one authenticated connection to the ledger. Submissions run
// under the identity the client was opened with.
type Client interface {
	// Submit sends a command to the ledger and returns the ledger
	// transaction id. Connectivity failures and ledger rejections surface
	// as distinct error types so callers can classify retriability.
	Submit(ctx context.Context, commandType string, payload []byte) (string, error)

	// Subscribe streams committed events on a channel starting at the
	// given position (inclusive), in ledger commit order. It blocks until
	// ctx is done or the stream breaks; the handler is invoked
	// synchronously so the caller controls acknowledgement.
	Subscribe(ctx context.Context, channel string, from domain.Position, handler func(domain.Event) error) error
}

// ConnectivityError marks transient transport failures: the command may
// never have reached the ledger and is safe to retry.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RejectedError marks a business rejection recorded by the ledger.
// Retrying the same command can only fail again.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected: %s: %s", e.Code, e.Reason)
}

// Retriable classifies a submit error. Unknown errors are treated as
// transient; only an explicit ledger rejection burns the retry budget.
func Retriable(err error) bool {
	var rejected *RejectedError
	return !errors.As(err, &rejected)
}

// Registry holds named identity-bound clients so the relay can route by
// command type without re-establishing connections per call.
type Registry struct {
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(name string, c Client) {
	r.clients[name] = c
}

func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("ledger identity %q not registered", name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
