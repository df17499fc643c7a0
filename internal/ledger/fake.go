package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgerbridge/internal/domain"
)

// Fake is an in-memory ledger used by tests and dev runs. One submission
// commits one block; the events it emits follow the command-type contracts
// of the real chain. Failure injection covers both connectivity drops and
// business rejections.
type Fake struct {
	mu          sync.Mutex
	now         func() time.Time
	nextBlock   uint64
	events      []domain.Event
	waitCh      chan struct{}
	failNext    []error
	rejections  map[string]*RejectedError
	submissions []Submission
}

// Submission records one accepted submit call for assertions.
type Submission struct {
	Identity    string
	CommandType string
	Payload     []byte
	TxID        string
}

func NewFake() *Fake {
	return &Fake{
		now:        time.Now,
		nextBlock:  1,
		waitCh:     make(chan struct{}),
		rejections: make(map[string]*RejectedError),
	}
}

// SetNow overrides the clock used for event timestamps.
func (f *Fake) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Identity returns a Client bound to the named credential set. All bound
// clients share the same chain.
func (f *Fake) Identity(name string) Client {
	return boundClient{fake: f, identity: name}
}

// FailNext queues errors returned by upcoming Submit calls, oldest first.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = append(f.failNext, errs...)
}

// RejectType makes every submission of the given command type fail with a
// permanent business rejection.
func (f *Fake) RejectType(commandType, code, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections[commandType] = &RejectedError{Code: code, Reason: reason}
}

// Submissions returns a copy of the accepted submissions so far.
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

// Head returns the position just past the last committed event.
func (f *Fake) Head() domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return domain.Position{Block: 0, Index: 0}
	}
	last := f.events[len(f.events)-1].Position
	return domain.Position{Block: last.Block, Index: last.Index + 1}
}

// EmitRaw commits a block containing a single hand-built event. Tests use
// it to feed the listener malformed or unknown payloads that no real
// submission would produce.
func (f *Fake) EmitRaw(name string, version int, payloadJSON string) domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt := domain.Event{
		Name:        name,
		Version:     version,
		TxID:        uuid.New().String(),
		Position:    domain.Position{Block: f.nextBlock, Index: 0},
		EmittedAt:   f.now().UTC().Format(time.RFC3339),
		PayloadJSON: payloadJSON,
	}
	f.nextBlock++
	f.events = append(f.events, evt)
	f.broadcast()
	return evt
}

func (f *Fake) broadcast() {
	close(f.waitCh)
	f.waitCh = make(chan struct{})
}

func (f *Fake) submit(identity, commandType string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failNext) > 0 {
		err := f.failNext[0]
		f.failNext = f.failNext[1:]
		return "", err
	}
	if rej, ok := f.rejections[commandType]; ok {
		return "", rej
	}
	payloads, err := effectEvents(commandType, payload)
	if err != nil {
		return "", err
	}
	txID := uuid.New().String()
	ts := f.now().UTC().Format(time.RFC3339)
	block := f.nextBlock
	f.nextBlock++
	for i, pe := range payloads {
		f.events = append(f.events, domain.Event{
			Name:        pe.name,
			Version:     1,
			TxID:        txID,
			Position:    domain.Position{Block: block, Index: i},
			EmittedAt:   ts,
			PayloadJSON: pe.payload,
		})
	}
	f.submissions = append(f.submissions, Submission{
		Identity:    identity,
		CommandType: commandType,
		Payload:     append([]byte(nil), payload...),
		TxID:        txID,
	})
	f.broadcast()
	return txID, nil
}

type effectEvent struct {
	name    string
	payload string
}

// effectEvents maps a command to the events its execution commits.
func effectEvents(commandType string, payload []byte) ([]effectEvent, error) {
	switch commandType {
	case "account.open":
		var p struct {
			AccountID   string `json:"account_id"`
			TenantID    string `json:"tenant_id"`
			DisplayName string `json:"display_name"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &RejectedError{Code: "malformed_payload", Reason: err.Error()}
		}
		out, _ := json.Marshal(map[string]any{
			"account_id":   p.AccountID,
			"tenant_id":    p.TenantID,
			"display_name": p.DisplayName,
		})
		return []effectEvent{{name: "account.opened", payload: string(out)}}, nil
	case "account.kyc.approve":
		var p struct {
			AccountID string `json:"account_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &RejectedError{Code: "malformed_payload", Reason: err.Error()}
		}
		out, _ := json.Marshal(map[string]any{"account_id": p.AccountID})
		return []effectEvent{{name: "account.kyc_approved", payload: string(out)}}, nil
	case "transfer.execute":
		var p struct {
			FromAccount string `json:"from_account"`
			ToAccount   string `json:"to_account"`
			Amount      int64  `json:"amount"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &RejectedError{Code: "malformed_payload", Reason: err.Error()}
		}
		if p.Amount <= 0 {
			return nil, &RejectedError{Code: "invalid_amount", Reason: "amount must be positive"}
		}
		out, _ := json.Marshal(map[string]any{
			"from_account": p.FromAccount,
			"to_account":   p.ToAccount,
			"amount":       p.Amount,
		})
		return []effectEvent{{name: "transfer.completed", payload: string(out)}}, nil
	case "governance.vote":
		var p struct {
			ProposalID   string `json:"proposal_id"`
			VoterAccount string `json:"voter_account"`
			Choice       string `json:"choice"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &RejectedError{Code: "malformed_payload", Reason: err.Error()}
		}
		out, _ := json.Marshal(map[string]any{
			"proposal_id":   p.ProposalID,
			"voter_account": p.VoterAccount,
			"choice":        p.Choice,
		})
		return []effectEvent{{name: "governance.vote_recorded", payload: string(out)}}, nil
	default:
		return nil, &RejectedError{Code: "unknown_command", Reason: fmt.Sprintf("command type %q not supported", commandType)}
	}
}

func (f *Fake) subscribe(ctx context.Context, from domain.Position, handler func(domain.Event) error) error {
	cursor := from
	for {
		f.mu.Lock()
		var pending []domain.Event
		for _, evt := range f.events {
			if !evt.Position.Before(cursor) {
				pending = append(pending, evt)
			}
		}
		wait := f.waitCh
		f.mu.Unlock()

		for _, evt := range pending {
			if err := handler(evt); err != nil {
				return err
			}
			cursor = domain.Position{Block: evt.Position.Block, Index: evt.Position.Index + 1}
		}
		if len(pending) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

type boundClient struct {
	fake     *Fake
	identity string
}

func (c boundClient) Submit(ctx context.Context, commandType string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ConnectivityError{Op: "submit", Err: err}
	}
	return c.fake.submit(c.identity, commandType, payload)
}

func (c boundClient) Subscribe(ctx context.Context, channel string, from domain.Position, handler func(domain.Event) error) error {
	return c.fake.subscribe(ctx, from, handler)
}
