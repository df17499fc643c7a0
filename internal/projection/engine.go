// Package projection folds ledger events into the local read model.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/repo"
)

const actorProjection = "projection"

// RejectedError marks an event the read model refused: an undecodable
// payload or a mutation that cannot apply to the current state. Retrying
// the same event can only fail again; storage failures are returned
// untyped so the caller knows a retry may succeed.
type RejectedError struct {
	Name     string
	Position domain.Position
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("apply %s at %s: %v", e.Name, e.Position, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Handler applies one event to the read model inside the transaction the
// engine opened. The engine has already checked the applied-event marker;
// a handler only mutates state.
type Handler func(ctx context.Context, tx *sql.Tx, r repo.Repo, evt domain.Event, now time.Time) error

// Engine routes events to per-name handlers and applies each one in a
// single transaction together with the idempotency marker, the audit row,
// and the COMMITTED flip of the originating command. An event is either
// fully applied or not at all.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Logger *log.Logger
	Now    func() time.Time

	handlers map[string]Handler
}

func NewEngine(db *sql.DB) *Engine {
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Logger:   log.Default(),
		Now:      time.Now,
		handlers: map[string]Handler{},
	}
	e.Register("account.opened", applyAccountOpened)
	e.Register("account.kyc_approved", applyAccountKYCApproved)
	e.Register("transfer.completed", applyTransferCompleted)
	e.Register("governance.vote_recorded", applyGovernanceVoteRecorded)
	return e
}

func (e *Engine) Register(name string, h Handler) {
	e.handlers[name] = h
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Apply processes one event. Redeliveries are detected through the
// applied-event marker and return nil without touching the read model.
// Unknown event names are recorded and skipped so a newer ledger never
// wedges an older consumer. A *RejectedError means the read model refused
// the event; any other error is a storage failure and the same event is
// safe to retry.
func (e *Engine) Apply(ctx context.Context, evt domain.Event) error {
	handler, ok := e.handlers[evt.Name]
	if !ok {
		e.Logger.Printf("projection: no handler for %s v%d at %s, skipping", evt.Name, evt.Version, evt.Position)
		return e.recordSkip(ctx, evt, "no handler registered")
	}

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied, err := e.Repo.MarkEventApplied(ctx, tx, evt, now)
	if err != nil {
		return fmt.Errorf("mark event applied: %w", err)
	}
	if !applied {
		// redelivery; the first delivery already did everything
		return nil
	}

	if err := handler(ctx, tx, e.Repo, evt, now); err != nil {
		return &RejectedError{Name: evt.Name, Position: evt.Position, Err: err}
	}

	cmd, err := e.Repo.CommitCommandByLedgerTx(ctx, tx, evt.TxID, evt.Position, now)
	switch {
	case err == nil:
		if err := e.Events.Append(ctx, tx, events.TypeCommandCommitted, cmd.TenantID, "command", cmd.ID, actorProjection, events.EventPayload{
			"type":         cmd.Type,
			"ledger_tx_id": evt.TxID,
			"position":     evt.Position.String(),
		}); err != nil {
			return err
		}
	case errors.Is(err, repo.ErrNotFound):
		// event originated from another writer, or the flip happened on an
		// earlier delivery
	default:
		return fmt.Errorf("commit command for tx %s: %w", evt.TxID, err)
	}

	if err := e.Events.Append(ctx, tx, events.TypeEventApplied, "", "event", evt.TxID, actorProjection, events.EventPayload{
		"name":     evt.Name,
		"version":  evt.Version,
		"position": evt.Position.String(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) recordSkip(ctx context.Context, evt domain.Event, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeEventSkipped, "", "event", evt.TxID, actorProjection, events.EventPayload{
		"name":     evt.Name,
		"version":  evt.Version,
		"position": evt.Position.String(),
		"reason":   reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
