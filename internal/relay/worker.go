// Package relay turns durable command rows into ledger transactions.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"ledgerbridge/internal/alert"
	"ledgerbridge/internal/config"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/ledger"
	"ledgerbridge/internal/repo"
)

const actorRelay = "relay"

// Worker polls the command store, claims due commands exclusively, and
// submits them to the ledger with retry, backoff, and circuit-breaking.
// Multiple workers may share one command store; exclusion lives in the
// store's conditional claim update, not in process memory.
type Worker struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Identities *ledger.Registry
	Breaker    *CircuitBreaker
	Alerts     alert.Notifier
	Logger     *log.Logger
	Now        func() time.Time
	WorkerID   string
}

func New(db *sql.DB, cfg *config.Config, identities *ledger.Registry) *Worker {
	return &Worker{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Identities: identities,
		Breaker:    NewCircuitBreaker(cfg.Relay.BreakerThreshold, cfg.Relay.BreakerCooloff.Std()),
		Alerts:     alert.Noop{},
		Logger:     log.Default(),
		Now:        time.Now,
		WorkerID:   "relay-" + uuid.New().String()[:8],
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run polls until ctx is cancelled. In-flight submissions of the current
// batch finish; no new claims are taken after cancellation.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Config.Relay.PollInterval.Std())
	defer ticker.Stop()
	for {
		if _, err := w.PollAndDispatch(ctx); err != nil {
			w.Logger.Printf("relay: poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollAndDispatch claims and dispatches one batch of due commands. It
// returns the number of commands dispatched. A failure inside a single
// command never aborts the batch.
func (w *Worker) PollAndDispatch(ctx context.Context) (int, error) {
	ids, err := w.Repo.DueCommands(ctx, w.now(), w.Config.Relay.LockTTL.Std(), w.Config.Relay.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("select due commands: %w", err)
	}
	dispatched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		claimed, err := w.Repo.ClaimCommand(ctx, id, w.WorkerID, w.now(), w.Config.Relay.LockTTL.Std())
		if err != nil {
			w.Logger.Printf("relay: claim %s failed: %v", id, err)
			continue
		}
		if !claimed {
			// another worker got there first
			continue
		}
		if err := w.dispatch(ctx, id); err != nil {
			w.Logger.Printf("relay: dispatch %s failed: %v", id, err)
		}
		dispatched++
	}
	return dispatched, nil
}

func (w *Worker) dispatch(ctx context.Context, id string) error {
	cmd, err := w.Repo.GetCommand(ctx, id)
	if err != nil {
		return err
	}

	client, err := w.Identities.Get(cmd.Identity)
	if err != nil {
		// misrouted command type; no retry can fix configuration
		return w.failCommand(ctx, cmd, cmd.Attempts, err.Error())
	}

	if w.Config.BreakerOn() && !w.Breaker.Allow() {
		return w.releaseForCooldown(ctx, cmd)
	}

	// The submission itself outlives shutdown so a command is never
	// abandoned mid-flight, but it stays bounded by its own timeout.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.Config.Relay.SubmitTimeout.Std())
	txID, submitErr := client.Submit(submitCtx, cmd.Type, []byte(cmd.PayloadJSON))
	cancel()

	if submitErr == nil {
		w.Breaker.Success()
		return w.markSubmitted(ctx, cmd, txID)
	}

	if ledger.Retriable(submitErr) {
		w.Breaker.Failure()
		return w.retryOrFail(ctx, cmd, submitErr)
	}
	// A business rejection means the ledger answered; the connection is
	// healthy as far as the breaker cares.
	w.Breaker.Success()
	return w.failCommand(ctx, cmd, cmd.Attempts+1, submitErr.Error())
}

func (w *Worker) markSubmitted(ctx context.Context, cmd domain.Command, txID string) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Repo.MarkSubmitted(ctx, tx, cmd.ID, txID, w.now()); err != nil {
		return err
	}
	if err := w.Events.Append(ctx, tx, events.TypeCommandSubmitted, cmd.TenantID, "command", cmd.ID, actorRelay, events.EventPayload{
		"type":         cmd.Type,
		"ledger_tx_id": txID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (w *Worker) retryOrFail(ctx context.Context, cmd domain.Command, submitErr error) error {
	attempts := cmd.Attempts + 1
	if attempts >= cmd.MaxAttempts {
		return w.failCommand(ctx, cmd, attempts, submitErr.Error())
	}
	delay := Backoff(w.Config.Relay.BackoffBase.Std(), w.Config.Relay.BackoffCap.Std(), attempts)
	next := w.now().Add(delay)
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Repo.RescheduleCommand(ctx, tx, cmd.ID, attempts, submitErr.Error(), next, w.now()); err != nil {
		return err
	}
	if err := w.Events.Append(ctx, tx, events.TypeCommandRetried, cmd.TenantID, "command", cmd.ID, actorRelay, events.EventPayload{
		"attempt":  attempts,
		"delay_ms": delay.Milliseconds(),
		"error":    submitErr.Error(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// failCommand moves a command to FAILED, copies it to the dead-letter
// store, and triggers operator alerting.
func (w *Worker) failCommand(ctx context.Context, cmd domain.Command, attempts int, reason string) error {
	now := w.now()
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Repo.MarkFailed(ctx, tx, cmd.ID, attempts, reason, now); err != nil {
		return err
	}
	if err := w.Repo.InsertDeadLetter(ctx, tx, domain.DeadLetter{
		ID:          uuid.New().String(),
		Origin:      domain.OriginCommand,
		RefID:       cmd.ID,
		PayloadJSON: cmd.PayloadJSON,
		Reason:      reason,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := w.Events.Append(ctx, tx, events.TypeCommandFailed, cmd.TenantID, "command", cmd.ID, actorRelay, events.EventPayload{
		"type":     cmd.Type,
		"attempts": attempts,
		"error":    reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.Alerts.Notify(ctx, "command.failed", map[string]any{
		"command_id": cmd.ID,
		"tenant_id":  cmd.TenantID,
		"type":       cmd.Type,
		"attempts":   attempts,
		"error":      reason,
	})
	return nil
}

// releaseForCooldown returns a claimed command to PENDING without burning
// retry budget while the breaker is open.
func (w *Worker) releaseForCooldown(ctx context.Context, cmd domain.Command) error {
	next := w.now().Add(w.Config.Relay.BreakerCooloff.Std())
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Repo.ReleaseCommand(ctx, tx, cmd.ID, "circuit breaker open", next, w.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// Backoff computes the delay before the given attempt (1-based):
// base doubling per attempt, capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
