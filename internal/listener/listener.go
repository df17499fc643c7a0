// Package listener consumes the ledger event stream and drives the
// projection engine, tracking its progress in a durable checkpoint.
package listener

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgerbridge/internal/alert"
	"ledgerbridge/internal/config"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/ledger"
	"ledgerbridge/internal/projection"
	"ledgerbridge/internal/repo"
	"ledgerbridge/internal/schema"
)

const actorListener = "listener"

// Applier folds one validated event into the read model.
type Applier interface {
	Apply(ctx context.Context, evt domain.Event) error
}

// Listener subscribes to one channel and forwards events to the
// projection engine in ledger order. Events that fail validation or that
// the read model rejects are dead-lettered and skipped so one poison
// event cannot stall the stream; storage failures instead break the
// stream and the event is redelivered on reconnect. The checkpoint is
// persisted every CheckpointInterval events and once more on shutdown; a
// crash between persists replays at most one interval of events, which
// the projection absorbs through its applied-event markers.
type Listener struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Client    ledger.Client
	Validator *schema.Validator
	Engine    Applier
	Alerts    alert.Notifier
	Logger    *log.Logger
	Now       func() time.Time

	mu              sync.Mutex
	applied         domain.Position
	haveApplied     bool
	sinceCheckpoint int
}

func New(db *sql.DB, cfg *config.Config, client ledger.Client, validator *schema.Validator, engine *projection.Engine) *Listener {
	return &Listener{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Client:    client,
		Validator: validator,
		Engine:    engine,
		Alerts:    alert.Noop{},
		Logger:    log.Default(),
		Now:       time.Now,
	}
}

func (l *Listener) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// StartPosition resolves where the subscription begins: one past the
// stored checkpoint, or the configured genesis block on first run.
func (l *Listener) StartPosition(ctx context.Context) (domain.Position, error) {
	cp, err := l.Repo.GetCheckpoint(ctx, l.Config.Listener.Consumer, l.Config.Listener.Channel)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Position{Block: l.Config.Listener.GenesisBlock, Index: 0}, nil
	}
	if err != nil {
		return domain.Position{}, err
	}
	return domain.Position{Block: cp.Position.Block, Index: cp.Position.Index + 1}, nil
}

// Run subscribes and processes events until ctx is cancelled, reconnecting
// with a fixed backoff when the stream breaks. The checkpoint is flushed
// before every reconnect and on shutdown.
func (l *Listener) Run(ctx context.Context) error {
	for {
		from, err := l.StartPosition(ctx)
		if err != nil {
			return err
		}
		err = l.Client.Subscribe(ctx, l.Config.Listener.Channel, from, func(evt domain.Event) error {
			return l.Handle(ctx, evt)
		})
		if flushErr := l.FlushCheckpoint(context.WithoutCancel(ctx)); flushErr != nil {
			l.Logger.Printf("listener: checkpoint flush failed: %v", flushErr)
		}
		if ctx.Err() != nil {
			return nil
		}
		l.Logger.Printf("listener: stream broke: %v, reconnecting in %s", err, l.Config.Listener.ReconnectBackoff.Std())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.Config.Listener.ReconnectBackoff.Std()):
		}
	}
}

// Handle processes one delivered event. Validation failures and read
// model rejections are dead-lettered and the position still advances;
// every other error is a storage failure that must break the stream so
// the event is redelivered rather than lost.
func (l *Listener) Handle(ctx context.Context, evt domain.Event) error {
	if err := l.Validator.Validate(evt); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			if dlErr := l.deadLetter(ctx, evt, verr.Error()); dlErr != nil {
				return dlErr
			}
			return l.advance(ctx, evt.Position)
		}
		return err
	}
	if err := l.Engine.Apply(ctx, evt); err != nil {
		var rej *projection.RejectedError
		if !errors.As(err, &rej) {
			return err
		}
		// the read model rejected the event; park it and keep the
		// stream moving
		l.Logger.Printf("listener: apply %s at %s rejected: %v", evt.Name, evt.Position, err)
		if dlErr := l.deadLetter(ctx, evt, err.Error()); dlErr != nil {
			return dlErr
		}
	}
	return l.advance(ctx, evt.Position)
}

// advance records progress in memory and persists the checkpoint once per
// interval.
func (l *Listener) advance(ctx context.Context, pos domain.Position) error {
	l.mu.Lock()
	l.applied = pos
	l.haveApplied = true
	l.sinceCheckpoint++
	due := l.sinceCheckpoint >= l.Config.Listener.CheckpointInterval
	l.mu.Unlock()
	if !due {
		return nil
	}
	return l.FlushCheckpoint(ctx)
}

// FlushCheckpoint persists the latest applied position, if any.
func (l *Listener) FlushCheckpoint(ctx context.Context) error {
	l.mu.Lock()
	pos, have := l.applied, l.haveApplied
	l.sinceCheckpoint = 0
	l.mu.Unlock()
	if !have {
		return nil
	}
	return l.Repo.UpsertCheckpoint(ctx, l.Config.Listener.Consumer, l.Config.Listener.Channel, pos, l.now())
}

// LastApplied returns the newest position processed in this run.
func (l *Listener) LastApplied() (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied, l.haveApplied
}

func (l *Listener) deadLetter(ctx context.Context, evt domain.Event, reason string) error {
	now := l.now()
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertDeadLetter(ctx, tx, domain.DeadLetter{
		ID:          uuid.New().String(),
		Origin:      domain.OriginEvent,
		RefID:       evt.TxID,
		PayloadJSON: evt.PayloadJSON,
		Reason:      reason,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, events.TypeEventDeadLettered, "", "event", evt.TxID, actorListener, events.EventPayload{
		"name":     evt.Name,
		"version":  evt.Version,
		"position": evt.Position.String(),
		"reason":   reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.Alerts.Notify(ctx, "event.dead_lettered", map[string]any{
		"name":     evt.Name,
		"version":  evt.Version,
		"tx_id":    evt.TxID,
		"position": evt.Position.String(),
		"reason":   reason,
	})
	return nil
}
