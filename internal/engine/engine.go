// Package engine hosts the write-side operations behind the API surface.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type EnqueueParams struct {
	TenantID       string
	IdempotencyKey string
	Type           string
	PayloadJSON    string
	ActorID        string
}

// Enqueue stores a command for asynchronous ledger submission. The second
// return reports whether this call created the command; a repeat of an
// already-used (tenant, idempotency key) pair returns the original row
// untouched, whatever its current status.
func (e Engine) Enqueue(ctx context.Context, p EnqueueParams) (domain.Command, bool, error) {
	if strings.TrimSpace(p.TenantID) == "" {
		return domain.Command{}, false, fmt.Errorf("tenant_id is required")
	}
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		return domain.Command{}, false, fmt.Errorf("idempotency_key is required")
	}
	if strings.TrimSpace(p.Type) == "" {
		return domain.Command{}, false, fmt.Errorf("type is required")
	}
	if !json.Valid([]byte(p.PayloadJSON)) {
		return domain.Command{}, false, fmt.Errorf("payload must be valid JSON")
	}

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	cmd := domain.Command{
		ID:             uuid.New().String(),
		TenantID:       p.TenantID,
		IdempotencyKey: p.IdempotencyKey,
		Type:           p.Type,
		PayloadJSON:    p.PayloadJSON,
		Identity:       e.Config.IdentityFor(p.Type),
		Status:         domain.StatusPending,
		MaxAttempts:    e.Config.Relay.MaxAttempts,
		NextAttemptAt:  ts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Command{}, false, err
	}
	defer tx.Rollback()
	stored, created, err := e.Repo.EnqueueCommand(ctx, tx, cmd)
	if err != nil {
		return domain.Command{}, false, err
	}
	if created {
		if err := e.Events.Append(ctx, tx, events.TypeCommandEnqueued, stored.TenantID, "command", stored.ID, p.ActorID, events.EventPayload{
			"type":     stored.Type,
			"identity": stored.Identity,
		}); err != nil {
			return domain.Command{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Command{}, false, err
	}
	return stored, created, nil
}

// CreateAPIKey mints a new API key for an actor and returns the plaintext
// secret exactly once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, fmt.Errorf("actor_id is required")
	}
	secret := "lbk_" + strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}
