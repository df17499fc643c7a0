package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to the local audit log. The log records relay and
// projection lifecycle changes, not ledger events.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Audit event types emitted by the relay and projection engine.
const (
	TypeCommandEnqueued   = "command.enqueued"
	TypeCommandSubmitted  = "command.submitted"
	TypeCommandCommitted  = "command.committed"
	TypeCommandFailed     = "command.failed"
	TypeCommandRetried    = "command.retried"
	TypeEventApplied      = "event.applied"
	TypeEventSkipped      = "event.skipped"
	TypeEventDeadLettered = "event.dead_lettered"
)

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(tenantID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
