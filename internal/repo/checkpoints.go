package repo

import (
	"context"
	"database/sql"
	"time"

	"ledgerbridge/internal/domain"
)

func (r Repo) GetCheckpoint(ctx context.Context, consumer, channel string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := r.DB.QueryRowContext(ctx, `SELECT consumer,channel,block,event_idx,updated_at FROM checkpoints WHERE consumer=? AND channel=?`, consumer, channel).
		Scan(&cp.Consumer, &cp.Channel, &cp.Position.Block, &cp.Position.Index, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	return cp, err
}

// UpsertCheckpoint persists a checkpoint position. The conflict clause only
// applies updates that move the position forward, so a stale writer can
// never rewind a checkpoint.
func (r Repo) UpsertCheckpoint(ctx context.Context, consumer, channel string, pos domain.Position, now time.Time) error {
	return upsertCheckpoint(ctx, r.DB, nil, consumer, channel, pos, now)
}

func (r Repo) UpsertCheckpointTx(ctx context.Context, tx *sql.Tx, consumer, channel string, pos domain.Position, now time.Time) error {
	return upsertCheckpoint(ctx, nil, tx, consumer, channel, pos, now)
}

func upsertCheckpoint(ctx context.Context, db *sql.DB, tx *sql.Tx, consumer, channel string, pos domain.Position, now time.Time) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO checkpoints(consumer,channel,block,event_idx,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(consumer,channel) DO UPDATE SET
  block=excluded.block, event_idx=excluded.event_idx, updated_at=excluded.updated_at
WHERE excluded.block > checkpoints.block
   OR (excluded.block = checkpoints.block AND excluded.event_idx > checkpoints.event_idx)`,
		consumer, channel, pos.Block, pos.Index, now.UTC().Format(time.RFC3339))
	return err
}

func (r Repo) ListCheckpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT consumer,channel,block,event_idx,updated_at FROM checkpoints ORDER BY consumer, channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		if err := rows.Scan(&cp.Consumer, &cp.Channel, &cp.Position.Block, &cp.Position.Index, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}
