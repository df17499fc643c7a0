package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerbridge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const commandColumns = `id,tenant_id,idempotency_key,type,payload_json,identity,status,attempts,max_attempts,last_error,locked_by,locked_at,next_attempt_at,ledger_tx_id,ledger_position,created_at,updated_at,submitted_at,committed_at`

type commandScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row commandScanner) (domain.Command, error) {
	var c domain.Command
	var lastError, lockedBy, lockedAt, ledgerTxID, ledgerPosition, submittedAt, committedAt sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.IdempotencyKey, &c.Type, &c.PayloadJSON, &c.Identity,
		&c.Status, &c.Attempts, &c.MaxAttempts, &lastError, &lockedBy, &lockedAt, &c.NextAttemptAt,
		&ledgerTxID, &ledgerPosition, &c.CreatedAt, &c.UpdatedAt, &submittedAt, &committedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if lastError.Valid {
		c.LastError = &lastError.String
	}
	if lockedBy.Valid {
		c.LockedBy = &lockedBy.String
	}
	if lockedAt.Valid {
		c.LockedAt = &lockedAt.String
	}
	if ledgerTxID.Valid {
		c.LedgerTxID = &ledgerTxID.String
	}
	if ledgerPosition.Valid {
		c.LedgerPosition = &ledgerPosition.String
	}
	if submittedAt.Valid {
		c.SubmittedAt = &submittedAt.String
	}
	if committedAt.Valid {
		c.CommittedAt = &committedAt.String
	}
	return c, nil
}

// EnqueueCommand inserts a command unless one with the same
// (tenant, idempotency key) already exists. It returns the stored row and
// whether this call created it; a duplicate enqueue returns the first
// command unchanged.
func (r Repo) EnqueueCommand(ctx context.Context, tx *sql.Tx, c domain.Command) (domain.Command, bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO commands(`+commandColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id, idempotency_key) DO NOTHING`,
		c.ID, c.TenantID, c.IdempotencyKey, c.Type, c.PayloadJSON, c.Identity, c.Status,
		c.Attempts, c.MaxAttempts, nullableStringPtr(c.LastError), nullableStringPtr(c.LockedBy),
		nullableStringPtr(c.LockedAt), c.NextAttemptAt, nullableStringPtr(c.LedgerTxID),
		nullableStringPtr(c.LedgerPosition), c.CreatedAt, c.UpdatedAt,
		nullableStringPtr(c.SubmittedAt), nullableStringPtr(c.CommittedAt))
	if err != nil {
		return domain.Command{}, false, err
	}
	affected, _ := res.RowsAffected()
	stored, err := r.getCommandByKeyTx(ctx, tx, c.TenantID, c.IdempotencyKey)
	if err != nil {
		return domain.Command{}, false, err
	}
	return stored, affected > 0, nil
}

func (r Repo) getCommandByKeyTx(ctx context.Context, tx *sql.Tx, tenantID, key string) (domain.Command, error) {
	return scanCommand(tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE tenant_id=? AND idempotency_key=?`, tenantID, key))
}

func (r Repo) GetCommand(ctx context.Context, id string) (domain.Command, error) {
	return scanCommand(r.DB.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id=?`, id))
}

func (r Repo) GetCommandByKey(ctx context.Context, tenantID, key string) (domain.Command, error) {
	return scanCommand(r.DB.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE tenant_id=? AND idempotency_key=?`, tenantID, key))
}

// DueCommands returns ids of commands eligible for dispatch: PENDING rows
// whose retry time has arrived, plus PROCESSING rows whose claim lock has
// expired. Oldest first so no command starves.
func (r Repo) DueCommands(ctx context.Context, now time.Time, lockTTL time.Duration, limit int) ([]string, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	lockCutoff := now.Add(-lockTTL).UTC().Format(time.RFC3339)
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM commands
WHERE (status=? AND next_attempt_at<=?)
   OR (status=? AND locked_at<?)
ORDER BY created_at ASC, id ASC LIMIT ?`,
		domain.StatusPending, nowStr, domain.StatusProcessing, lockCutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimCommand takes exclusive ownership of a command via a conditional
// update. A false return means another worker got there first; that is not
// an error.
func (r Repo) ClaimCommand(ctx context.Context, id, workerID string, now time.Time, lockTTL time.Duration) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	lockCutoff := now.Add(-lockTTL).UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE commands
SET status=?, locked_by=?, locked_at=?, updated_at=?
WHERE id=? AND ((status=? AND next_attempt_at<=?) OR (status=? AND locked_at<?))`,
		domain.StatusProcessing, workerID, nowStr, nowStr,
		id, domain.StatusPending, nowStr, domain.StatusProcessing, lockCutoff)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// MarkSubmitted records a successful ledger submission. The command stays
// SUBMITTED until the projection engine observes the effect event.
func (r Repo) MarkSubmitted(ctx context.Context, tx *sql.Tx, id, ledgerTxID string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE commands
SET status=?, ledger_tx_id=?, submitted_at=?, updated_at=?, locked_by=NULL, locked_at=NULL, last_error=NULL
WHERE id=? AND status=?`,
		domain.StatusSubmitted, ledgerTxID, nowStr, nowStr, id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleCommand releases a claimed command back to PENDING for a later
// retry, recording the attempt and its error.
func (r Repo) RescheduleCommand(ctx context.Context, tx *sql.Tx, id string, attempts int, lastError string, nextAttempt, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE commands
SET status=?, attempts=?, last_error=?, next_attempt_at=?, updated_at=?, locked_by=NULL, locked_at=NULL
WHERE id=? AND status=?`,
		domain.StatusPending, attempts, lastError, nextAttempt.UTC().Format(time.RFC3339), nowStr,
		id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseCommand returns a claimed command to PENDING without consuming the
// retry budget. Used when the circuit breaker short-circuits the dispatch.
func (r Repo) ReleaseCommand(ctx context.Context, tx *sql.Tx, id, reason string, nextAttempt, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE commands
SET status=?, last_error=?, next_attempt_at=?, updated_at=?, locked_by=NULL, locked_at=NULL
WHERE id=? AND status=?`,
		domain.StatusPending, reason, nextAttempt.UTC().Format(time.RFC3339), nowStr,
		id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves a command to its terminal FAILED state.
func (r Repo) MarkFailed(ctx context.Context, tx *sql.Tx, id string, attempts int, lastError string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE commands
SET status=?, attempts=?, last_error=?, updated_at=?, locked_by=NULL, locked_at=NULL
WHERE id=? AND status IN (?,?)`,
		domain.StatusFailed, attempts, lastError, nowStr,
		id, domain.StatusProcessing, domain.StatusSubmitted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitCommandByLedgerTx flips the SUBMITTED command carrying the given
// ledger transaction id to COMMITTED. Returns the command, or ErrNotFound
// when no submitted command references the transaction (an event emitted by
// a different writer, or a redelivery after the flip already happened).
func (r Repo) CommitCommandByLedgerTx(ctx context.Context, tx *sql.Tx, ledgerTxID string, position domain.Position, now time.Time) (domain.Command, error) {
	c, err := scanCommand(tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE ledger_tx_id=? AND status=?`, ledgerTxID, domain.StatusSubmitted))
	if err != nil {
		return domain.Command{}, err
	}
	nowStr := now.UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `UPDATE commands
SET status=?, ledger_position=?, committed_at=?, updated_at=?
WHERE id=? AND status=?`,
		domain.StatusCommitted, position.String(), nowStr, nowStr, c.ID, domain.StatusSubmitted)
	if err != nil {
		return domain.Command{}, err
	}
	c.Status = domain.StatusCommitted
	pos := position.String()
	c.LedgerPosition = &pos
	c.CommittedAt = &nowStr
	return c, nil
}

type CommandFilters struct {
	TenantID        string
	Status          string
	Type            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCommands(ctx context.Context, f CommandFilters) ([]domain.Command, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + commandColumns + ` FROM commands ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountCommandsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// LatestAuditEvents returns recent audit log rows, newest first.
func (r Repo) LatestAuditEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var tenantID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &tenantID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if tenantID.Valid {
			e.TenantID = tenantID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
