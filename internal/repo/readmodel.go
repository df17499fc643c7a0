package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"ledgerbridge/internal/domain"
)

func scanAccount(row commandScanner) (domain.Account, error) {
	var a domain.Account
	var lastTx sql.NullString
	err := row.Scan(&a.ID, &a.TenantID, &a.DisplayName, &a.KYCStatus, &a.Balance, &lastTx, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if lastTx.Valid {
		a.LastAppliedTx = lastTx.String
	}
	return a, err
}

const accountColumns = `id,tenant_id,display_name,kyc_status,balance,last_applied_tx,created_at,updated_at`

func (r Repo) InsertAccountTx(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(`+accountColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.DisplayName, a.KYCStatus, a.Balance, nullable(a.LastAppliedTx), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id))
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, id string) (domain.Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id))
}

func (r Repo) SetAccountKYCTx(ctx context.Context, tx *sql.Tx, id, kycStatus, ledgerTxID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET kyc_status=?, last_applied_tx=?, updated_at=? WHERE id=?`,
		kycStatus, ledgerTxID, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustBalanceTx applies a signed delta to an account balance.
func (r Repo) AdjustBalanceTx(ctx context.Context, tx *sql.Tx, id string, delta int64, ledgerTxID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance+?, last_applied_tx=?, updated_at=? WHERE id=?`,
		delta, ledgerTxID, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AccountFilters struct {
	TenantID string
	Limit    int
}

func (r Repo) ListAccounts(ctx context.Context, f AccountFilters) ([]domain.Account, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + accountColumns + ` FROM accounts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertGovernanceVoteTx records a vote; a re-vote by the same account on
// the same proposal replaces the earlier choice.
func (r Repo) UpsertGovernanceVoteTx(ctx context.Context, tx *sql.Tx, v domain.GovernanceVote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO governance_votes(proposal_id,voter_account,choice,tx_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(proposal_id, voter_account) DO UPDATE SET choice=excluded.choice, tx_id=excluded.tx_id`,
		v.ProposalID, v.VoterAccount, v.Choice, v.TxID, v.CreatedAt)
	return err
}

func (r Repo) ListGovernanceVotes(ctx context.Context, proposalID string) ([]domain.GovernanceVote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT proposal_id,voter_account,choice,tx_id,created_at FROM governance_votes WHERE proposal_id=? ORDER BY voter_account`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GovernanceVote
	for rows.Next() {
		var v domain.GovernanceVote
		if err := rows.Scan(&v.ProposalID, &v.VoterAccount, &v.Choice, &v.TxID, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// MarkEventApplied inserts the applied-event marker for an event. A false
// return means the marker already exists: the event was applied before and
// the caller must skip the mutation to stay idempotent.
func (r Repo) MarkEventApplied(ctx context.Context, tx *sql.Tx, evt domain.Event, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO applied_events(tx_id,name,block,event_idx,applied_at) VALUES (?,?,?,?,?)`,
		evt.TxID, evt.Name, evt.Position.Block, evt.Position.Index, now.UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}
