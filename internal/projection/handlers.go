package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/repo"
)

type accountOpenedPayload struct {
	AccountID   string `json:"account_id"`
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
}

func applyAccountOpened(ctx context.Context, tx *sql.Tx, r repo.Repo, evt domain.Event, now time.Time) error {
	var p accountOpenedPayload
	if err := json.Unmarshal([]byte(evt.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if _, err := r.GetAccountTx(ctx, tx, p.AccountID); err == nil {
		// account already exists from an earlier transaction
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	ts := now.UTC().Format(time.RFC3339)
	return r.InsertAccountTx(ctx, tx, domain.Account{
		ID:            p.AccountID,
		TenantID:      p.TenantID,
		DisplayName:   p.DisplayName,
		KYCStatus:     "unverified",
		LastAppliedTx: evt.TxID,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	})
}

type kycApprovedPayload struct {
	AccountID string `json:"account_id"`
}

func applyAccountKYCApproved(ctx context.Context, tx *sql.Tx, r repo.Repo, evt domain.Event, now time.Time) error {
	var p kycApprovedPayload
	if err := json.Unmarshal([]byte(evt.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := r.SetAccountKYCTx(ctx, tx, p.AccountID, "verified", evt.TxID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("account %s not found", p.AccountID)
		}
		return err
	}
	return nil
}

type transferCompletedPayload struct {
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      int64  `json:"amount"`
}

func applyTransferCompleted(ctx context.Context, tx *sql.Tx, r repo.Repo, evt domain.Event, now time.Time) error {
	var p transferCompletedPayload
	if err := json.Unmarshal([]byte(evt.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := r.AdjustBalanceTx(ctx, tx, p.FromAccount, -p.Amount, evt.TxID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("debit account %s not found", p.FromAccount)
		}
		return err
	}
	if err := r.AdjustBalanceTx(ctx, tx, p.ToAccount, p.Amount, evt.TxID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("credit account %s not found", p.ToAccount)
		}
		return err
	}
	return nil
}

type voteRecordedPayload struct {
	ProposalID   string `json:"proposal_id"`
	VoterAccount string `json:"voter_account"`
	Choice       string `json:"choice"`
}

func applyGovernanceVoteRecorded(ctx context.Context, tx *sql.Tx, r repo.Repo, evt domain.Event, now time.Time) error {
	var p voteRecordedPayload
	if err := json.Unmarshal([]byte(evt.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return r.UpsertGovernanceVoteTx(ctx, tx, domain.GovernanceVote{
		ProposalID:   p.ProposalID,
		VoterAccount: p.VoterAccount,
		Choice:       p.Choice,
		TxID:         evt.TxID,
		CreatedAt:    now.UTC().Format(time.RFC3339),
	})
}
