package server

import (
	"encoding/json"

	"ledgerbridge/internal/domain"
)

// Request payloads

type EnqueueCommandRequest struct {
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
}

// Response payloads

type CommandResponse struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Identity       string          `json:"identity"`
	Status         string          `json:"status" enum:"PENDING,PROCESSING,SUBMITTED,COMMITTED,FAILED"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	NextAttemptAt  string          `json:"next_attempt_at" format:"date-time"`
	LedgerTxID     *string         `json:"ledger_tx_id,omitempty"`
	LedgerPosition *string         `json:"ledger_position,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
	SubmittedAt    *string         `json:"submitted_at,omitempty" format:"date-time"`
	CommittedAt    *string         `json:"committed_at,omitempty" format:"date-time"`
}

type EnqueueCommandResponse struct {
	Command CommandResponse `json:"command"`
	Created bool            `json:"created"`
}

type DeadLetterResponse struct {
	ID        string          `json:"id"`
	Origin    string          `json:"origin" enum:"command,event"`
	RefID     string          `json:"ref_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type CheckpointResponse struct {
	Consumer  string `json:"consumer"`
	Channel   string `json:"channel"`
	Block     uint64 `json:"block"`
	EventIdx  int    `json:"event_idx"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type AccountResponse struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	KYCStatus     string `json:"kyc_status" enum:"unverified,verified"`
	Balance       int64  `json:"balance"`
	LastAppliedTx string `json:"last_applied_tx,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type VoteResponse struct {
	ProposalID   string `json:"proposal_id"`
	VoterAccount string `json:"voter_account"`
	Choice       string `json:"choice"`
	TxID         string `json:"tx_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type AuditEventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func commandResponse(c domain.Command) CommandResponse {
	return CommandResponse{
		ID:             c.ID,
		TenantID:       c.TenantID,
		IdempotencyKey: c.IdempotencyKey,
		Type:           c.Type,
		Payload:        rawJSON(c.PayloadJSON),
		Identity:       c.Identity,
		Status:         c.Status,
		Attempts:       c.Attempts,
		MaxAttempts:    c.MaxAttempts,
		LastError:      c.LastError,
		NextAttemptAt:  c.NextAttemptAt,
		LedgerTxID:     c.LedgerTxID,
		LedgerPosition: c.LedgerPosition,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		SubmittedAt:    c.SubmittedAt,
		CommittedAt:    c.CommittedAt,
	}
}

func mapCommands(items []domain.Command) []CommandResponse {
	out := make([]CommandResponse, 0, len(items))
	for _, c := range items {
		out = append(out, commandResponse(c))
	}
	return out
}

func deadLetterResponse(dl domain.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		ID:        dl.ID,
		Origin:    dl.Origin,
		RefID:     dl.RefID,
		Payload:   rawJSON(dl.PayloadJSON),
		Reason:    dl.Reason,
		CreatedAt: dl.CreatedAt,
	}
}

func mapDeadLetters(items []domain.DeadLetter) []DeadLetterResponse {
	out := make([]DeadLetterResponse, 0, len(items))
	for _, dl := range items {
		out = append(out, deadLetterResponse(dl))
	}
	return out
}

func checkpointResponse(cp domain.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		Consumer:  cp.Consumer,
		Channel:   cp.Channel,
		Block:     cp.Position.Block,
		EventIdx:  cp.Position.Index,
		UpdatedAt: cp.UpdatedAt,
	}
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		ID:            a.ID,
		TenantID:      a.TenantID,
		DisplayName:   a.DisplayName,
		KYCStatus:     a.KYCStatus,
		Balance:       a.Balance,
		LastAppliedTx: a.LastAppliedTx,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func mapAccounts(items []domain.Account) []AccountResponse {
	out := make([]AccountResponse, 0, len(items))
	for _, a := range items {
		out = append(out, accountResponse(a))
	}
	return out
}

func mapVotes(items []domain.GovernanceVote) []VoteResponse {
	out := make([]VoteResponse, 0, len(items))
	for _, v := range items {
		out = append(out, VoteResponse{
			ProposalID:   v.ProposalID,
			VoterAccount: v.VoterAccount,
			Choice:       v.Choice,
			TxID:         v.TxID,
			CreatedAt:    v.CreatedAt,
		})
	}
	return out
}

func mapAuditEvents(items []domain.AuditEvent) []AuditEventResponse {
	out := make([]AuditEventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, AuditEventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			TenantID:   e.TenantID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    rawJSON(e.Payload),
		})
	}
	return out
}

// rawJSON passes stored JSON through untouched, guarding against columns
// holding text that is not valid JSON.
func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		b, _ := json.Marshal(s)
		return b
	}
	return json.RawMessage(s)
}
