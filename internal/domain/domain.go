package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Command statuses. A command only ever moves forward:
// PENDING -> PROCESSING -> SUBMITTED -> COMMITTED, with FAILED as the
// terminal exit. PROCESSING may fall back to PENDING when a claim is
// released for a later retry.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusSubmitted  = "SUBMITTED"
	StatusCommitted  = "COMMITTED"
	StatusFailed     = "FAILED"
)

// EnsureStatusTransition rejects backward or undefined lifecycle moves.
func EnsureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case StatusPending:
		if newStatus == StatusProcessing {
			return nil
		}
	case StatusProcessing:
		if newStatus == StatusPending || newStatus == StatusSubmitted || newStatus == StatusFailed {
			return nil
		}
	case StatusSubmitted:
		if newStatus == StatusCommitted || newStatus == StatusFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid command status transition %s -> %s", oldStatus, newStatus)
}

// TerminalStatus reports whether a command can no longer change.
func TerminalStatus(status string) bool {
	return status == StatusCommitted || status == StatusFailed
}

type Command struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Type           string  `json:"type"`
	PayloadJSON    string  `json:"payload_json"`
	Identity       string  `json:"identity"`
	Status         string  `json:"status" enum:"PENDING,PROCESSING,SUBMITTED,COMMITTED,FAILED"`
	Attempts       int     `json:"attempts"`
	MaxAttempts    int     `json:"max_attempts"`
	LastError      *string `json:"last_error,omitempty"`
	LockedBy       *string `json:"locked_by,omitempty"`
	LockedAt       *string `json:"locked_at,omitempty" format:"date-time"`
	NextAttemptAt  string  `json:"next_attempt_at" format:"date-time"`
	LedgerTxID     *string `json:"ledger_tx_id,omitempty"`
	LedgerPosition *string `json:"ledger_position,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	SubmittedAt    *string `json:"submitted_at,omitempty" format:"date-time"`
	CommittedAt    *string `json:"committed_at,omitempty" format:"date-time"`
}

// Position locates an event on the ledger: block number plus intra-block
// event index. Ordering is lexicographic on (Block, Index).
type Position struct {
	Block uint64 `json:"block"`
	Index int    `json:"index"`
}

func (p Position) Before(other Position) bool {
	if p.Block != other.Block {
		return p.Block < other.Block
	}
	return p.Index < other.Index
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Block, p.Index)
}

// ParsePosition parses the "block:index" form produced by String.
func ParsePosition(s string) (Position, error) {
	block, index, ok := strings.Cut(s, ":")
	if !ok {
		return Position{}, fmt.Errorf("invalid position %q", s)
	}
	b, err := strconv.ParseUint(block, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: %w", s, err)
	}
	i, err := strconv.Atoi(index)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: %w", s, err)
	}
	return Position{Block: b, Index: i}, nil
}

type Checkpoint struct {
	Consumer  string   `json:"consumer"`
	Channel   string   `json:"channel"`
	Position  Position `json:"position"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

// Event is a ledger-emitted event as delivered to the listener.
type Event struct {
	Name        string   `json:"name"`
	Version     int      `json:"version"`
	TxID        string   `json:"tx_id"`
	Position    Position `json:"position"`
	EmittedAt   string   `json:"emitted_at" format:"date-time"`
	PayloadJSON string   `json:"payload_json"`
}

// Dead-letter origins.
const (
	OriginCommand = "command"
	OriginEvent   = "event"
)

type DeadLetter struct {
	ID          string `json:"id"`
	Origin      string `json:"origin" enum:"command,event"`
	RefID       string `json:"ref_id,omitempty"`
	PayloadJSON string `json:"payload_json"`
	Reason      string `json:"reason"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Account struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	DisplayName   string `json:"display_name"`
	KYCStatus     string `json:"kyc_status" enum:"unverified,verified"`
	Balance       int64  `json:"balance"`
	LastAppliedTx string `json:"last_applied_tx,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type GovernanceVote struct {
	ProposalID   string `json:"proposal_id"`
	VoterAccount string `json:"voter_account"`
	Choice       string `json:"choice"`
	TxID         string `json:"tx_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AuditEvent is a row in the local audit log, not a ledger event.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
