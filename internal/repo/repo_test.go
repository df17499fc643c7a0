package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"ledgerbridge/internal/db"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/migrate"
)

type testEnv struct {
	DB   *sql.DB
	Repo Repo
	Ctx  context.Context
	Now  time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{
		DB:   conn,
		Repo: Repo{DB: conn},
		Ctx:  context.Background(),
		Now:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (env testEnv) newCommand(tenantID, key string) domain.Command {
	ts := env.Now.UTC().Format(time.RFC3339)
	return domain.Command{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		IdempotencyKey: key,
		Type:           "account.open",
		PayloadJSON:    `{"account_id":"acc-1"}`,
		Identity:       "operator",
		Status:         domain.StatusPending,
		MaxAttempts:    5,
		NextAttemptAt:  ts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

func (env testEnv) enqueue(t *testing.T, c domain.Command) (domain.Command, bool) {
	t.Helper()
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	stored, created, err := env.Repo.EnqueueCommand(env.Ctx, tx, c)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return stored, created
}

func TestEnqueueIdempotency(t *testing.T) {
	env := newTestEnv(t)
	first, created := env.enqueue(t, env.newCommand("t1", "k1"))
	if !created {
		t.Fatalf("first enqueue should create")
	}

	dup := env.newCommand("t1", "k1")
	dup.PayloadJSON = `{"account_id":"other"}`
	second, created := env.enqueue(t, dup)
	if created {
		t.Fatalf("duplicate key must not create a second command")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate enqueue returned different command: %s vs %s", second.ID, first.ID)
	}
	if second.PayloadJSON != first.PayloadJSON {
		t.Fatalf("duplicate enqueue must not overwrite payload")
	}

	// same key under another tenant is a distinct command
	other, created := env.enqueue(t, env.newCommand("t2", "k1"))
	if !created || other.ID == first.ID {
		t.Fatalf("tenant scoping broken")
	}
}

func TestClaimExclusivity(t *testing.T) {
	env := newTestEnv(t)
	cmd, _ := env.enqueue(t, env.newCommand("t1", "k1"))

	lockTTL := 2 * time.Minute
	ok, err := env.Repo.ClaimCommand(env.Ctx, cmd.ID, "w1", env.Now, lockTTL)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = env.Repo.ClaimCommand(env.Ctx, cmd.ID, "w2", env.Now, lockTTL)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("second worker must not claim a held command")
	}

	// the lock expires: a later claim takes over
	later := env.Now.Add(lockTTL + time.Minute)
	ok, err = env.Repo.ClaimCommand(env.Ctx, cmd.ID, "w2", later, lockTTL)
	if err != nil || !ok {
		t.Fatalf("claim after lock expiry: ok=%v err=%v", ok, err)
	}
	got, err := env.Repo.GetCommand(env.Ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LockedBy == nil || *got.LockedBy != "w2" {
		t.Fatalf("lock owner: %v", got.LockedBy)
	}
}

func TestDueCommandsRespectsBackoffAndLock(t *testing.T) {
	env := newTestEnv(t)
	due, _ := env.enqueue(t, env.newCommand("t1", "due"))

	future := env.newCommand("t1", "future")
	future.NextAttemptAt = env.Now.Add(time.Hour).UTC().Format(time.RFC3339)
	env.enqueue(t, future)

	held, _ := env.enqueue(t, env.newCommand("t1", "held"))
	if ok, err := env.Repo.ClaimCommand(env.Ctx, held.ID, "w1", env.Now, 2*time.Minute); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	ids, err := env.Repo.DueCommands(env.Ctx, env.Now, 2*time.Minute, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(ids) != 1 || ids[0] != due.ID {
		t.Fatalf("due set: %v", ids)
	}

	// once the lock is stale the held command is due again
	later := env.Now.Add(3 * time.Minute)
	ids, err = env.Repo.DueCommands(env.Ctx, later, 2*time.Minute, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == held.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expired lock not reclaimed: %v", ids)
	}
}

func TestSubmitAndCommitFlow(t *testing.T) {
	env := newTestEnv(t)
	cmd, _ := env.enqueue(t, env.newCommand("t1", "k1"))
	if ok, _ := env.Repo.ClaimCommand(env.Ctx, cmd.ID, "w1", env.Now, time.Minute); !ok {
		t.Fatalf("claim failed")
	}

	tx, _ := env.DB.BeginTx(env.Ctx, nil)
	if err := env.Repo.MarkSubmitted(env.Ctx, tx, cmd.ID, "tx-123", env.Now); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	tx.Commit()

	got, _ := env.Repo.GetCommand(env.Ctx, cmd.ID)
	if got.Status != domain.StatusSubmitted || got.LedgerTxID == nil || *got.LedgerTxID != "tx-123" {
		t.Fatalf("after submit: %+v", got)
	}
	if got.LockedBy != nil {
		t.Fatalf("lock must clear on submit")
	}

	pos := domain.Position{Block: 9, Index: 0}
	tx, _ = env.DB.BeginTx(env.Ctx, nil)
	flipped, err := env.Repo.CommitCommandByLedgerTx(env.Ctx, tx, "tx-123", pos, env.Now)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	tx.Commit()
	if flipped.Status != domain.StatusCommitted {
		t.Fatalf("status: %s", flipped.Status)
	}

	// a second flip for the same tx finds nothing
	tx, _ = env.DB.BeginTx(env.Ctx, nil)
	if _, err := env.Repo.CommitCommandByLedgerTx(env.Ctx, tx, "tx-123", pos, env.Now); err != ErrNotFound {
		t.Fatalf("redundant commit: %v", err)
	}
	tx.Rollback()
}

func TestCheckpointMonotonicUpsert(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Repo.GetCheckpoint(env.Ctx, "readmodel", "main"); err != ErrNotFound {
		t.Fatalf("missing checkpoint: %v", err)
	}

	if err := env.Repo.UpsertCheckpoint(env.Ctx, "readmodel", "main", domain.Position{Block: 10, Index: 2}, env.Now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// a stale writer cannot rewind
	if err := env.Repo.UpsertCheckpoint(env.Ctx, "readmodel", "main", domain.Position{Block: 9, Index: 9}, env.Now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cp, err := env.Repo.GetCheckpoint(env.Ctx, "readmodel", "main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cp.Position != (domain.Position{Block: 10, Index: 2}) {
		t.Fatalf("checkpoint rewound: %v", cp.Position)
	}

	// forward moves apply, including intra-block
	if err := env.Repo.UpsertCheckpoint(env.Ctx, "readmodel", "main", domain.Position{Block: 10, Index: 3}, env.Now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cp, _ = env.Repo.GetCheckpoint(env.Ctx, "readmodel", "main")
	if cp.Position != (domain.Position{Block: 10, Index: 3}) {
		t.Fatalf("forward move lost: %v", cp.Position)
	}
}

func TestDeadLetterStore(t *testing.T) {
	env := newTestEnv(t)
	tx, _ := env.DB.BeginTx(env.Ctx, nil)
	dl := domain.DeadLetter{
		ID:          uuid.New().String(),
		Origin:      domain.OriginEvent,
		RefID:       "tx-9",
		PayloadJSON: `{"bad":true}`,
		Reason:      "unknown event name/version",
		CreatedAt:   env.Now.UTC().Format(time.RFC3339),
	}
	if err := env.Repo.InsertDeadLetter(env.Ctx, tx, dl); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tx.Commit()

	got, err := env.Repo.GetDeadLetter(env.Ctx, dl.ID)
	if err != nil || got.Reason != dl.Reason {
		t.Fatalf("get: %+v %v", got, err)
	}
	items, err := env.Repo.ListDeadLetters(env.Ctx, DeadLetterFilters{Origin: domain.OriginEvent, Limit: 10})
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v %v", items, err)
	}
	items, err = env.Repo.ListDeadLetters(env.Ctx, DeadLetterFilters{Origin: domain.OriginCommand, Limit: 10})
	if err != nil || len(items) != 0 {
		t.Fatalf("origin filter: %v %v", items, err)
	}
}

func TestListCommandsFilters(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, env.newCommand("t1", "a"))
	env.enqueue(t, env.newCommand("t2", "b"))
	kyc := env.newCommand("t1", "c")
	kyc.Type = "account.kyc.approve"
	env.enqueue(t, kyc)

	items, err := env.Repo.ListCommands(env.Ctx, CommandFilters{TenantID: "t1", Limit: 10})
	if err != nil || len(items) != 2 {
		t.Fatalf("tenant filter: %d %v", len(items), err)
	}
	items, err = env.Repo.ListCommands(env.Ctx, CommandFilters{Type: "account.kyc.approve", Limit: 10})
	if err != nil || len(items) != 1 {
		t.Fatalf("type filter: %d %v", len(items), err)
	}
	counts, err := env.Repo.CountCommandsByStatus(env.Ctx)
	if err != nil || counts[domain.StatusPending] != 3 {
		t.Fatalf("counts: %v %v", counts, err)
	}
}
