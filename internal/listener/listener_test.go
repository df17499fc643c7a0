package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/db"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/ledger"
	"ledgerbridge/internal/migrate"
	"ledgerbridge/internal/projection"
	"ledgerbridge/internal/repo"
	"ledgerbridge/internal/schema"
)

type testEnv struct {
	DB       *sql.DB
	Repo     repo.Repo
	Fake     *ledger.Fake
	Config   *config.Config
	Listener *Listener
	Ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Listener.CheckpointInterval = 2
	cfg.Listener.ReconnectBackoff = config.Duration(10 * time.Millisecond)

	fake := ledger.NewFake()
	env := &testEnv{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Fake:   fake,
		Config: cfg,
		Ctx:    context.Background(),
	}
	env.Listener = env.newListener(t)
	return env
}

// newListener builds a fresh listener over the same database and ledger,
// as a process restart would.
func (env *testEnv) newListener(t *testing.T) *Listener {
	t.Helper()
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return New(env.DB, env.Config, env.Fake.Identity("operator"), validator, projection.NewEngine(env.DB))
}

func accountEvent(id string, n int) (string, int, string) {
	return "account.opened", 1, fmt.Sprintf(`{"account_id":"%s-%d","tenant_id":"t1","display_name":"A"}`, id, n)
}

func (env *testEnv) waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func (env *testEnv) countAccounts(t *testing.T) int {
	t.Helper()
	items, err := env.Repo.ListAccounts(env.Ctx, repo.AccountFilters{Limit: 1000})
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	return len(items)
}

func TestRunAppliesAndCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	var last domain.Event
	for i := 0; i < 5; i++ {
		name, version, payload := accountEvent("acc", i)
		last = env.Fake.EmitRaw(name, version, payload)
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.Listener.Run(ctx)
	}()

	env.waitFor(t, "all events applied", func() bool { return env.countAccounts(t) == 5 })
	cancel()
	<-done

	// the shutdown flush persists the final position even though it is
	// not on an interval boundary
	cp, err := env.Repo.GetCheckpoint(env.Ctx, env.Config.Listener.Consumer, env.Config.Listener.Channel)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.Position != last.Position {
		t.Fatalf("checkpoint %v, want %v", cp.Position, last.Position)
	}
}

func TestRestartResumesAfterCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		name, version, payload := accountEvent("first", i)
		env.Fake.EmitRaw(name, version, payload)
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.Listener.Run(ctx)
	}()
	env.waitFor(t, "first batch applied", func() bool { return env.countAccounts(t) == 3 })
	cancel()
	<-done

	// restart: new listener, same store; new events arrive
	for i := 0; i < 2; i++ {
		name, version, payload := accountEvent("second", i)
		env.Fake.EmitRaw(name, version, payload)
	}
	restarted := env.newListener(t)
	ctx, cancel = context.WithCancel(env.Ctx)
	done = make(chan struct{})
	go func() {
		defer close(done)
		restarted.Run(ctx)
	}()
	env.waitFor(t, "second batch applied", func() bool { return env.countAccounts(t) == 5 })
	cancel()
	<-done
}

func TestCrashReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Listener.CheckpointInterval = 100 // no interval flush

	var events []domain.Event
	events = append(events, env.Fake.EmitRaw("account.opened", 1, `{"account_id":"a1","tenant_id":"t1","display_name":"A"}`))
	events = append(events, env.Fake.EmitRaw("account.opened", 1, `{"account_id":"a2","tenant_id":"t1","display_name":"B"}`))
	events = append(events, env.Fake.EmitRaw("transfer.completed", 1, `{"from_account":"a1","to_account":"a2","amount":10}`))

	for _, e := range events {
		if err := env.Listener.Handle(env.Ctx, e); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	// crash before any checkpoint write: a new listener starts from
	// genesis and redelivers everything
	restarted := env.newListener(t)
	from, err := restarted.StartPosition(env.Ctx)
	if err != nil {
		t.Fatalf("start position: %v", err)
	}
	if from != (domain.Position{Block: env.Config.Listener.GenesisBlock, Index: 0}) {
		t.Fatalf("expected genesis start, got %v", from)
	}
	for _, e := range events {
		if err := restarted.Handle(env.Ctx, e); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	from1, _ := env.Repo.GetAccount(env.Ctx, "a1")
	from2, _ := env.Repo.GetAccount(env.Ctx, "a2")
	if from1.Balance != -10 || from2.Balance != 10 {
		t.Fatalf("replay double-applied: %d %d", from1.Balance, from2.Balance)
	}
	if env.countAccounts(t) != 2 {
		t.Fatalf("accounts duplicated on replay")
	}
}

func TestInvalidEventDeadLettersAndContinues(t *testing.T) {
	env := newTestEnv(t)
	bad := env.Fake.EmitRaw("account.opened", 1, `{"account_id":"a1"}`) // missing required fields
	unknown := env.Fake.EmitRaw("account.frozen", 3, `{}`)
	good := env.Fake.EmitRaw("account.opened", 1, `{"account_id":"a2","tenant_id":"t1","display_name":"B"}`)

	for _, e := range []domain.Event{bad, unknown, good} {
		if err := env.Listener.Handle(env.Ctx, e); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	if _, err := env.Repo.GetAccount(env.Ctx, "a1"); err != repo.ErrNotFound {
		t.Fatalf("invalid event must not touch the read model: %v", err)
	}
	if _, err := env.Repo.GetAccount(env.Ctx, "a2"); err != nil {
		t.Fatalf("later event must still apply: %v", err)
	}
	dls, err := env.Repo.ListDeadLetters(env.Ctx, repo.DeadLetterFilters{Origin: domain.OriginEvent, Limit: 10})
	if err != nil || len(dls) != 2 {
		t.Fatalf("dead letters: %d %v", len(dls), err)
	}
	// the position still advances past the poison events
	if err := env.Listener.FlushCheckpoint(env.Ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	cp, err := env.Repo.GetCheckpoint(env.Ctx, env.Config.Listener.Consumer, env.Config.Listener.Channel)
	if err != nil || cp.Position != good.Position {
		t.Fatalf("checkpoint: %v %v", cp, err)
	}
}

// flakyApplier fails a fixed number of times with a storage-style error
// before delegating to the real engine.
type flakyApplier struct {
	inner    Applier
	failures int
}

func (f *flakyApplier) Apply(ctx context.Context, evt domain.Event) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("database is locked")
	}
	return f.inner.Apply(ctx, evt)
}

func TestTransientApplyFailureIsRedelivered(t *testing.T) {
	env := newTestEnv(t)
	env.Listener.Engine = &flakyApplier{inner: env.Listener.Engine, failures: 1}

	e := env.Fake.EmitRaw("account.opened", 1, `{"account_id":"a1","tenant_id":"t1","display_name":"A"}`)

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.Listener.Run(ctx)
	}()
	// the first delivery fails, the stream reconnects and redelivers
	env.waitFor(t, "event applied after retry", func() bool { return env.countAccounts(t) == 1 })
	cancel()
	<-done

	dls, err := env.Repo.ListDeadLetters(env.Ctx, repo.DeadLetterFilters{Origin: domain.OriginEvent, Limit: 10})
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 0 {
		t.Fatalf("storage failure must not dead-letter the event: %d", len(dls))
	}
	cp, err := env.Repo.GetCheckpoint(env.Ctx, env.Config.Listener.Consumer, env.Config.Listener.Channel)
	if err != nil || cp.Position != e.Position {
		t.Fatalf("checkpoint: %v %v", cp, err)
	}
}

func TestTransientApplyFailureDoesNotAdvance(t *testing.T) {
	env := newTestEnv(t)
	env.Listener.Engine = &flakyApplier{inner: env.Listener.Engine, failures: 1}

	e := env.Fake.EmitRaw("account.opened", 1, `{"account_id":"a1","tenant_id":"t1","display_name":"A"}`)
	if err := env.Listener.Handle(env.Ctx, e); err == nil {
		t.Fatalf("storage failure must break the stream")
	}
	if _, ok := env.Listener.LastApplied(); ok {
		t.Fatalf("position must not advance past a failed event")
	}
	// redelivery succeeds
	if err := env.Listener.Handle(env.Ctx, e); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if _, err := env.Repo.GetAccount(env.Ctx, "a1"); err != nil {
		t.Fatalf("event lost after transient failure: %v", err)
	}
}

func TestApplyFailureDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	// valid shape, but the read model has no such account
	e := env.Fake.EmitRaw("account.kyc_approved", 1, `{"account_id":"ghost"}`)
	if err := env.Listener.Handle(env.Ctx, e); err != nil {
		t.Fatalf("handle: %v", err)
	}
	dls, err := env.Repo.ListDeadLetters(env.Ctx, repo.DeadLetterFilters{Origin: domain.OriginEvent, Limit: 10})
	if err != nil || len(dls) != 1 {
		t.Fatalf("dead letters: %d %v", len(dls), err)
	}
}
