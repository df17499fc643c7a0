// Package app assembles the relay, listener, and API server into one
// runnable unit.
package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"ledgerbridge/internal/alert"
	"ledgerbridge/internal/config"
	"ledgerbridge/internal/db"
	"ledgerbridge/internal/engine"
	"ledgerbridge/internal/ledger"
	"ledgerbridge/internal/listener"
	"ledgerbridge/internal/migrate"
	"ledgerbridge/internal/projection"
	"ledgerbridge/internal/relay"
	"ledgerbridge/internal/schema"
	"ledgerbridge/internal/server"
)

// Options configure the assembled application.
type Options struct {
	Workspace string
	Config    *config.Config
	// Ledger supplies the identity-bound clients. When nil an in-memory
	// ledger is used, which suits local development and tests only.
	Ledger *ledger.Fake
	Logger *log.Logger
}

// App owns every long-running component and the shared database handle.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Ledger   *ledger.Fake
	Worker   *relay.Worker
	Listener *listener.Listener
	Handler  http.Handler
	Logger   *log.Logger
}

// New opens the workspace database, runs migrations, and wires every
// component against it.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	fake := opts.Ledger
	if fake == nil {
		fake = ledger.NewFake()
	}
	registry := ledger.NewRegistry()
	for _, name := range cfg.IdentityNames() {
		registry.Register(name, fake.Identity(name))
	}

	var alerts alert.Notifier = alert.Noop{}
	if len(cfg.Alerts) > 0 {
		alerts = alert.NewWebhookNotifier(cfg.Alerts, logger)
	}

	worker := relay.New(conn, cfg, registry)
	worker.Alerts = alerts
	worker.Logger = logger

	validator, err := schema.NewValidator()
	if err != nil {
		conn.Close()
		return nil, err
	}
	proj := projection.NewEngine(conn)
	proj.Logger = logger

	listenClient, err := registry.Get(cfg.Identities.Default)
	if err != nil {
		conn.Close()
		return nil, err
	}
	lst := listener.New(conn, cfg, listenClient, validator, proj)
	lst.Alerts = alerts
	lst.Logger = logger

	eng := engine.New(conn, cfg)
	handler, err := server.New(server.Config{
		Engine:   eng,
		BasePath: cfg.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:              cfg.Server.JWTSecret,
			AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			Logger:                 logger,
		},
		Breaker: worker.Breaker,
		Head:    fake.Head,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &App{
		DB:       conn,
		Config:   cfg,
		Engine:   eng,
		Ledger:   fake,
		Worker:   worker,
		Listener: lst,
		Handler:  handler,
		Logger:   logger,
	}, nil
}

// Run starts the relay, the listener, and the HTTP server, and blocks
// until ctx is cancelled. Shutdown drains in-flight work: the worker
// finishes its current submissions and the listener flushes its
// checkpoint before Run returns.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{Addr: a.Config.Server.Addr, Handler: a.Handler}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.Worker.Run(ctx); err != nil {
			a.Logger.Printf("relay stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.Listener.Run(ctx); err != nil {
			a.Logger.Printf("listener stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.Logger.Printf("serving Ledgerbridge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)",
		a.Config.Server.Addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
	err := srv.ListenAndServe()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the database handle.
func (a *App) Close() error {
	return a.DB.Close()
}
