// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/raido/internal/api"
	"github.com/starford/raido/internal/localdb"
	"github.com/starford/raido/internal/mcpserver"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/noteservice"
	"github.com/starford/raido/internal/notestore"
	"github.com/starford/raido/internal/pairing"
	"github.com/starford/raido/internal/queue"
	"github.com/starford/raido/internal/reconciler"
	"github.com/starford/raido/internal/sse"
	"github.com/starford/raido/internal/storage"
	"github.com/starford/raido/internal/supervisor"
	"github.com/starford/raido/internal/transport"
)

// engine bundles the wired sync components plus their shared resources.
type engine struct {
	cfg    *Config
	logger *slog.Logger

	broker *sse.Broker
	svc    *noteservice.Service
	queue  *queue.Queue
	sup    *supervisor.Supervisor
	rec    *reconciler.Reconciler
	pair   *pairing.Coordinator

	close func()
}

// buildEngine constructs the full sync engine: vault storage, local
// database, queue, supervisor, reconciler, and pairing coordinator, all
// publishing through one SSE broker.
func buildEngine(cfg *Config, logger *slog.Logger) (*engine, error) {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	vault, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := localdb.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}

	store, err := notestore.New(db, vault)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init note store: %w", err)
	}

	broker := sse.NewBroker(2 * time.Second)

	q, err := queue.New(db, queue.Config{
		MaxRetries:  cfg.Sync.MaxRetries,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffCap:  cfg.Sync.BackoffCap,
	}, func(item queue.Item, reason string) {
		logger.Error("change dead-lettered",
			slog.String("path", item.Path),
			slog.String("op", item.Op.String()),
			slog.String("reason", reason))
		broker.PublishSyncEvent("sync.dead_letter", item.Path)
	})
	if err != nil {
		broker.Close()
		db.Close()
		return nil, fmt.Errorf("init change queue: %w", err)
	}

	factory := func(conn models.ServerConnection) transport.Client {
		return transport.NewHTTPClient(conn.URL, conn.APIKey)
	}

	// The supervisor's status callback wants the reconciler, which in turn
	// wants the supervisor. The closure captures rec before any status
	// transition can fire: nothing connects until the engine runs.
	var rec *reconciler.Reconciler
	sup := supervisor.New(factory, nil, supervisor.Config{
		ProbeInterval:    cfg.Probes.Interval,
		FailureThreshold: cfg.Probes.FailureThreshold,
	}, logger, func(status models.ConnectionStatus) {
		broker.PublishStatus(status)
		if status == models.StatusConnected && rec != nil {
			rec.Trigger()
		}
	})

	rec = reconciler.New(store, q, sup, nil, reconciler.Config{
		Interval:  cfg.Sync.Interval,
		BatchSize: cfg.Sync.BatchSize,
	}, logger, broker.PublishSyncEvent)

	pair := pairing.New(transport.NewHTTPRelay(cfg.Pairing.RelayURL), sup, nil,
		pairing.Config{PollInterval: cfg.Pairing.PollInterval}, logger, broker.PublishPairing)

	svc := noteservice.NewService(vault, store, q, logger, broker.PublishSyncEvent)

	return &engine{
		cfg:    cfg,
		logger: logger,
		broker: broker,
		svc:    svc,
		queue:  q,
		sup:    sup,
		rec:    rec,
		pair:   pair,
		close: func() {
			pair.Cancel()
			broker.Close()
			db.Close()
		},
	}, nil
}

// autoConnect links to the server from the config file, if one is present.
// Failures are logged, not fatal: the engine keeps running offline and the
// user can retry through the API.
func (e *engine) autoConnect(ctx context.Context) {
	if !e.cfg.Server.Configured() {
		return
	}
	conn := models.ServerConnection{URL: e.cfg.Server.URL, APIKey: e.cfg.Server.APIKey}
	if err := e.sup.Connect(ctx, conn); err != nil {
		e.logger.Warn("initial server connect failed",
			slog.String("url", conn.URL),
			slog.String("error", err.Error()))
	}
}

// Run starts the sync engine and the local HTTP API with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	// Pick up notes that changed while the engine was down.
	if err := eng.svc.Rescan(ctx); err != nil {
		logger.Warn("initial vault scan failed", slog.String("error", err.Error()))
	}

	// Build API handler and router.
	handler := api.NewHandler(eng.svc, eng.sup, eng.rec, eng.pair, eng.queue)
	apiRouter := api.NewRouter(handler, cfg.Auth.AuthEnabled(), cfg.Auth.Token, eng.broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	eng.autoConnect(gCtx)

	// Start vault file watcher.
	g.Go(func() error {
		return noteservice.Watch(gCtx, eng.svc, cfg.Vault.Path, logger)
	})

	// Start periodic reconciliation.
	g.Go(func() error {
		eng.rec.Run(gCtx)
		return nil
	})

	// Start connection health probing.
	g.Go(func() error {
		eng.sup.RunProbes(gCtx)
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts the sync engine and serves the MCP tool surface on stdio.
// Logs go to stderr: stdout carries the MCP transport.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.svc.Rescan(ctx); err != nil {
		logger.Warn("initial vault scan failed", slog.String("error", err.Error()))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng.autoConnect(runCtx)
	go eng.rec.Run(runCtx)
	go eng.sup.RunProbes(runCtx)
	go func() {
		if err := noteservice.Watch(runCtx, eng.svc, cfg.Vault.Path, logger); err != nil {
			logger.Warn("vault watcher stopped", slog.String("error", err.Error()))
		}
	}()

	srv := mcpserver.New(eng.svc, eng.sup, eng.rec)
	logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}
