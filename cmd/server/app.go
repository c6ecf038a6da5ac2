package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/platform/gemini"
	"github.com/storyloom/storyloom/internal/platform/sqlite"
	"github.com/storyloom/storyloom/internal/queue"
	"github.com/storyloom/storyloom/internal/worker"
)

// application holds the shared application dependencies so wiring and
// cleanup live in one place.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	// store backs all three queue surfaces.
	store *sqlite.Store

	// worker is the in-process generation worker. It coordinates with any
	// rival processes through the store's lease.
	worker *worker.Worker

	// waiter is the synchronous enqueue-and-wait helper, exposed to embedded
	// callers that drive the pipeline in-process.
	waiter *queue.Waiter
}

// newApplication wires the full dependency graph: database, migrations,
// store, generation executor, and the background worker.
func newApplication(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) (*application, error) {
	db, err := openDatabase(ctx, cfg, appLogger)
	if err != nil {
		return nil, err
	}

	store := sqlite.NewStore(db)

	executor, err := newExecutor(ctx, cfg, appLogger)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			appLogger.Error("failed to close database during aborted startup", "error", closeErr)
		}
		return nil, err
	}

	gen := worker.New(store, executor, worker.Config{
		ImageWorkers: cfg.Worker.ImageWorkers,
		VideoWorkers: cfg.Worker.VideoWorkers,
		LeaseTTL:     cfg.Worker.LeaseTTL(),
		Heartbeat:    cfg.Worker.Heartbeat(),
		PollInterval: cfg.Worker.PollInterval(),
	}, appLogger)

	if err := gen.Start(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			appLogger.Error("failed to close database during aborted startup", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to start generation worker: %w", err)
	}

	waiter := queue.NewWaiter(store, store, appLogger)

	return &application{
		config: cfg,
		logger: appLogger,
		db:     db,
		store:  store,
		worker: gen,
		waiter: waiter,
	}, nil
}

// newExecutor builds the Gemini-backed media executor.
func newExecutor(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) (generation.Executor, error) {
	executor, err := gemini.NewMediaGenerator(ctx, appLogger, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create media generator: %w", err)
	}
	return executor, nil
}

// waitOptions derives the client wait bounds from configuration.
func (app *application) waitOptions() queue.WaitOptions {
	return queue.WaitOptions{
		PollInterval: time.Second,
		Timeout:      app.config.Client.WaitTimeout(),
		OfflineGrace: app.config.Client.OfflineGrace(),
	}
}

// cleanup stops the worker and closes shared resources. Safe to call once
// at shutdown.
func (app *application) cleanup() {
	app.logger.Info("cleaning up application resources")

	// Stop the worker first so no dispatch touches the database after it
	// closes.
	app.worker.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("failed to close database", "error", err)
	}

	app.logger.Info("application cleanup completed")
}
