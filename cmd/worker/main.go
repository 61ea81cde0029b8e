// Package main implements the entry point for the reel-api enrichment
// worker, the background process that drains video batches through the
// metadata and AI-extraction pipeline.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/phrazzld/reel-api/internal/config"
	"github.com/phrazzld/reel-api/internal/events"
	"github.com/phrazzld/reel-api/internal/platform/gemini"
	"github.com/phrazzld/reel-api/internal/platform/logger"
	"github.com/phrazzld/reel-api/internal/platform/metadata"
	"github.com/phrazzld/reel-api/internal/platform/postgres"
	"github.com/phrazzld/reel-api/internal/quota"
	"github.com/phrazzld/reel-api/internal/task"
)

func main() {
	app, err := initializeApp(context.Background())
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.close()

	app.run()
}

// application bundles the wired components so run and close stay readable.
type application struct {
	cfg        *config.Config
	log        *slog.Logger
	db         *sql.DB
	controller *task.Controller
	pool       *task.WorkerPool
}

// initializeApp loads configuration and wires every component of the
// pipeline: database, stores, quota tracker, service adapters, queue,
// controller and worker pool.
func initializeApp(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(logger.LoggerConfig{Level: cfg.Worker.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("worker configuration loaded",
		"worker_count", cfg.Worker.Count,
		"log_level", cfg.Worker.LogLevel,
		"extraction_model", cfg.Extraction.Model)

	db, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithLogger(ctx, appLogger)
	if err := postgres.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	itemStore := postgres.NewPostgresItemStore(db)
	batchStore := postgres.NewPostgresBatchStore(db)

	tracker := quota.NewTracker(map[string]quota.Limit{
		quota.ServiceMetadata: {
			Units:  cfg.Metadata.QuotaUnits,
			Window: cfg.Metadata.QuotaWindow,
		},
		quota.ServiceExtraction: {
			Units:  cfg.Extraction.QuotaUnits,
			Window: cfg.Extraction.QuotaWindow,
		},
	}, appLogger)

	fetcher := metadata.NewClient(cfg.Metadata.BaseURL, cfg.Metadata.Timeout)

	extractor, err := gemini.NewExtractor(
		ctx,
		appLogger,
		cfg.Extraction.GeminiAPIKey,
		cfg.Extraction.Model,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	policy := task.DefaultPolicy()
	policy.MaxAttempts = cfg.Worker.MaxAttempts
	policy.InvalidMaxAttempts = cfg.Worker.InvalidMaxAttempts
	policy.BaseBackoff = cfg.Worker.BaseBackoff
	policy.MaxBackoff = cfg.Worker.MaxBackoff

	queue := task.NewJobQueue(appLogger)
	broadcaster := events.NewBroadcaster(appLogger)
	controller := task.NewController(queue, itemStore, batchStore, broadcaster, appLogger)

	pool := task.NewWorkerPool(
		queue,
		controller,
		itemStore,
		tracker,
		fetcher,
		extractor,
		policy,
		task.WorkerPoolConfig{WorkerCount: cfg.Worker.Count},
		appLogger,
	)

	return &application{
		cfg:        cfg,
		log:        appLogger,
		db:         db,
		controller: controller,
		pool:       pool,
	}, nil
}

// run recovers interrupted work, starts the pool, and blocks until a
// shutdown signal arrives.
func (a *application) run() {
	ctx := logger.WithLogger(context.Background(), a.log)

	if err := a.controller.RecoverInterrupted(ctx); err != nil {
		a.log.Error("failed to recover interrupted batches", "error", err)
	}

	a.pool.Start()
	a.log.Info("enrichment worker running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop

	a.log.Info("shutdown signal received", "signal", sig.String())
	a.pool.Stop()
	a.log.Info("enrichment worker stopped")
}

func (a *application) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("error closing database connection", "error", err)
		}
	}
}

// openDatabase opens and verifies the PostgreSQL connection.
func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
