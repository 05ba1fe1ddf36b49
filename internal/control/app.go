// Package control wires the application together: storage, queues, the
// orchestrator and the monitoring stack, with lifecycle management.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/morenocuratelo/archivista/internal/core/config"
	"github.com/morenocuratelo/archivista/internal/infra/queue"
	redisclient "github.com/morenocuratelo/archivista/internal/infra/redis"
	"github.com/morenocuratelo/archivista/internal/infra/storage"
	"github.com/morenocuratelo/archivista/internal/infra/storage/memory"
	"github.com/morenocuratelo/archivista/internal/infra/storage/postgres"
	"github.com/morenocuratelo/archivista/internal/processing/classify"
	"github.com/morenocuratelo/archivista/internal/processing/monitor"
	"github.com/morenocuratelo/archivista/internal/processing/orchestrator"
	quarantinepkg "github.com/morenocuratelo/archivista/internal/processing/quarantine"
	retrysched "github.com/morenocuratelo/archivista/internal/processing/retry"
)

// App is the main application struct that manages the pipeline lifecycle.
type App struct {
	cfg           *config.AppConfig
	orchestrator  *orchestrator.Orchestrator
	collector     *monitor.Collector
	dispatcher    *monitor.AlertDispatcher
	monitorServer *monitor.Server
	db            *postgres.DB
	redisClient   *redisclient.Client
	log           *slog.Logger
	cancel        context.CancelFunc
}

// NewApp creates an App with all dependencies initialized. With no
// database URL configured the app runs on in-memory storage; with no
// Redis URL it runs on in-process queues.
func NewApp(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, log: log}

	// 1. Storage
	var (
		jobRepo        storage.JobRepository
		errorRepo      storage.ErrorLogRepository
		quarantineRepo storage.QuarantineRepository
		metricRepo     storage.MetricRepository
	)

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		app.db = db

		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		jobRepo = postgres.NewJobRepo(db)
		errorRepo = postgres.NewErrorLogRepo(db)
		quarantineRepo = postgres.NewQuarantineRepo(db)
		metricRepo = postgres.NewMetricRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		jobRepo = memory.NewJobRepo(store)
		errorRepo = memory.NewErrorLogRepo(store)
		quarantineRepo = memory.NewQuarantineRepo(store)
		metricRepo = memory.NewMetricRepo(store)
		log.Info("Using Memory storage")
	}

	// 2. Queues and locks
	var workQueue, retryQueue queue.Queue
	var locker queue.Locker

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		app.redisClient = client
		workQueue = redisclient.NewSortedQueue(client, "work")
		retryQueue = redisclient.NewSortedQueue(client, "retry")
		locker = redisclient.NewLocker(client)
		log.Info("Using Redis queues")
	} else {
		workQueue = queue.NewMemoryQueue()
		retryQueue = queue.NewMemoryQueue()
		locker = queue.NewMemoryLocker()
		log.Info("Using Memory queues")
	}

	// 3. Processing components
	classifier := classify.New(classify.DefaultRules(), cfg.ClassifyPolicies())
	scheduler := retrysched.New(cfg.RetryPolicies(), cfg.Retry.Jitter)

	qm := quarantinepkg.NewManager(
		quarantinepkg.Config{
			Dir:              cfg.Processing.QuarantineDir,
			ErrorContextSize: cfg.Processing.ErrorContextSize,
		},
		jobRepo, errorRepo, quarantineRepo, log,
	)

	app.orchestrator = orchestrator.New(
		orchestrator.Config{
			StuckThreshold: cfg.Processing.StuckThreshold,
			RetryTick:      cfg.Processing.RetryTick,
			ReaperTick:     cfg.Processing.ReaperTick,
			LockTTL:        cfg.Processing.LockTTL,
		},
		jobRepo, errorRepo, classifier, scheduler, qm,
		workQueue, retryQueue, locker, log,
	)

	// 4. Monitoring
	app.dispatcher = monitor.NewAlertDispatcher(
		monitor.AlertConfig{
			DedupWindow: cfg.Monitoring.DedupWindow,
			Thresholds:  cfg.Monitoring.Thresholds,
		},
		log,
	)
	app.collector = monitor.NewCollector(
		monitor.CollectorConfig{
			CollectionInterval: cfg.Monitoring.CollectionInterval,
			ErrorWindow:        cfg.Monitoring.ErrorWindow,
			StuckThreshold:     cfg.Processing.StuckThreshold,
		},
		jobRepo, errorRepo, quarantineRepo, metricRepo, app.dispatcher, log,
	)
	app.monitorServer = monitor.NewServer(app.collector, app.dispatcher, quarantineRepo, cfg.Server.Port)

	return app, nil
}

// Orchestrator exposes the processing facade for workers and the CLI.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Collector exposes the snapshot collector.
func (a *App) Collector() *monitor.Collector {
	return a.collector
}

// Start launches the background loops and the monitor server.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	go func() {
		if err := a.orchestrator.Start(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("Orchestrator exited", "error", err)
		}
	}()
	go func() {
		if err := a.collector.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("Collector exited", "error", err)
		}
	}()
	go func() {
		a.log.Info("Monitor server listening", "port", a.cfg.Server.Port)
		if err := a.monitorServer.Start(); err != nil && ctx.Err() == nil {
			a.log.Error("Monitor server exited", "error", err)
		}
	}()

	return nil
}

// Stop shuts the application down.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping application...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}

	return a.monitorServer.Stop(ctx)
}
