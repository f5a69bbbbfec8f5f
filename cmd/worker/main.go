// Package main implements the entry point for the quill-jobs worker,
// which runs the durable background job engine: the producer/admin HTTP
// surface, per-queue worker pools, and the lease sweeper, all against a
// shared Postgres job store.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/quill-jobs/internal/api"
	"github.com/phrazzld/quill-jobs/internal/config"
	"github.com/phrazzld/quill-jobs/internal/events"
	"github.com/phrazzld/quill-jobs/internal/job"
	"github.com/phrazzld/quill-jobs/internal/platform/logger"
	"github.com/phrazzld/quill-jobs/internal/platform/postgres"
	"github.com/phrazzld/quill-jobs/internal/platform/postgres/migrations"
	"github.com/phrazzld/quill-jobs/internal/service/media"
)

// mediaQueue is the queue the media processing handler is registered on.
const mediaQueue = "media"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Failed to run worker: %v", err)
	}
}

// run wires the application together and blocks until shutdown.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("worker configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queues", len(cfg.Jobs.Queues))

	ctx := context.Background()

	// The job store is the source of truth; the process is useless
	// without it, so an unreachable store at startup is fatal.
	db, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("failed to close database", "error", err)
		}
	}()

	if err := migrations.Up(ctx, db); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	jobStore := postgres.NewPostgresJobStore(db)
	deadLetterStore := postgres.NewPostgresDeadLetterStore(db)

	emitter := events.NewInMemoryEmitter(appLogger)
	emitter.RegisterHandler(events.NewSlogHandler(appLogger))

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				appLogger.Error("failed to close redis client", "error", err)
			}
		}()
		emitter.RegisterHandler(events.NewRedisPublisher(
			redisClient, cfg.Redis.CompletionChannel, appLogger))
		appLogger.Info("completion event publisher enabled",
			"channel", cfg.Redis.CompletionChannel)
	}

	policy := job.NewRetryPolicy(cfg.Jobs.Retry.BaseDelay, cfg.Jobs.Retry.MaxDelay)
	leases := job.NewLeaseManager(
		jobStore, deadLetterStore, policy, emitter, cfg.Jobs.LeaseDuration, appLogger)

	registry := job.NewRegistry()
	if err := registerHandlers(cfg, db, registry, appLogger); err != nil {
		return err
	}

	producer := job.NewProducer(jobStore, emitter, cfg.Jobs.DefaultMaxAttempts, appLogger)
	requeuer := job.NewRequeuer(deadLetterStore, emitter, appLogger)

	// Sweeper lifecycle is tied to sweepCtx so it outlives the pools
	// during drain but stops before the process exits.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go leases.RunSweeper(sweepCtx, cfg.Jobs.SweepInterval)

	pools := make([]*job.WorkerPool, 0, len(cfg.Jobs.Queues))
	for _, queueCfg := range cfg.Jobs.Queues {
		pool := job.NewWorkerPool(queueCfg, leases, registry, appLogger)
		pool.Start()
		pools = append(pools, pool)
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(
			api.NewJobHandler(producer, jobStore, appLogger),
			api.NewDeadLetterHandler(deadLetterStore, requeuer, appLogger),
			jobStore,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		appLogger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		appLogger.Error("HTTP server failed", "error", err)
	}

	return shutdown(ctx, server, pools, cfg.Jobs.DrainTimeout, appLogger)
}

// openDatabase opens and verifies the job store connection.
func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// registerHandlers binds job handlers to their (queue, type) pairs. The
// media handler is only registered when its queue is configured.
func registerHandlers(
	cfg *config.Config,
	db *sql.DB,
	registry *job.Registry,
	appLogger *slog.Logger,
) error {
	if _, ok := cfg.Jobs.Queue(mediaQueue); !ok {
		appLogger.Warn("media queue not configured, media handler disabled")
		return nil
	}

	transcoder := media.NewExecTranscoder(cfg.Media.TranscoderPath)
	sink := postgres.NewPostgresResultSink(db)
	handler, err := media.NewHandler(cfg.Media, transcoder, sink, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create media handler: %w", err)
	}
	if err := registry.Register(mediaQueue, media.JobType, handler); err != nil {
		return fmt.Errorf("failed to register media handler: %w", err)
	}
	return nil
}

// shutdown stops the HTTP surface first so no new jobs arrive, then
// drains the worker pools within the configured timeout.
func shutdown(
	ctx context.Context,
	server *http.Server,
	pools []*job.WorkerPool,
	drainTimeout time.Duration,
	appLogger *slog.Logger,
) error {
	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(httpCtx); err != nil {
		appLogger.Error("HTTP server shutdown failed", "error", err)
	}

	for _, pool := range pools {
		pool.Stop(drainTimeout)
	}

	appLogger.Info("worker stopped")
	return nil
}
