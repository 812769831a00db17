// Package main provides the webhookd service: an HTTP webhook receiver with
// idempotent durable storage, a bounded admission queue, a retrying worker
// pool, and background recovery and cleanup.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/correlator-io/webhookd/internal/api"
	"github.com/correlator-io/webhookd/internal/api/middleware"
	"github.com/correlator-io/webhookd/internal/app"
	"github.com/correlator-io/webhookd/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "webhookd"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting webhook receiver",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("failed to close database connection", slog.String("error", closeErr.Error()))
		}
	}()

	store := storage.NewEventStore(conn, logger)

	rateLimitConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)

	defer rateLimiter.Close()

	lifecycleConfig := app.LoadConfig()

	logger.Info("loaded lifecycle configuration",
		slog.Int("worker_count", lifecycleConfig.WorkerCount),
		slog.Int("queue_max_size", lifecycleConfig.QueueMaxSize),
		slog.Int("max_attempts", lifecycleConfig.RetryPolicy.MaxAttempts),
		slog.Duration("retention", lifecycleConfig.Retention),
		slog.Duration("cleanup_interval", lifecycleConfig.CleanupInterval),
		slog.Duration("reenqueue_interval", lifecycleConfig.ReenqueueInterval),
	)

	instance := app.New(lifecycleConfig, &serverConfig, store, rateLimiter, logger)

	if err := instance.Run(context.Background()); err != nil {
		logger.Error("webhook receiver exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("webhook receiver stopped")
}
