package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/correlator-io/webhookd/internal/api"
	"github.com/correlator-io/webhookd/internal/api/middleware"
	"github.com/correlator-io/webhookd/internal/metrics"
	"github.com/correlator-io/webhookd/internal/queue"
	"github.com/correlator-io/webhookd/internal/recovery"
	"github.com/correlator-io/webhookd/internal/sweeper"
	"github.com/correlator-io/webhookd/internal/webhook"
	"github.com/correlator-io/webhookd/internal/worker"
)

// App owns every long-running component of the webhook receiver and their
// startup/shutdown ordering: the admission queue, the worker pool, the
// cleanup sweeper, the re-enqueue scan, and the HTTP server. The store
// connection itself is owned by the caller (cmd/webhookd), which opens it
// before constructing an App and closes it after Run returns.
type App struct {
	store   webhook.Store
	queue   *queue.Queue
	metrics *metrics.Metrics
	pool    *worker.Pool
	sweeper *sweeper.Sweeper
	scanner *recovery.Scanner
	server  *api.Server
	logger  *slog.Logger

	ready atomic.Bool
}

// New wires a new App from its already-loaded configuration and dependencies.
// The store must already be connected to an already-migrated schema; this
// package assumes that precondition rather than running migrations itself
// (see DESIGN.md — the migrator binary owns that concern).
func New(
	cfg Config,
	serverCfg *api.ServerConfig,
	store webhook.Store,
	rateLimiter middleware.RateLimiter,
	logger *slog.Logger,
) *App {
	m := metrics.New()
	q := queue.New(cfg.QueueMaxSize)

	app := &App{
		store:   store,
		queue:   q,
		metrics: m,
		logger:  logger,
	}

	app.pool = worker.New(store, q, m, cfg.RetryPolicy, cfg.WorkerCount, logger)
	app.sweeper = sweeper.New(store, cfg.CleanupInterval, cfg.Retention, logger)
	app.scanner = recovery.NewScanner(store, q, cfg.ReenqueueInterval, logger)
	app.server = api.NewServer(serverCfg, store, q, m, rateLimiter, app.Ready, logger)

	return app
}

// Ready reports whether startup has completed: the recovery loader has run
// and the background tasks are started. GET /ready reflects this.
func (a *App) Ready() bool {
	return a.ready.Load()
}

// Run executes the full startup sequence, blocks serving traffic until a
// shutdown signal or context cancellation arrives, then runs the shutdown
// sequence in order: cancel workers/sweeper/re-enqueue scan, wait for
// in-flight ProcessEvent calls to reach a commit point, stop accepting HTTP
// connections, and return. It does not close the store; the caller does
// that once Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := recovery.Load(ctx, a.store, a.queue, a.logger); err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	group, groupCtx := errgroup.WithContext(workCtx)

	group.Go(func() error { return a.pool.Run(groupCtx) })
	group.Go(func() error { return a.sweeper.Run(groupCtx) })
	group.Go(func() error { return a.scanner.Run(groupCtx) })

	a.ready.Store(true)
	a.logger.Info("webhookd: startup complete, serving traffic")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- a.server.Serve(groupCtx)
	}()

	select {
	case sig := <-stop:
		a.logger.Info("webhookd: received shutdown signal", slog.String("signal", sig.String()))
	case <-groupCtx.Done():
		a.logger.Warn("webhookd: a background task exited unexpectedly, shutting down")
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("webhookd: HTTP server exited with error", slog.Any("error", err))
		}
	}

	a.ready.Store(false)

	cancelWork()

	workErr := group.Wait()

	shutdownErr := a.server.Shutdown()

	return errors.Join(workErr, shutdownErr)
}
