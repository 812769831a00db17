// Package api provides the HTTP surface for the webhook receiver.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/correlator-io/webhookd/internal/api/middleware"
	"github.com/correlator-io/webhookd/internal/metrics"
	"github.com/correlator-io/webhookd/internal/queue"
	"github.com/correlator-io/webhookd/internal/webhook"
)

// Server represents the HTTP API server. It owns the HTTP listener and the
// handlers that read/write through the shared webhook.Store and admission
// queue; it does not own the worker pool, sweeper, or recovery tasks — those
// are started and stopped by internal/app alongside this server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	store       webhook.Store
	queue       *queue.Queue
	metrics     *metrics.Metrics
	rateLimiter middleware.RateLimiter
	ready       func() bool
	startTime   time.Time
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig.
// This follows the dependency injection pattern where configuration (what) is
// separated from dependencies (how).
//
// Parameters:
//   - cfg: Pure server configuration (ports, timeouts, CORS settings)
//   - store: webhook event store (REQUIRED - panics if nil)
//   - q: admission queue the intake handler enqueues new events onto (REQUIRED - panics if nil)
//   - m: metrics bound to this instance's own Prometheus registry (nil disables /metrics and emission)
//   - rateLimiter: Rate limiter implementation (nil disables rate limiting)
//   - ready: reports whether the service has completed startup (used by GET /ready)
//   - logger: structured logger shared with the rest of the service
func NewServer(
	cfg *ServerConfig,
	store webhook.Store,
	q *queue.Queue,
	m *metrics.Metrics,
	rateLimiter middleware.RateLimiter,
	ready func() bool,
	logger *slog.Logger,
) *Server {
	if store == nil || q == nil {
		logger.Error("webhook store and admission queue are required - cannot start server without core functionality")
		panic("webhookd: store and queue cannot be nil - this indicates a configuration error")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		store:       store,
		queue:       q,
		metrics:     m,
		rateLimiter: rateLimiter,
		ready:       ready,
	}

	server.routes(mux)

	if rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RateLimit - block requests before expensive operations (optional)
	//   4. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   5. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Serve starts accepting HTTP connections and blocks until the context is
// cancelled or the server fails to start. It does not itself install signal
// handlers or own shutdown ordering: on ctx.Done() it simply returns nil
// without calling Shutdown. internal/app's lifecycle orchestrator owns
// Shutdown exclusively, since it must also coordinate the worker pool,
// sweeper, and re-enqueue scan alongside this server, and a second call to
// Shutdown here would race the orchestrator's own call and double-close
// dependencies like the rate limiter.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting webhook receiver HTTP server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully shuts down the HTTP server using the configured
// shutdown timeout. It does not close the store or queue: the worker pool
// closes the queue when its context is cancelled, and cmd/webhookd closes the
// store after app.Run returns.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down HTTP server", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependency("rate limiter", s.rateLimiter)

	s.logger.Info("HTTP server shutdown completed")

	return nil
}

// closeDependency attempts to close a server dependency that implements io.Closer
// or has a Close method without a return value.
// Logs the operation and its result. Errors are logged but don't stop shutdown (best-effort).
func (s *Server) closeDependency(name string, dep interface{}) {
	if dep == nil {
		return
	}

	if plain, ok := dep.(interface{ Close() }); ok {
		s.logger.Info("closing " + name)
		plain.Close()

		return
	}

	closer, ok := dep.(io.Closer)
	if !ok {
		return
	}

	s.logger.Info("closing " + name)

	if err := closer.Close(); err != nil {
		s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

		return
	}
}
