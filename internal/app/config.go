// Package app wires the webhook receiver's components together and owns
// their startup and shutdown ordering: it is the concrete analogue of the
// teacher lineage's inlined Start/shutdown methods on api.Server, pulled out
// into its own package because this service's lifecycle owns more than an
// HTTP listener — the admission queue, worker pool, sweeper, and re-enqueue
// scan all start and stop alongside it.
package app

import (
	"time"

	"github.com/correlator-io/webhookd/internal/config"
	"github.com/correlator-io/webhookd/internal/webhook"
)

const (
	defaultWorkerCount       = 85
	defaultQueueMaxSize      = 1000
	defaultMaxAttempts       = 5
	defaultRetryBaseDelay    = 5 * time.Second
	defaultRetryMaxDelay     = 300 * time.Second
	defaultRetention         = 720 * time.Hour
	defaultCleanupInterval   = time.Hour
	defaultReenqueueInterval = time.Second
)

// Config holds the lifecycle-level configuration not already owned by
// api.ServerConfig, storage.Config, or middleware.Config: worker pool sizing,
// retry policy, and the sweeper/re-enqueue scan intervals.
type Config struct {
	WorkerCount       int
	QueueMaxSize      int
	RetryPolicy       webhook.RetryPolicy
	Retention         time.Duration
	CleanupInterval   time.Duration
	ReenqueueInterval time.Duration
}

// LoadConfig loads lifecycle configuration from environment variables with
// sensible defaults.
func LoadConfig() Config {
	return Config{
		WorkerCount:  config.GetEnvInt("WEBHOOK_WORKER_COUNT", defaultWorkerCount),
		QueueMaxSize: config.GetEnvInt("WEBHOOK_QUEUE_MAXSIZE", defaultQueueMaxSize),
		RetryPolicy: webhook.RetryPolicy{
			MaxAttempts: config.GetEnvInt("WEBHOOK_MAX_ATTEMPTS", defaultMaxAttempts),
			BaseDelay:   config.GetEnvDuration("WEBHOOK_RETRY_BASE_DELAY", defaultRetryBaseDelay),
			MaxDelay:    config.GetEnvDuration("WEBHOOK_RETRY_MAX_DELAY", defaultRetryMaxDelay),
		},
		Retention:         config.GetEnvDuration("WEBHOOK_RETENTION", defaultRetention),
		CleanupInterval:   config.GetEnvDuration("WEBHOOK_CLEANUP_INTERVAL", defaultCleanupInterval),
		ReenqueueInterval: config.GetEnvDuration("WEBHOOK_REENQUEUE_INTERVAL", defaultReenqueueInterval),
	}
}
