// Package middleware provides HTTP middleware components for the webhook receiver.
package middleware

import (
	"time"

	"github.com/correlator-io/webhookd/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for two tiers:
//   - Global: Applied to all requests
//   - Per-IP: Applied per remote address, since producers are unauthenticated
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 100
	PerIPRPS  int // Default: 10

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate) using computeBurstCapacity()
	GlobalBurst int // Default: 0 (computed as 2 × GlobalRPS = 200)
	PerIPBurst  int // Default: 0 (computed as 2 × PerIPRPS = 20)

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 10,000
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst)
// Default cleanup: every 5 minutes, removes clients idle >1 hour
// Default max clients: 10,000 (prevents unbounded memory growth).
func LoadConfig() *Config {
	return &Config{
		// Rate limits
		GlobalRPS: config.GetEnvInt("WEBHOOK_GLOBAL_RPS", defaultGlobalRPS),
		PerIPRPS:  config.GetEnvInt("WEBHOOK_PER_IP_RPS", defaultPerIPRPS),

		// Burst overrides (0 = auto-compute)
		GlobalBurst: config.GetEnvInt("WEBHOOK_GLOBAL_BURST", 0),
		PerIPBurst:  config.GetEnvInt("WEBHOOK_PER_IP_BURST", 0),

		// Cleanup configuration
		CleanupInterval: config.GetEnvDuration(
			"WEBHOOK_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("WEBHOOK_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("WEBHOOK_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
