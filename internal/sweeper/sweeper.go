// Package sweeper runs the periodic cleanup task that prunes terminal event
// rows past the retention horizon on a ticker until its context is cancelled.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/correlator-io/webhookd/internal/webhook"
)

// Sweeper periodically deletes completed/failed event rows older than its
// retention horizon.
type Sweeper struct {
	store     webhook.Store
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// New constructs a Sweeper that ticks every interval and deletes rows older
// than retention.
func New(store webhook.Store, interval, retention time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, interval: interval, retention: retention, logger: logger}
}

// Run ticks until ctx is cancelled, deleting expired rows on each tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	deleted, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweeper: delete expired failed", slog.Any("error", err))
		return
	}

	if deleted > 0 {
		s.logger.Info("sweeper: deleted expired events", slog.Int("count", deleted))
	}
}
