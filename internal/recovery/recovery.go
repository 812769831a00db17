// Package recovery re-admits persisted non-terminal events to the admission
// queue: once at startup (Load) and on a periodic tick thereafter (Scanner),
// closing the retry-visibility gap a steady-state pending row would
// otherwise only get past on the next restart.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/correlator-io/webhookd/internal/queue"
	"github.com/correlator-io/webhookd/internal/webhook"
)

// Load runs once during startup: it re-enqueues every id returned by
// GetPendingIDs, in order. Because queue.Put has no hard cap, the queue may
// temporarily exceed its configured soft capacity; that's expected.
func Load(ctx context.Context, store webhook.Store, q *queue.Queue, logger *slog.Logger) error {
	ids, err := store.GetPendingIDs(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, id := range ids {
		q.Put(id)
	}

	if len(ids) > 0 {
		logger.Info("recovery: re-enqueued pending events at startup", slog.Int("count", len(ids)))
	}

	return nil
}

// Scanner periodically re-admits pending rows whose retry_after has
// elapsed. It calls the same GetPendingIDs query the startup loader uses, so
// a row already in the queue or already picked up by a worker is simply
// re-offered — a deliberate, documented idempotency with Load.
type Scanner struct {
	store    webhook.Store
	queue    *queue.Queue
	interval time.Duration
	logger   *slog.Logger
}

// NewScanner constructs a Scanner that ticks every interval.
func NewScanner(store webhook.Store, q *queue.Queue, interval time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{store: store, queue: q, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	ids, err := s.store.GetPendingIDs(ctx, time.Now())
	if err != nil {
		s.logger.Error("recovery: re-enqueue scan failed", slog.Any("error", err))
		return
	}

	for _, id := range ids {
		s.queue.Put(id)
	}
}
