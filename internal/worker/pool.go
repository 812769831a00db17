// Package worker runs the fixed-size pool that drains the admission queue,
// executes the processing action against each event, and applies the
// retry/backoff state machine.
package worker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/correlator-io/webhookd/internal/metrics"
	"github.com/correlator-io/webhookd/internal/queue"
	"github.com/correlator-io/webhookd/internal/webhook"
)

// ProcessFunc executes the actual processing work for an event. The default
// implementation (DefaultProcessFunc) simulates a transient workload; a
// caller-supplied implementation replaces it without any change to the pool.
type ProcessFunc func(ctx context.Context, event *webhook.Event) error

// DefaultProcessFunc simulates a transient workload with a uniformly
// distributed delay in [2s, 5s), matching the distilled receiver's reference
// handler.
func DefaultProcessFunc(ctx context.Context, _ *webhook.Event) error {
	delay := 2*time.Second + time.Duration(rand.Float64()*3*float64(time.Second))

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool is a fixed-size group of workers draining a queue.Queue, run under an
// errgroup and awaited together through Wait. A worker returns only once the
// queue is closed, and never with an error.
type Pool struct {
	store   webhook.Store
	queue   *queue.Queue
	metrics *metrics.Metrics
	policy  webhook.RetryPolicy
	process ProcessFunc
	count   int
	logger  *slog.Logger
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithProcessFunc overrides the default processing action.
func WithProcessFunc(fn ProcessFunc) Option {
	return func(p *Pool) { p.process = fn }
}

// New constructs a Pool of count workers.
func New(
	store webhook.Store,
	q *queue.Queue,
	m *metrics.Metrics,
	policy webhook.RetryPolicy,
	count int,
	logger *slog.Logger,
	opts ...Option,
) *Pool {
	p := &Pool{
		store:   store,
		queue:   q,
		metrics: m,
		policy:  policy,
		process: DefaultProcessFunc,
		count:   count,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run starts all workers and blocks until ctx is cancelled and every worker
// has exited, closing the queue first so blocked Get calls wake up. The
// returned error is the first non-nil error any worker returned (errgroup
// semantics); a cancelled context is not itself reported as an error by the
// individual worker loops, so under normal shutdown Run returns nil.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	go func() {
		<-groupCtx.Done()
		p.queue.Close()
	}()

	for i := 0; i < p.count; i++ {
		group.Go(func() error {
			p.runWorker(groupCtx)
			return nil
		})
	}

	return group.Wait()
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		id, ok := p.queue.Get()
		if !ok {
			return
		}

		p.metrics.QueueDepth.Set(float64(p.queue.Size()))
		p.processEvent(ctx, id)
	}
}

// processEvent implements the ProcessEvent sequencing: mark processing, run
// the processing action, mark completed or failed, always observing the
// duration histogram.
//
// The terminal state transition must commit even if ctx is cancelled mid-
// processing (a shutdown in progress): only the dequeue loop and the
// processing action itself are allowed to observe cancellation. Every store
// write uses commitCtx, a detached copy of ctx via context.WithoutCancel,
// so a worker that's mid-commit when shutdown begins still finishes marking
// the row completed/failed/pending rather than leaving it stuck in
// processing forever.
func (p *Pool) processEvent(ctx context.Context, id string) {
	commitCtx := context.WithoutCancel(ctx)

	event, found, err := p.store.GetByID(commitCtx, id)
	if err != nil || !found {
		// Stale dequeue: the row is gone (already swept) or unreadable. Either
		// way there is nothing left to process.
		if err != nil {
			p.logger.Error("worker: lookup before processing failed", slog.String("event_id", id), slog.Any("error", err))
		}

		return
	}

	if err := p.store.MarkProcessing(commitCtx, id); err != nil {
		p.logger.Error("worker: mark processing failed", slog.String("event_id", id), slog.Any("error", err))
		return
	}

	start := time.Now()
	processErr := p.process(ctx, event)
	p.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())

	if processErr == nil {
		if err := p.store.MarkCompleted(commitCtx, id); err != nil {
			p.logger.Error("worker: mark completed failed", slog.String("event_id", id), slog.Any("error", err))
		}

		p.logger.Info("worker: completed event", slog.String("event_id", id))

		return
	}

	p.metrics.ProcessingErrorsTotal.Inc()

	if err := p.store.MarkFailed(commitCtx, id, processErr.Error(), p.policy); err != nil {
		p.logger.Error("worker: mark failed failed", slog.String("event_id", id), slog.Any("error", err))
		return
	}

	updated, found, err := p.store.GetByID(commitCtx, id)
	if err != nil || !found {
		return
	}

	if updated.Status == webhook.StatusFailed {
		p.logger.Error("worker: dead-lettered event", slog.String("event_id", id), slog.Any("error", processErr))
	} else {
		p.logger.Info("worker: retry scheduled",
			slog.String("event_id", id), slog.Int("attempts", updated.Attempts), slog.Any("error", processErr))
	}
}
