package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/correlator-io/webhookd/internal/metrics"
	"github.com/correlator-io/webhookd/internal/queue"
	"github.com/correlator-io/webhookd/internal/webhook"
)

type fakeStore struct {
	mu     sync.Mutex
	events map[string]*webhook.Event

	markProcessingCalls []string
	markCompletedCalls  []string
	markFailedCalls     []string
}

func newFakeStore(events ...*webhook.Event) *fakeStore {
	s := &fakeStore{events: make(map[string]*webhook.Event)}
	for _, e := range events {
		s.events[e.ID] = e
	}

	return s
}

func (s *fakeStore) InsertOrGet(context.Context, webhook.Submission) (*webhook.Event, bool, error) {
	return nil, false, errors.New("not implemented")
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*webhook.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, found := s.events[id]

	return event, found, nil
}

func (s *fakeStore) GetByIdempotencyKey(context.Context, string) (*webhook.Event, bool, error) {
	return nil, false, errors.New("not implemented")
}

func (s *fakeStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markProcessingCalls = append(s.markProcessingCalls, id)
	s.events[id].Status = webhook.StatusProcessing

	return nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markCompletedCalls = append(s.markCompletedCalls, id)
	s.events[id].Status = webhook.StatusCompleted

	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id string, errMsg string, policy webhook.RetryPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markFailedCalls = append(s.markFailedCalls, id)

	event := s.events[id]
	event.Attempts++
	event.LastError = errMsg

	if event.Attempts >= policy.MaxAttempts {
		event.Status = webhook.StatusFailed
	} else {
		event.Status = webhook.StatusPending
	}

	return nil
}

func (s *fakeStore) GetPendingIDs(context.Context, time.Time) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, errors.New("not implemented")
}

func (s *fakeStore) HealthCheck(context.Context) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolProcessEventSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	event := &webhook.Event{ID: "id-1", Status: webhook.StatusPending}
	store := newFakeStore(event)
	q := queue.New(10)
	m := metrics.New()
	policy := webhook.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	processed := make(chan struct{})
	pool := New(store, q, m, policy, 1, testLogger(), WithProcessFunc(func(context.Context, *webhook.Event) error {
		close(processed)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- pool.Run(ctx) }()

	q.Put("id-1")

	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("process func was not invoked")
	}

	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}

	if event.Status != webhook.StatusCompleted {
		t.Errorf("event status = %v, want completed", event.Status)
	}
}

func TestPoolProcessEventFailureReschedules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	event := &webhook.Event{ID: "id-1", Status: webhook.StatusPending, Attempts: 0}
	store := newFakeStore(event)
	q := queue.New(10)
	m := metrics.New()
	policy := webhook.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	processed := make(chan struct{})
	pool := New(store, q, m, policy, 1, testLogger(), WithProcessFunc(func(context.Context, *webhook.Event) error {
		defer close(processed)
		return errors.New("boom")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- pool.Run(ctx) }()

	q.Put("id-1")

	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("process func was not invoked")
	}

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if event.Status != webhook.StatusPending {
		t.Errorf("event status = %v, want pending (rescheduled)", event.Status)
	}

	if event.Attempts != 1 {
		t.Errorf("event attempts = %d, want 1", event.Attempts)
	}
}

func TestPoolProcessEventDeadLetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	event := &webhook.Event{ID: "id-1", Status: webhook.StatusPending, Attempts: 4}
	store := newFakeStore(event)
	q := queue.New(10)
	m := metrics.New()
	policy := webhook.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	processed := make(chan struct{})
	pool := New(store, q, m, policy, 1, testLogger(), WithProcessFunc(func(context.Context, *webhook.Event) error {
		defer close(processed)
		return errors.New("boom")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- pool.Run(ctx) }()

	q.Put("id-1")

	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("process func was not invoked")
	}

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if event.Status != webhook.StatusFailed {
		t.Errorf("event status = %v, want failed (dead-lettered)", event.Status)
	}
}

func TestPoolProcessEventCommitsAfterCancelMidProcessing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	event := &webhook.Event{ID: "id-1", Status: webhook.StatusPending, Attempts: 0}
	store := newFakeStore(event)
	q := queue.New(10)
	m := metrics.New()
	policy := webhook.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	processing := make(chan struct{})
	pool := New(store, q, m, policy, 1, testLogger(), WithProcessFunc(func(ctx context.Context, _ *webhook.Event) error {
		close(processing)
		<-ctx.Done()

		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- pool.Run(ctx) }()

	q.Put("id-1")

	select {
	case <-processing:
	case <-time.After(time.Second):
		t.Fatal("process func was not invoked")
	}

	// Cancel while the process func is still blocked on ctx.Done(). The
	// subsequent MarkFailed commit must still land, since it uses a
	// detached context rather than the one just cancelled.
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}

	if event.Status == webhook.StatusProcessing {
		t.Fatal("event stuck in processing after shutdown cancelled mid-process")
	}

	if event.Status != webhook.StatusPending {
		t.Errorf("event status = %v, want pending (rescheduled)", event.Status)
	}

	if event.Attempts != 1 {
		t.Errorf("event attempts = %d, want 1", event.Attempts)
	}
}

func TestPoolStaleDequeueIsNoOp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore() // no events: id is already gone
	q := queue.New(10)
	m := metrics.New()
	policy := webhook.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	called := make(chan struct{}, 1)
	pool := New(store, q, m, policy, 1, testLogger(), WithProcessFunc(func(context.Context, *webhook.Event) error {
		called <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- pool.Run(ctx) }()

	q.Put("ghost")

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	select {
	case <-called:
		t.Error("process func was invoked for a nonexistent event")
	default:
	}
}
