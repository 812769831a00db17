package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/correlator-io/webhookd/internal/queue"
	"github.com/correlator-io/webhookd/internal/webhook"
)

type fakePendingStore struct {
	webhook.Store
	ids []string
	err error
}

func (s *fakePendingStore) GetPendingIDs(context.Context, time.Time) ([]string, error) {
	return s.ids, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadEnqueuesAllPendingIDs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakePendingStore{ids: []string{"a", "b", "c"}}
	q := queue.New(10)

	if err := Load(context.Background(), store, q, testLogger()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := q.Size(); got != 3 {
		t.Errorf("Size() = %d, want 3", got)
	}
}

func TestLoadPropagatesStoreError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakePendingStore{err: errors.New("boom")}
	q := queue.New(10)

	if err := Load(context.Background(), store, q, testLogger()); err == nil {
		t.Error("Load() error = nil, want non-nil")
	}
}

func TestScannerReEnqueuesOnTick(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakePendingStore{ids: []string{"x"}}
	q := queue.New(10)

	scanner := NewScanner(store, q, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- scanner.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}

	if got := q.Size(); got == 0 {
		t.Error("Size() = 0, want > 0 after at least one scan tick")
	}
}

func TestScannerSurvivesStoreError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakePendingStore{err: errors.New("boom")}
	q := queue.New(10)

	scanner := NewScanner(store, q, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- scanner.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil (store errors must not kill the loop)", err)
	}
}
