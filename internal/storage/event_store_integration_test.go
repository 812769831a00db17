package storage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/correlator-io/webhookd/internal/config"
	"github.com/correlator-io/webhookd/internal/webhook"
)

// TestEventStoreIntegration runs EventStore against a real PostgreSQL
// instance, exercising the squirrel-built dynamic WHERE clauses in
// GetPendingIDs and DeleteExpired that sqlmock can only pattern-match, not
// actually execute.
func TestEventStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{testDB.Connection}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewEventStore(conn, logger)

	t.Run("InsertOrGet is idempotent on the same key", func(t *testing.T) {
		submission := webhook.Submission{
			IdempotencyKey: "integration-key-1",
			EventType:      "order.created",
			Payload:        json.RawMessage(`{"order_id": 1}`),
		}

		first, isNew, err := store.InsertOrGet(ctx, submission)
		require.NoError(t, err)
		require.True(t, isNew)
		require.Equal(t, webhook.StatusPending, first.Status)

		second, isNew, err := store.InsertOrGet(ctx, submission)
		require.NoError(t, err)
		require.False(t, isNew)
		require.Equal(t, first.ID, second.ID)
	})

	t.Run("GetPendingIDs returns pending rows without retry_after and skips future retry_after", func(t *testing.T) {
		ready, _, err := store.InsertOrGet(ctx, webhook.Submission{
			IdempotencyKey: "integration-key-ready",
			EventType:      "order.created",
			Payload:        json.RawMessage(`{}`),
		})
		require.NoError(t, err)

		notYet, _, err := store.InsertOrGet(ctx, webhook.Submission{
			IdempotencyKey: "integration-key-not-yet",
			EventType:      "order.created",
			Payload:        json.RawMessage(`{}`),
		})
		require.NoError(t, err)

		policy := webhook.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		require.NoError(t, store.MarkFailed(ctx, notYet.ID, "boom", policy))

		asOf := time.Now()

		ids, err := store.GetPendingIDs(ctx, asOf)
		require.NoError(t, err)
		require.Contains(t, ids, ready.ID)
		require.NotContains(t, ids, notYet.ID)
	})

	t.Run("DeleteExpired removes only terminal rows past the cutoff", func(t *testing.T) {
		completed, _, err := store.InsertOrGet(ctx, webhook.Submission{
			IdempotencyKey: "integration-key-completed",
			EventType:      "order.created",
			Payload:        json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		require.NoError(t, store.MarkCompleted(ctx, completed.ID))

		stillPending, _, err := store.InsertOrGet(ctx, webhook.Submission{
			IdempotencyKey: "integration-key-still-pending",
			EventType:      "order.created",
			Payload:        json.RawMessage(`{}`),
		})
		require.NoError(t, err)

		cutoff := time.Now().Add(time.Minute)

		deleted, err := store.DeleteExpired(ctx, cutoff)
		require.NoError(t, err)
		require.GreaterOrEqual(t, deleted, 1)

		_, found, err := store.GetByID(ctx, completed.ID)
		require.NoError(t, err)
		require.False(t, found, "completed row past the cutoff should have been deleted")

		_, found, err = store.GetByID(ctx, stillPending.ID)
		require.NoError(t, err)
		require.True(t, found, "pending row must survive DeleteExpired regardless of age")
	})
}
