package webhook

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors wrapped by Store implementations via fmt.Errorf("%w: ...",
// ...) so callers can errors.Is/errors.As regardless of the underlying driver.
var (
	// ErrEventStoreFailed wraps any storage I/O error not otherwise classified.
	ErrEventStoreFailed = errors.New("webhook: event store operation failed")

	// ErrIdempotencyCheckFailed wraps a failure that occurred while resolving
	// an idempotency conflict (the read-back half of InsertOrGet).
	ErrIdempotencyCheckFailed = errors.New("webhook: idempotency check failed")
)

// Store defines the persistence contract the domain needs for webhook
// events, without depending on a concrete database. This follows the same
// architectural pattern as this codebase's other domain-defined store
// interfaces: the domain package states what it needs, and internal/storage
// provides the Postgres implementation.
//
// Implementations must support:
//   - Idempotency: a second InsertOrGet sharing an IdempotencyKey returns the
//     existing row, never a new one.
//   - Blind writes: MarkProcessing/MarkCompleted do not read state first: a
//     stale dequeue (see the re-enqueue scan docs in internal/recovery) still
//     succeeds and overwrites a terminal status, the accepted at-least-once
//     cost.
//   - Backoff math: MarkFailed increments attempts atomically against the
//     row's current attempts, not a value read in a separate round-trip, and
//     derives the pending/failed outcome and retry_after from the returned
//     count in a second write.
type Store interface {
	// InsertOrGet persists a new event for submission, or returns the
	// existing row if one with the same IdempotencyKey already exists.
	// isNew is true only when this call created the row.
	InsertOrGet(ctx context.Context, submission Submission) (event *Event, isNew bool, err error)

	// GetByID looks up an event by its opaque id. found is false (not an
	// error) when no such row exists.
	GetByID(ctx context.Context, id string) (event *Event, found bool, err error)

	// GetByIdempotencyKey looks up an event by its caller-supplied key.
	// found is false (not an error) when no such row exists.
	GetByIdempotencyKey(ctx context.Context, key string) (event *Event, found bool, err error)

	// MarkProcessing transitions an event to processing. Does not read
	// state first; a stale dequeue still succeeds, setting a terminal row
	// back to processing.
	MarkProcessing(ctx context.Context, id string) error

	// MarkCompleted transitions an event to the terminal completed state.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed records a processing failure. It increments attempts
	// atomically and, per policy, either reschedules the event as pending
	// with a computed retry_after or dead-letters it as failed once
	// attempts reaches policy.MaxAttempts.
	MarkFailed(ctx context.Context, id string, errMsg string, policy RetryPolicy) error

	// GetPendingIDs returns, ordered by created_at ascending, the ids of all
	// rows with status in {pending, processing} whose retry_after is unset
	// or has elapsed as of asOf. Used by the recovery loader at startup and
	// by the periodic re-enqueue scan.
	GetPendingIDs(ctx context.Context, asOf time.Time) ([]string, error)

	// DeleteExpired deletes all terminal rows (completed or failed) created
	// before the given cutoff, returning the number removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)

	// HealthCheck verifies the storage backend is reachable, used by the
	// readiness HTTP handler.
	HealthCheck(ctx context.Context) error
}
