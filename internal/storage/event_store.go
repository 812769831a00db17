package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/correlator-io/webhookd/internal/webhook"
)

// uniqueViolationCode is the PostgreSQL error code for unique_violation
// (class 23, integrity_constraint_violation). InsertOrGet uses it to
// distinguish "this is a new event" from "this idempotency key already
// exists" without a separate SELECT-then-INSERT race.
const uniqueViolationCode = "23505"

// Compile-time interface assertion: EventStore implements webhook.Store.
var _ webhook.Store = (*EventStore)(nil)

// EventStore implements webhook.Store with a PostgreSQL backend.
type EventStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEventStore creates a PostgreSQL-backed webhook event store.
func NewEventStore(conn *Connection, logger *slog.Logger) *EventStore {
	return &EventStore{conn: conn, logger: logger}
}

// wrapStoreErr wraps err with ErrEventStoreFailed and op context, logging at
// Error level if the root cause is a lost database connection (a condition
// worth paging on) and at Warn level for an ordinary query failure.
func (s *EventStore) wrapStoreErr(op string, err error) error {
	wrapped := fmt.Errorf("%w: %s: %w", webhook.ErrEventStoreFailed, op, err)

	if isDatabaseConnectionError(err) {
		s.logger.Error("event store: database connection error", slog.String("op", op), slog.Any("error", err))
	} else {
		s.logger.Warn("event store: query failed", slog.String("op", op), slog.Any("error", err))
	}

	return wrapped
}

// queryBuilder returns a squirrel statement builder using Postgres's
// dollar-sign placeholder style, for the store's dynamic multi-clause
// queries (GetPendingIDs, DeleteExpired). The point operations below use
// plain parameterized SQL instead, reserving the builder for genuinely
// dynamic WHERE clauses.
func (s *EventStore) queryBuilder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// InsertOrGet implements webhook.Store.
func (s *EventStore) InsertOrGet(
	ctx context.Context,
	submission webhook.Submission,
) (*webhook.Event, bool, error) {
	id := uuid.NewString()

	const insertQuery = `
		INSERT INTO events (id, idempotency_key, event_type, payload, status, attempts)
		VALUES ($1, $2, $3, $4, 'pending', 0)
		RETURNING id, idempotency_key, event_type, payload, status, attempts,
			last_error, retry_after, created_at, updated_at`

	row := s.conn.QueryRowContext(ctx, insertQuery,
		id, submission.IdempotencyKey, submission.EventType, []byte(submission.Payload))

	event, err := scanEvent(row)
	if err == nil {
		return event, true, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode {
		existing, found, getErr := s.GetByIdempotencyKey(ctx, submission.IdempotencyKey)
		if getErr != nil {
			return nil, false, fmt.Errorf("%w: %w", webhook.ErrIdempotencyCheckFailed, getErr)
		}

		if !found {
			// Row existed at insert time but is gone now (deleted by a racing
			// sweeper run); treat as a storage error, not a silent miss.
			return nil, false, fmt.Errorf(
				"%w: idempotency key %q conflicted but no row found on read-back",
				webhook.ErrIdempotencyCheckFailed, submission.IdempotencyKey,
			)
		}

		return existing, false, nil
	}

	return nil, false, s.wrapStoreErr("insert event", err)
}

// GetByID implements webhook.Store.
func (s *EventStore) GetByID(ctx context.Context, id string) (*webhook.Event, bool, error) {
	const query = `
		SELECT id, idempotency_key, event_type, payload, status, attempts,
			last_error, retry_after, created_at, updated_at
		FROM events WHERE id = $1`

	event, err := scanEvent(s.conn.QueryRowContext(ctx, query, id))

	return s.collapseNotFound(event, err)
}

// GetByIdempotencyKey implements webhook.Store.
func (s *EventStore) GetByIdempotencyKey(
	ctx context.Context,
	key string,
) (*webhook.Event, bool, error) {
	const query = `
		SELECT id, idempotency_key, event_type, payload, status, attempts,
			last_error, retry_after, created_at, updated_at
		FROM events WHERE idempotency_key = $1`

	event, err := scanEvent(s.conn.QueryRowContext(ctx, query, key))

	return s.collapseNotFound(event, err)
}

// collapseNotFound turns sql.ErrNoRows into (nil, false, nil), matching the
// webhook.Store contract that absence is not an error.
func (s *EventStore) collapseNotFound(event *webhook.Event, err error) (*webhook.Event, bool, error) {
	if err == nil {
		return event, true, nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	return nil, false, s.wrapStoreErr("lookup event", err)
}

// MarkProcessing implements webhook.Store. Does not read state first; a
// stale dequeue against a terminal row still succeeds and sets it back to
// processing.
func (s *EventStore) MarkProcessing(ctx context.Context, id string) error {
	const query = `UPDATE events SET status = 'processing', updated_at = now() WHERE id = $1`

	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return s.wrapStoreErr("mark processing", err)
	}

	return nil
}

// MarkCompleted implements webhook.Store.
func (s *EventStore) MarkCompleted(ctx context.Context, id string) error {
	const query = `UPDATE events SET status = 'completed', updated_at = now() WHERE id = $1`

	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return s.wrapStoreErr("mark completed", err)
	}

	return nil
}

// MarkFailed implements webhook.Store. Computes attempts'=attempts+1 inside
// the UPDATE...RETURNING statement, then issues a second statement writing
// either a rescheduled pending row or a terminal failed row depending on
// whether attempts' has reached policy.MaxAttempts.
func (s *EventStore) MarkFailed(
	ctx context.Context,
	id string,
	errMsg string,
	policy webhook.RetryPolicy,
) error {
	const bumpAttempts = `
		UPDATE events SET attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE id = $1
		RETURNING attempts`

	var attempts int
	if err := s.conn.QueryRowContext(ctx, bumpAttempts, id, errMsg).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Stale dequeue against a row deleted by the sweeper: nothing to update.
			return nil
		}

		return s.wrapStoreErr("mark failed (bump attempts)", err)
	}

	if attempts < policy.MaxAttempts {
		retryAfter := time.Now().Add(policy.NextDelay(attempts))

		const reschedule = `
			UPDATE events SET status = 'pending', retry_after = $2, updated_at = now()
			WHERE id = $1`

		if _, err := s.conn.ExecContext(ctx, reschedule, id, retryAfter); err != nil {
			return s.wrapStoreErr("mark failed (reschedule)", err)
		}

		return nil
	}

	const deadLetter = `
		UPDATE events SET status = 'failed', retry_after = NULL, updated_at = now()
		WHERE id = $1`

	if _, err := s.conn.ExecContext(ctx, deadLetter, id); err != nil {
		return s.wrapStoreErr("mark failed (dead letter)", err)
	}

	return nil
}

// GetPendingIDs implements webhook.Store using squirrel for the dynamic
// multi-clause WHERE (status set membership plus an OR over retry_after).
func (s *EventStore) GetPendingIDs(ctx context.Context, asOf time.Time) ([]string, error) {
	query, args, err := s.queryBuilder().
		Select("id").
		From("events").
		Where(squirrel.Eq{"status": []string{string(webhook.StatusPending), string(webhook.StatusProcessing)}}).
		Where(squirrel.Or{
			squirrel.Eq{"retry_after": nil},
			squirrel.LtOrEq{"retry_after": asOf},
		}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: build pending ids query: %w", webhook.ErrEventStoreFailed, err)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapStoreErr("query pending ids", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.wrapStoreErr("scan pending id", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrapStoreErr("iterate pending ids", err)
	}

	return ids, nil
}

// DeleteExpired implements webhook.Store using squirrel for the dynamic
// status-set-membership-plus-cutoff WHERE clause.
func (s *EventStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	query, args, err := s.queryBuilder().
		Delete("events").
		Where(squirrel.Eq{"status": []string{string(webhook.StatusCompleted), string(webhook.StatusFailed)}}).
		Where(squirrel.Lt{"created_at": before}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%w: build delete expired query: %w", webhook.ErrEventStoreFailed, err)
	}

	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.wrapStoreErr("delete expired", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, s.wrapStoreErr("delete expired rows affected", err)
	}

	return int(affected), nil
}

// HealthCheck implements webhook.Store.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// rowScanner abstracts *sql.Row so scanEvent works for both QueryRowContext
// call sites without duplicating the column list.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*webhook.Event, error) {
	var (
		event      webhook.Event
		payload    []byte
		lastError  sql.NullString
		retryAfter sql.NullTime
	)

	err := row.Scan(
		&event.ID, &event.IdempotencyKey, &event.EventType, &payload, &event.Status,
		&event.Attempts, &lastError, &retryAfter, &event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Payload = json.RawMessage(payload)
	event.LastError = lastError.String

	if retryAfter.Valid {
		event.RetryAfter = &retryAfter.Time
	}

	return &event, nil
}

// isDatabaseConnectionError reports whether err indicates the database
// connection itself is unavailable, as opposed to an ordinary query error.
// Used for logging severity, not control flow: the store always returns a
// wrapped error either way.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Class 08 = Connection Exception (08000, 08003, 08006, 08001, 08004, ...).
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
