package webhook

import "errors"

// Validation errors for a Submission, surfaced by the intake handler as 400
// Bad Request.
var (
	ErrMissingIdempotencyKey = errors.New("webhook: idempotency_key is required")
	ErrMissingEventType      = errors.New("webhook: event_type is required")
	ErrMissingPayload        = errors.New("webhook: payload is required")
)

// Validate checks that a Submission carries the fields the store requires.
// Payload may be any JSON value (object, array, or scalar); only its absence
// is rejected.
func (s Submission) Validate() error {
	if s.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}

	if s.EventType == "" {
		return ErrMissingEventType
	}

	if len(s.Payload) == 0 {
		return ErrMissingPayload
	}

	return nil
}
