package webhook

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSubmissionValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		sub     Submission
		wantErr error
	}{
		{
			name: "valid submission",
			sub: Submission{
				IdempotencyKey: "evt-001",
				EventType:      "order.created",
				Payload:        json.RawMessage(`{"order_id":"ORD-1234"}`),
			},
			wantErr: nil,
		},
		{
			name: "missing idempotency key",
			sub: Submission{
				EventType: "order.created",
				Payload:   json.RawMessage(`{}`),
			},
			wantErr: ErrMissingIdempotencyKey,
		},
		{
			name: "missing event type",
			sub: Submission{
				IdempotencyKey: "evt-001",
				Payload:        json.RawMessage(`{}`),
			},
			wantErr: ErrMissingEventType,
		},
		{
			name: "missing payload",
			sub: Submission{
				IdempotencyKey: "evt-001",
				EventType:      "order.created",
			},
			wantErr: ErrMissingPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sub.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
