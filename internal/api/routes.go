// Package api provides the HTTP surface for the webhook receiver.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/correlator-io/webhookd/internal/api/middleware"
	"github.com/correlator-io/webhookd/internal/metrics"
	"github.com/correlator-io/webhookd/internal/webhook"
)

const healthCheckTimeout = 2 * time.Second

type (
	// webhookRequest is the wire shape accepted by POST /webhooks.
	webhookRequest struct {
		IdempotencyKey string          `json:"idempotency_key"` //nolint: tagliatelle
		EventType      string          `json:"event_type"`      //nolint: tagliatelle
		Payload        json.RawMessage `json:"payload"`
	}

	// intakeView is the wire shape returned by POST /webhooks: id,
	// idempotency_key, status, and created_at only — no updated_at, since
	// intake never reports on a processing outcome.
	intakeView struct {
		ID             string    `json:"id"`
		IdempotencyKey string    `json:"idempotency_key"` //nolint: tagliatelle
		Status         string    `json:"status"`
		CreatedAt      time.Time `json:"created_at"` //nolint: tagliatelle
	}

	// eventView is the wire shape returned by the query handlers.
	eventView struct {
		ID             string    `json:"id"`
		IdempotencyKey string    `json:"idempotency_key"` //nolint: tagliatelle
		Status         string    `json:"status"`
		CreatedAt      time.Time `json:"created_at"` //nolint: tagliatelle
		UpdatedAt      time.Time `json:"updated_at"` //nolint: tagliatelle
	}

	statusResponse struct {
		Status string `json:"status"`
	}
)

// routes registers all HTTP routes on mux.
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks", s.handleIntake)
	mux.HandleFunc("GET /webhooks/{id}", s.handleGetByID)
	mux.HandleFunc("GET /webhooks", s.handleGetByIdempotencyKey)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// handleIntake implements the webhook submission contract: idempotent
// insert, admission-queue enqueue or reject, and the accepted/duplicate/
// rejected metrics split.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		WriteErrorResponse(w, r, s.logger, RequestTooLarge(
			fmt.Sprintf("request body exceeds maximum size of %d bytes", s.config.MaxRequestSize)))

		return
	}

	var req webhookRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid JSON: "+err.Error()))

		return
	}

	submission := webhook.Submission{
		IdempotencyKey: req.IdempotencyKey,
		EventType:      req.EventType,
		Payload:        req.Payload,
	}

	if err := submission.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	event, isNew, err := s.store.InsertOrGet(r.Context(), submission)
	if err != nil {
		s.logger.Error("intake: insert or get failed", slog.String("correlation_id", correlationID), slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to persist webhook event"))

		return
	}

	if !isNew {
		if s.metrics != nil {
			s.metrics.EventsTotal.WithLabelValues(metrics.ResultDuplicate).Inc()
		}

		writeJSON(w, s.logger, http.StatusOK, toIntakeView(event))

		return
	}

	if s.queue.Full() {
		if s.metrics != nil {
			s.metrics.EventsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		}

		WriteErrorResponse(w, r, s.logger, QueueFull("admission queue is at capacity; the event remains durable and will be retried"))

		return
	}

	s.queue.Put(event.ID)

	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(metrics.ResultAccepted).Inc()
		s.metrics.QueueDepth.Set(float64(s.queue.Size()))
	}

	writeJSON(w, s.logger, http.StatusAccepted, toIntakeView(event))
}

// handleGetByID implements GET /webhooks/{id}.
func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	event, found, err := s.store.GetByID(r.Context(), id)
	s.respondEventLookup(w, r, event, found, err)
}

// handleGetByIdempotencyKey implements GET /webhooks?idempotency_key=.
func (s *Server) handleGetByIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("idempotency_key")
	if key == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("idempotency_key query parameter is required"))

		return
	}

	event, found, err := s.store.GetByIdempotencyKey(r.Context(), key)
	s.respondEventLookup(w, r, event, found, err)
}

func (s *Server) respondEventLookup(w http.ResponseWriter, r *http.Request, event *webhook.Event, found bool, err error) {
	if err != nil {
		s.logger.Error("query: lookup failed", slog.Any("error", err))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to look up webhook event"))

		return
	}

	if !found {
		WriteErrorResponse(w, r, s.logger, NotFound("no such webhook event"))

		return
	}

	writeJSON(w, s.logger, http.StatusOK, toEventView(event))
}

// handleHealth always reports ok: the process is up, independent of readiness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, statusResponse{Status: "ok"})
}

// handleReady reports ok only once the lifecycle has finished startup, and
// verifies the store is still reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		writeJSON(w, s.logger, http.StatusServiceUnavailable, statusResponse{Status: "not ready"})

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness: store health check failed", slog.Any("error", err))
		writeJSON(w, s.logger, http.StatusServiceUnavailable, statusResponse{Status: "not ready"})

		return
	}

	writeJSON(w, s.logger, http.StatusOK, statusResponse{Status: "ok"})
}

func toIntakeView(event *webhook.Event) intakeView {
	return intakeView{
		ID:             event.ID,
		IdempotencyKey: event.IdempotencyKey,
		Status:         string(event.Status),
		CreatedAt:      event.CreatedAt,
	}
}

func toEventView(event *webhook.Event) eventView {
	return eventView{
		ID:             event.ID,
		IdempotencyKey: event.IdempotencyKey,
		Status:         string(event.Status),
		CreatedAt:      event.CreatedAt,
		UpdatedAt:      event.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response body", slog.Any("error", err))
	}
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
func hasJSONContentType(contentType string) bool {
	const jsonPrefix = "application/json"

	return len(contentType) >= len(jsonPrefix) && contentType[:len(jsonPrefix)] == jsonPrefix
}
