// Package api exposes the HTTP ingress: event submission, notification
// lookups, the analytics read surface, and realtime stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesahub/mesa/internal/notify"
	"github.com/mesahub/mesa/internal/realtime"
)

// NotificationQueue is the slice of the notification queue the API uses.
type NotificationQueue interface {
	QueueFromEvent(ctx context.Context, eventKind string, payload json.RawMessage, targetType, targetID string) (*notify.Notification, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, toStatus string, metadata json.RawMessage) (*notify.Notification, error)
	Metrics() notify.Metrics
}

// NotificationReader serves the lookup and analytics queries.
type NotificationReader interface {
	Get(ctx context.Context, id uuid.UUID) (*notify.Notification, error)
	History(ctx context.Context, id uuid.UUID) ([]notify.StatusHistory, error)
	TransitionMetrics(ctx context.Context, from, to time.Time) ([]notify.TransitionMetric, error)
	SuccessRates(ctx context.Context) ([]notify.SuccessRate, error)
}

// ConnectionStats reports live connection breakdowns.
type ConnectionStats interface {
	Stats() realtime.Stats
}

// EventRequest is the body of POST /v1/events.
type EventRequest struct {
	EventKind  string          `json:"event_kind"`
	Payload    json.RawMessage `json:"payload"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	queue  NotificationQueue
	reader NotificationReader
	stats  ConnectionStats
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, queue NotificationQueue, reader NotificationReader, stats ConnectionStats) *Handler {
	return &Handler{
		logger: logger,
		queue:  queue,
		reader: reader,
		stats:  stats,
	}
}

// Routes mounts the API endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.SubmitEvent)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Get("/notifications/{id}/history", h.GetNotificationHistory)
	r.Patch("/notifications/{id}/status", h.UpdateNotificationStatus)
	r.Get("/analytics/transitions", h.GetTransitionMetrics)
	r.Get("/analytics/success-rates", h.GetSuccessRates)
	r.Get("/realtime/stats", h.GetRealtimeStats)
}

// SubmitEvent handles POST /v1/events: business collaborators submit a
// state-change event that becomes a durable notification.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.EventKind == "" || req.TargetType == "" || req.TargetID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"event_kind, target_type, and target_id are required")
		return
	}

	n, err := h.queue.QueueFromEvent(ctx, req.EventKind, req.Payload, req.TargetType, req.TargetID)
	if err != nil {
		switch {
		case errors.Is(err, notify.ErrValidation), errors.Is(err, notify.ErrUnknownEventKind):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", err.Error())
		case errors.Is(err, notify.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests", err.Error())
		default:
			h.logger.Error("failed to queue event",
				zap.Error(err),
				zap.String("event_kind", req.EventKind),
			)
			h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to queue event", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     n.ID.String(),
		"type":   n.Type,
		"status": n.Status,
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	n, err := h.reader.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, notify.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, n)
}

// GetNotificationHistory handles GET /v1/notifications/{id}/history
func (h *Handler) GetNotificationHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	history, err := h.reader.History(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get history", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get history", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"notification_id": id.String(),
		"history":         history,
		"count":           len(history),
	})
}

// UpdateNotificationStatus handles PATCH /v1/notifications/{id}/status:
// an operator-initiated override recorded as a manual_update transition.
func (h *Handler) UpdateNotificationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status   string          `json:"status"`
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	// Manual updates fail a stuck row or re-arm it for another pass.
	// "delivered" is reserved for the delivery path, which stamps
	// delivered_at.
	validStatuses := map[string]bool{
		notify.StatusPending: true,
		notify.StatusFailed:  true,
	}
	if !validStatuses[req.Status] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, failed")
		return
	}

	n, err := h.queue.UpdateStatus(r.Context(), id, req.Status, req.Metadata)
	if err != nil {
		if errors.Is(err, notify.ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to update status", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification", "")
		return
	}

	h.logger.Info("notification status updated manually",
		zap.String("id", id.String()),
		zap.String("status", req.Status),
	)

	h.writeJSON(w, http.StatusOK, n)
}

// GetTransitionMetrics handles GET /v1/analytics/transitions?from=&to=
// with RFC 3339 bounds, defaulting to the last 24 hours.
func (h *Handler) GetTransitionMetrics(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be RFC 3339")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be RFC 3339")
			return
		}
		to = t
	}

	rows, err := h.reader.TransitionMetrics(r.Context(), from, to)
	if err != nil {
		h.logger.Error("failed to query transition metrics", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to query transitions", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"from": from,
		"to":   to,
		"data": rows,
	})
}

// GetSuccessRates handles GET /v1/analytics/success-rates
func (h *Handler) GetSuccessRates(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reader.SuccessRates(r.Context())
	if err != nil {
		h.logger.Error("failed to query success rates", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to query success rates", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// GetRealtimeStats handles GET /v1/realtime/stats
func (h *Handler) GetRealtimeStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"connections": h.stats.Stats(),
		"queue":       h.queue.Metrics(),
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
