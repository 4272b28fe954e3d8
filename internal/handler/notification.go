package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/relay-one/dispatch-engine/internal/domain"
	"github.com/relay-one/dispatch-engine/internal/middleware"
	"github.com/relay-one/dispatch-engine/internal/service"
)

// IdempotencyKeyHeader carries the caller-supplied deduplication key.
const IdempotencyKeyHeader = "Idempotency-Key"

// Ingestor is the slice of the ingestion service the handler needs.
type Ingestor interface {
	Submit(ctx context.Context, in *service.SubmitInput) (*domain.Notification, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.Notification, error)
	ListEvents(ctx context.Context, id uuid.UUID) ([]*domain.Event, error)
}

// NotificationHandler handles notification HTTP requests
type NotificationHandler struct {
	service  Ingestor
	validate *validator.Validate
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(service Ingestor) *NotificationHandler {
	return &NotificationHandler{
		service:  service,
		validate: validator.New(),
	}
}

// RegisterRoutes registers notification routes
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Submit)
	r.Get("/{id}", h.GetByID)
	r.Get("/{id}/events", h.ListEvents)
	r.Delete("/{id}", h.Cancel)
}

// SubmitNotificationRequest represents a request to submit a notification
type SubmitNotificationRequest struct {
	UserID       string          `json:"user_id" validate:"required"`
	TenantID     *string         `json:"tenant_id,omitempty"`
	Channel      domain.Channel  `json:"channel" validate:"required,oneof=EMAIL SMS PUSH_IOS PUSH_ANDROID WEBHOOK"`
	Type         domain.Type     `json:"type" validate:"required,oneof=TRANSACTIONAL MARKETING ALERT REMINDER"`
	Priority     domain.Priority `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
}

// Submit accepts a notification. Replays of an earlier submission with
// the same idempotency key return the original row with 200 instead of
// 201 and publish nothing.
func (h *NotificationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitNotificationRequest
	if err := DecodeJSON(r, &req); err != nil {
		HandleError(w, err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	notification, created, err := h.service.Submit(r.Context(), &service.SubmitInput{
		UserID:         req.UserID,
		TenantID:       req.TenantID,
		Channel:        req.Channel,
		Type:           req.Type,
		Priority:       req.Priority,
		Payload:        req.Payload,
		ScheduledFor:   req.ScheduledFor,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		CorrelationID:  middleware.GetCorrelationID(r.Context()),
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	JSON(w, status, notification)
}

// GetByID retrieves a notification by ID
func (h *NotificationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "INVALID_ID", "Invalid notification ID", nil)
		return
	}

	notification, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, notification)
}

// ListEvents returns the lifecycle events of a notification
func (h *NotificationHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "INVALID_ID", "Invalid notification ID", nil)
		return
	}

	events, err := h.service.ListEvents(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"notification_id": id,
		"count":           len(events),
		"events":          events,
	})
}

// Cancel cancels a notification that has not reached a terminal state
func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "INVALID_ID", "Invalid notification ID", nil)
		return
	}

	notification, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, notification)
}
