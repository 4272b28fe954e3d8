package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/relay-one/dispatch-engine/internal/service"
)

// StatusApplier is the slice of the status service the handler needs.
type StatusApplier interface {
	Apply(ctx context.Context, in *service.CallbackInput) error
}

// CallbackHandler receives provider delivery callbacks
type CallbackHandler struct {
	service  StatusApplier
	validate *validator.Validate
}

// NewCallbackHandler creates a new CallbackHandler
func NewCallbackHandler(service StatusApplier) *CallbackHandler {
	return &CallbackHandler{
		service:  service,
		validate: validator.New(),
	}
}

// RegisterRoutes registers callback routes
func (h *CallbackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{provider}", h.Receive)
}

// CallbackRequest is the body providers post on delivery settlement.
type CallbackRequest struct {
	ProviderMessageID string `json:"provider_message_id" validate:"required"`
	Status            string `json:"status" validate:"required,oneof=DELIVERED FAILED"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// Receive applies one provider callback. Unknown message ids return 200
// so providers do not retry callbacks we can never match.
func (h *CallbackHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := DecodeJSON(r, &req); err != nil {
		HandleError(w, err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	err := h.service.Apply(r.Context(), &service.CallbackInput{
		Provider:          chi.URLParam(r, "provider"),
		ProviderMessageID: req.ProviderMessageID,
		Outcome:           service.CallbackOutcome(req.Status),
		ErrorMessage:      req.ErrorMessage,
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
