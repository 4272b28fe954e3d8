package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relay-one/dispatch-engine/internal/domain"
)

// CallbackOutcome is the provider's verdict on an accepted send.
type CallbackOutcome string

const (
	CallbackDelivered CallbackOutcome = "DELIVERED"
	CallbackFailed    CallbackOutcome = "FAILED"
)

// CallbackInput is one provider status callback.
type CallbackInput struct {
	Provider          string
	ProviderMessageID string
	Outcome           CallbackOutcome
	ErrorMessage      string
}

// StatusBroadcaster pushes a status change to live watchers. The
// websocket hub implements it.
type StatusBroadcaster interface {
	BroadcastStatus(n *domain.Notification)
}

// StatusService is the status ingress: it settles SENT notifications to
// DELIVERED or FAILED based on provider callbacks. Unknown message ids
// and duplicate callbacks are absorbed, a provider retrying its webhook
// must never see an error for work that is already settled.
type StatusService struct {
	repo        domain.NotificationRepository
	broadcaster StatusBroadcaster
	logger      *slog.Logger
}

// NewStatusService creates a StatusService. broadcaster may be nil.
func NewStatusService(repo domain.NotificationRepository, broadcaster StatusBroadcaster, logger *slog.Logger) *StatusService {
	return &StatusService{repo: repo, broadcaster: broadcaster, logger: logger}
}

// Apply processes one callback.
func (s *StatusService) Apply(ctx context.Context, in *CallbackInput) error {
	if in.ProviderMessageID == "" {
		return domain.NewValidationError("provider_message_id", "provider_message_id is required")
	}
	if in.Outcome != CallbackDelivered && in.Outcome != CallbackFailed {
		return domain.NewValidationError("outcome", "outcome must be DELIVERED or FAILED")
	}

	n, err := s.repo.GetByProviderMessageID(ctx, in.ProviderMessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Callbacks can outlive retention or reference another system.
			s.logger.Warn("callback for unknown provider message id",
				"provider", in.Provider,
				"provider_message_id", in.ProviderMessageID,
			)
			return nil
		}
		return err
	}

	switch in.Outcome {
	case CallbackDelivered:
		err = s.repo.MarkDelivered(ctx, n.ID)
	case CallbackFailed:
		msg := in.ErrorMessage
		if msg == "" {
			msg = "provider reported delivery failure"
		}
		err = s.repo.MarkFailed(ctx, n.ID, msg, "provider_callback")
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Info("ignoring callback for settled notification",
				"notification_id", n.ID,
				"status", n.Status,
				"outcome", in.Outcome,
			)
			return nil
		}
		return err
	}

	s.logger.Info("callback applied",
		"notification_id", n.ID,
		"provider", in.Provider,
		"outcome", in.Outcome,
	)

	if s.broadcaster != nil {
		if updated, getErr := s.repo.GetByID(ctx, n.ID); getErr == nil {
			s.broadcaster.BroadcastStatus(updated)
		}
	}
	return nil
}
