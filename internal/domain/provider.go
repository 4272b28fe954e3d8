package domain

import (
	"context"
	"encoding/json"
	"time"
)

// DispatchRequest carries everything an adapter needs for one send.
type DispatchRequest struct {
	NotificationID string          `json:"notification_id"`
	UserID         string          `json:"user_id"`
	Channel        Channel         `json:"channel"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  string          `json:"correlation_id"`
}

// DispatchResult is the provider's acknowledgement of an enqueue.
type DispatchResult struct {
	ProviderMessageID string    `json:"provider_message_id"`
	AcceptedAt        time.Time `json:"accepted_at"`
}

// Adapter is the uniform interface over channel-specific send APIs.
// Implementations validate the payload shape before any network call and
// classify failures as ProviderError. Name is the circuit-breaker key.
type Adapter interface {
	Name() string
	Channel() Channel
	ValidatePayload(payload json.RawMessage) error
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)
}
