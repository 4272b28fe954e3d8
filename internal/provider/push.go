package provider

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// PushPayload is the required payload shape for both push channels.
type PushPayload struct {
	DeviceToken string `json:"device_token"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

// PushAdapter sends through an HTTP push gateway. PUSH_IOS and
// PUSH_ANDROID share this implementation but get separate instances, so
// each platform keeps its own breaker name and failure history.
type PushAdapter struct {
	name     string
	channel  domain.Channel
	endpoint string
	client   *http.Client
}

// NewPushAdapter creates a push adapter for one platform channel.
func NewPushAdapter(name string, channel domain.Channel, cfg config.ProviderConfig) *PushAdapter {
	return &PushAdapter{
		name:     name,
		channel:  channel,
		endpoint: cfg.URL,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *PushAdapter) Name() string            { return a.name }
func (a *PushAdapter) Channel() domain.Channel { return a.channel }

// ValidatePayload checks the push payload shape.
func (a *PushAdapter) ValidatePayload(payload json.RawMessage) error {
	var p PushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.NewValidationError("payload", "payload is not a valid push payload")
	}
	if p.DeviceToken == "" {
		return domain.NewValidationError("payload.device_token", "device token is required")
	}
	if p.Title == "" {
		return domain.NewValidationError("payload.title", "title is required")
	}
	return nil
}

// Dispatch submits the push notification to the gateway.
func (a *PushAdapter) Dispatch(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResult, error) {
	return postJSON(ctx, a.client, a.endpoint, req)
}
