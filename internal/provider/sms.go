package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// SMSPayload is the required payload shape for the SMS channel.
type SMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SMSAdapter sends through an HTTP SMS gateway.
type SMSAdapter struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewSMSAdapter creates an SMS adapter against the given gateway.
func NewSMSAdapter(name string, cfg config.ProviderConfig) *SMSAdapter {
	return &SMSAdapter{
		name:     name,
		endpoint: cfg.URL,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *SMSAdapter) Name() string            { return a.name }
func (a *SMSAdapter) Channel() domain.Channel { return domain.ChannelSMS }

// ValidatePayload checks the SMS payload shape.
func (a *SMSAdapter) ValidatePayload(payload json.RawMessage) error {
	var p SMSPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.NewValidationError("payload", "payload is not a valid sms payload")
	}
	if p.To == "" {
		return domain.NewValidationError("payload.to", "recipient number is required")
	}
	if !strings.HasPrefix(p.To, "+") {
		return domain.NewValidationError("payload.to", "recipient number must be E.164")
	}
	if p.Body == "" {
		return domain.NewValidationError("payload.body", "body is required")
	}
	return nil
}

// Dispatch submits the SMS to the gateway.
func (a *SMSAdapter) Dispatch(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResult, error) {
	return postJSON(ctx, a.client, a.endpoint, req)
}
