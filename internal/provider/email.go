package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// EmailPayload is the required payload shape for the EMAIL channel.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailAdapter sends through an HTTP email gateway. A second instance
// with a different name and endpoint serves as the fallback provider.
type EmailAdapter struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewEmailAdapter creates an email adapter against the given gateway.
func NewEmailAdapter(name string, cfg config.ProviderConfig) *EmailAdapter {
	return &EmailAdapter{
		name:     name,
		endpoint: cfg.URL,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *EmailAdapter) Name() string            { return a.name }
func (a *EmailAdapter) Channel() domain.Channel { return domain.ChannelEmail }

// ValidatePayload checks the email payload shape.
func (a *EmailAdapter) ValidatePayload(payload json.RawMessage) error {
	var p EmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.NewValidationError("payload", "payload is not a valid email payload")
	}
	if p.To == "" {
		return domain.NewValidationError("payload.to", "recipient address is required")
	}
	if !strings.Contains(p.To, "@") {
		return domain.NewValidationError("payload.to", "recipient address is malformed")
	}
	if p.Subject == "" {
		return domain.NewValidationError("payload.subject", "subject is required")
	}
	if p.Body == "" {
		return domain.NewValidationError("payload.body", "body is required")
	}
	return nil
}

// Dispatch submits the email to the gateway.
func (a *EmailAdapter) Dispatch(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResult, error) {
	return postJSON(ctx, a.client, a.endpoint, req)
}
