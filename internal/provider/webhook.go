package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// WebhookPayload is the required payload shape for the WEBHOOK channel.
// The destination URL lives in the payload itself; Body is delivered as
// the request body verbatim.
type WebhookPayload struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

// WebhookAdapter delivers directly to caller-supplied endpoints.
type WebhookAdapter struct {
	name   string
	client *http.Client
}

// NewWebhookAdapter creates the webhook adapter.
func NewWebhookAdapter(name string, cfg config.ProviderConfig) *WebhookAdapter {
	return &WebhookAdapter{
		name:   name,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *WebhookAdapter) Name() string            { return a.name }
func (a *WebhookAdapter) Channel() domain.Channel { return domain.ChannelWebhook }

// ValidatePayload checks the webhook payload shape.
func (a *WebhookAdapter) ValidatePayload(payload json.RawMessage) error {
	var p WebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.NewValidationError("payload", "payload is not a valid webhook payload")
	}
	if p.URL == "" {
		return domain.NewValidationError("payload.url", "destination url is required")
	}
	parsed, err := url.Parse(p.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return domain.NewValidationError("payload.url", "destination url must be http or https")
	}
	if len(p.Body) == 0 {
		return domain.NewValidationError("payload.body", "body is required")
	}
	return nil
}

// Dispatch posts the caller's body to the caller's URL. Unlike the other
// channels the endpoint is per-notification, but all webhook deliveries
// share one breaker.
func (a *WebhookAdapter) Dispatch(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResult, error) {
	var p WebhookPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, domain.NewProviderError(domain.ErrorKindPermanent, 0,
			"webhook payload is malformed", false)
	}

	hookReq := *req
	hookReq.Payload = p.Body
	return postJSON(ctx, a.client, p.URL, &hookReq)
}
