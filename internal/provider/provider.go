package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// CorrelationIDHeader is propagated on every outgoing provider call.
const CorrelationIDHeader = "X-Correlation-ID"

// Chain pairs a channel's primary adapter with an optional fallback.
// The worker tries the fallback once when the primary fails retryably
// with its circuit open.
type Chain struct {
	Primary  domain.Adapter
	Fallback domain.Adapter
}

// Registry maps channels to their adapter chains. The set of concrete
// adapters is closed: email, sms, push (ios/android), webhook.
type Registry struct {
	chains map[domain.Channel]Chain
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{chains: make(map[domain.Channel]Chain)}
}

// Register installs the adapter chain for a channel. The fallback may be nil.
func (r *Registry) Register(primary, fallback domain.Adapter) {
	r.chains[primary.Channel()] = Chain{Primary: primary, Fallback: fallback}
}

// ChainFor returns the adapter chain for a channel.
func (r *Registry) ChainFor(channel domain.Channel) (Chain, error) {
	chain, ok := r.chains[channel]
	if !ok {
		return Chain{}, fmt.Errorf("no adapter registered for channel %s", channel)
	}
	return chain, nil
}

// ValidatePayload checks a payload against the channel's required shape.
// Runs at ingestion, before any row is written.
func (r *Registry) ValidatePayload(channel domain.Channel, payload json.RawMessage) error {
	chain, err := r.ChainFor(channel)
	if err != nil {
		return domain.NewValidationError("channel", "unsupported channel")
	}
	return chain.Primary.ValidatePayload(payload)
}

// NewRegistryFromConfig builds the full adapter set from provider
// configuration. The email chain gets a fallback only when a fallback
// gateway is configured.
func NewRegistryFromConfig(cfg config.ProvidersConfig) *Registry {
	r := NewRegistry()

	var emailFallback domain.Adapter
	if cfg.EmailFallback.URL != "" {
		emailFallback = NewEmailAdapter("email.fallback", cfg.EmailFallback)
	}
	r.Register(NewEmailAdapter("email.primary", cfg.Email), emailFallback)
	r.Register(NewSMSAdapter("sms.primary", cfg.SMS), nil)
	r.Register(NewPushAdapter("push_ios.primary", domain.ChannelPushIOS, cfg.Push), nil)
	r.Register(NewPushAdapter("push_android.primary", domain.ChannelPushAndroid, cfg.Push), nil)
	r.Register(NewWebhookAdapter("webhook.primary", cfg.Webhook), nil)

	return r
}

// providerResponse is the acknowledgement body the upstream send APIs
// return on accepted requests.
type providerResponse struct {
	MessageID  string    `json:"message_id"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// postJSON performs one send call against an HTTP provider endpoint and
// classifies every failure mode as a ProviderError.
func postJSON(ctx context.Context, client *http.Client, url string, req *domain.DispatchRequest) (*domain.DispatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(CorrelationIDHeader, req.CorrelationID)

	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewProviderError(domain.ErrorKindTimeout, 0,
				fmt.Sprintf("dispatch timed out: %v", err), true)
		}
		return nil, domain.NewProviderError(domain.ErrorKindTransient, 0,
			fmt.Sprintf("request failed: %v", err), true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewProviderError(domain.ErrorKindTransient, resp.StatusCode,
			fmt.Sprintf("failed to read response body: %v", err), true)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		var providerResp providerResponse
		if err := json.Unmarshal(respBody, &providerResp); err != nil || providerResp.MessageID == "" {
			// Provider acknowledged but returned no usable body.
			providerResp = providerResponse{
				MessageID:  fmt.Sprintf("msg-%d", time.Now().UnixNano()),
				AcceptedAt: time.Now().UTC(),
			}
		}
		if providerResp.AcceptedAt.IsZero() {
			providerResp.AcceptedAt = time.Now().UTC()
		}
		return &domain.DispatchResult{
			ProviderMessageID: providerResp.MessageID,
			AcceptedAt:        providerResp.AcceptedAt,
		}, nil
	}

	return nil, classifyStatus(resp.StatusCode, string(respBody))
}

// classifyStatus maps an HTTP failure status to a ProviderError kind.
// 408/429/5xx are transient; every other 4xx is permanent.
func classifyStatus(status int, body string) domain.ProviderError {
	if status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError {
		return domain.NewProviderError(domain.ErrorKindTransient, status, body, true)
	}
	return domain.NewProviderError(domain.ErrorKindPermanent, status, body, false)
}
