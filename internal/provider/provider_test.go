package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

func providerCfg(url string) config.ProviderConfig {
	return config.ProviderConfig{URL: url, Timeout: 2 * time.Second}
}

func emailRequest() *domain.DispatchRequest {
	return &domain.DispatchRequest{
		NotificationID: "n-1",
		UserID:         "user-1",
		Channel:        domain.ChannelEmail,
		Payload:        json.RawMessage(`{"to":"a@b.co","subject":"hi","body":"text"}`),
		CorrelationID:  "corr-1",
	}
}

func TestEmailAdapter_Dispatch(t *testing.T) {
	t.Run("accepted send returns the provider message id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "corr-1", r.Header.Get(CorrelationIDHeader))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req domain.DispatchRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "user-1", req.UserID)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{
				"message_id":  "prov-abc",
				"status":      "queued",
				"accepted_at": time.Now().UTC(),
			})
		}))
		defer server.Close()

		adapter := NewEmailAdapter("email.primary", providerCfg(server.URL))
		result, err := adapter.Dispatch(context.Background(), emailRequest())

		assert.NoError(t, err)
		assert.Equal(t, "prov-abc", result.ProviderMessageID)
		assert.False(t, result.AcceptedAt.IsZero())
	})

	t.Run("acknowledgement without body gets a synthetic id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		adapter := NewEmailAdapter("email.primary", providerCfg(server.URL))
		result, err := adapter.Dispatch(context.Background(), emailRequest())

		assert.NoError(t, err)
		assert.NotEmpty(t, result.ProviderMessageID)
	})

	t.Run("server error is transient and retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		adapter := NewEmailAdapter("email.primary", providerCfg(server.URL))
		_, err := adapter.Dispatch(context.Background(), emailRequest())

		var perr domain.ProviderError
		assert.ErrorAs(t, err, &perr)
		assert.Equal(t, domain.ErrorKindTransient, perr.Kind)
		assert.True(t, perr.Retryable)
		assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
	})

	t.Run("rate limit is transient and retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}))
		defer server.Close()

		adapter := NewEmailAdapter("email.primary", providerCfg(server.URL))
		_, err := adapter.Dispatch(context.Background(), emailRequest())

		var perr domain.ProviderError
		assert.ErrorAs(t, err, &perr)
		assert.True(t, perr.Retryable)
	})

	t.Run("client error is permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such mailbox", http.StatusUnprocessableEntity)
		}))
		defer server.Close()

		adapter := NewEmailAdapter("email.primary", providerCfg(server.URL))
		_, err := adapter.Dispatch(context.Background(), emailRequest())

		var perr domain.ProviderError
		assert.ErrorAs(t, err, &perr)
		assert.Equal(t, domain.ErrorKindPermanent, perr.Kind)
		assert.False(t, perr.Retryable)
		assert.True(t, domain.IsPermanentDispatchError(err))
	})

	t.Run("timeout is classified as timeout and retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		adapter := NewEmailAdapter("email.primary", config.ProviderConfig{URL: server.URL, Timeout: 20 * time.Millisecond})
		_, err := adapter.Dispatch(context.Background(), emailRequest())

		var perr domain.ProviderError
		assert.ErrorAs(t, err, &perr)
		assert.True(t, perr.Retryable)
	})

	t.Run("connection refused is transient", func(t *testing.T) {
		adapter := NewEmailAdapter("email.primary", providerCfg("http://127.0.0.1:1/send"))
		_, err := adapter.Dispatch(context.Background(), emailRequest())

		var perr domain.ProviderError
		assert.ErrorAs(t, err, &perr)
		assert.Equal(t, domain.ErrorKindTransient, perr.Kind)
		assert.True(t, perr.Retryable)
	})
}

func TestWebhookAdapter_Dispatch(t *testing.T) {
	t.Run("posts the caller body to the caller url", func(t *testing.T) {
		var received json.RawMessage
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req domain.DispatchRequest
			json.NewDecoder(r.Body).Decode(&req)
			received = req.Payload
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"message_id": "hook-1"})
		}))
		defer server.Close()

		adapter := NewWebhookAdapter("webhook.primary", config.ProviderConfig{Timeout: time.Second})
		payload, _ := json.Marshal(map[string]any{
			"url":  server.URL,
			"body": map[string]string{"event": "order.shipped"},
		})

		req := emailRequest()
		req.Channel = domain.ChannelWebhook
		req.Payload = payload

		result, err := adapter.Dispatch(context.Background(), req)

		assert.NoError(t, err)
		assert.Equal(t, "hook-1", result.ProviderMessageID)
		assert.JSONEq(t, `{"event":"order.shipped"}`, string(received))
	})
}

func TestValidatePayload(t *testing.T) {
	registry := NewRegistryFromConfig(config.ProvidersConfig{
		Email:   providerCfg("http://email.test"),
		SMS:     providerCfg("http://sms.test"),
		Push:    providerCfg("http://push.test"),
		Webhook: config.ProviderConfig{Timeout: time.Second},
	})

	tests := []struct {
		name    string
		channel domain.Channel
		payload string
		field   string
	}{
		{"valid email", domain.ChannelEmail, `{"to":"a@b.co","subject":"s","body":"b"}`, ""},
		{"email missing recipient", domain.ChannelEmail, `{"subject":"s","body":"b"}`, "payload.to"},
		{"email malformed recipient", domain.ChannelEmail, `{"to":"nope","subject":"s","body":"b"}`, "payload.to"},
		{"email missing subject", domain.ChannelEmail, `{"to":"a@b.co","body":"b"}`, "payload.subject"},

		{"valid sms", domain.ChannelSMS, `{"to":"+15551234567","body":"b"}`, ""},
		{"sms not e164", domain.ChannelSMS, `{"to":"5551234567","body":"b"}`, "payload.to"},
		{"sms missing body", domain.ChannelSMS, `{"to":"+15551234567"}`, "payload.body"},

		{"valid push ios", domain.ChannelPushIOS, `{"device_token":"tok","title":"t","body":"b"}`, ""},
		{"valid push android", domain.ChannelPushAndroid, `{"device_token":"tok","title":"t"}`, ""},
		{"push missing token", domain.ChannelPushIOS, `{"title":"t"}`, "payload.device_token"},

		{"valid webhook", domain.ChannelWebhook, `{"url":"https://cb.example.com/x","body":{"a":1}}`, ""},
		{"webhook bad scheme", domain.ChannelWebhook, `{"url":"ftp://cb.example.com/x","body":{}}`, "payload.url"},
		{"webhook missing url", domain.ChannelWebhook, `{"body":{"a":1}}`, "payload.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.ValidatePayload(tt.channel, json.RawMessage(tt.payload))
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr domain.ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegistry_ChainFor(t *testing.T) {
	t.Run("email fallback is registered only when configured", func(t *testing.T) {
		registry := NewRegistryFromConfig(config.ProvidersConfig{
			Email:         providerCfg("http://email.test"),
			EmailFallback: providerCfg("http://email-fallback.test"),
			SMS:           providerCfg("http://sms.test"),
			Push:          providerCfg("http://push.test"),
			Webhook:       config.ProviderConfig{Timeout: time.Second},
		})

		chain, err := registry.ChainFor(domain.ChannelEmail)
		assert.NoError(t, err)
		assert.Equal(t, "email.primary", chain.Primary.Name())
		assert.Equal(t, "email.fallback", chain.Fallback.Name())

		chain, err = registry.ChainFor(domain.ChannelSMS)
		assert.NoError(t, err)
		assert.Nil(t, chain.Fallback)
	})

	t.Run("push platforms get separate breaker names", func(t *testing.T) {
		registry := NewRegistryFromConfig(config.ProvidersConfig{
			Push: providerCfg("http://push.test"),
		})

		ios, err := registry.ChainFor(domain.ChannelPushIOS)
		assert.NoError(t, err)
		android, err := registry.ChainFor(domain.ChannelPushAndroid)
		assert.NoError(t, err)

		assert.NotEqual(t, ios.Primary.Name(), android.Primary.Name())
	})

	t.Run("unknown channel errors", func(t *testing.T) {
		registry := NewRegistry()
		_, err := registry.ChainFor(domain.ChannelEmail)
		assert.Error(t, err)
	})
}
