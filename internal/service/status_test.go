package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relay-one/dispatch-engine/internal/domain"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	seen []*domain.Notification
}

func (b *recordingBroadcaster) BroadcastStatus(n *domain.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, n)
}

func sentNotification(providerMessageID string) *domain.Notification {
	n := domain.NewNotification("user-1", domain.ChannelEmail, domain.TypeTransactional, json.RawMessage(`{}`))
	n.MarkAsSent(providerMessageID)
	return n
}

func TestStatusService_Apply(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	t.Run("delivered callback settles the notification", func(t *testing.T) {
		repo := new(MockNotificationRepository)
		broadcaster := &recordingBroadcaster{}
		svc := NewStatusService(repo, broadcaster, logger)

		n := sentNotification("prov-1")
		delivered := *n
		delivered.MarkAsDelivered()

		repo.On("GetByProviderMessageID", ctx, "prov-1").Return(n, nil).Once()
		repo.On("MarkDelivered", ctx, n.ID).Return(nil).Once()
		repo.On("GetByID", ctx, n.ID).Return(&delivered, nil).Once()

		err := svc.Apply(ctx, &CallbackInput{
			Provider:          "email",
			ProviderMessageID: "prov-1",
			Outcome:           CallbackDelivered,
		})

		assert.NoError(t, err)
		assert.Len(t, broadcaster.seen, 1)
		assert.Equal(t, domain.StatusDelivered, broadcaster.seen[0].Status)
	})

	t.Run("failed callback records the provider error", func(t *testing.T) {
		repo := new(MockNotificationRepository)
		svc := NewStatusService(repo, nil, logger)

		n := sentNotification("prov-2")

		repo.On("GetByProviderMessageID", ctx, "prov-2").Return(n, nil).Once()
		repo.On("MarkFailed", ctx, n.ID, "mailbox full", "provider_callback").Return(nil).Once()

		err := svc.Apply(ctx, &CallbackInput{
			Provider:          "email",
			ProviderMessageID: "prov-2",
			Outcome:           CallbackFailed,
			ErrorMessage:      "mailbox full",
		})

		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("unknown provider message id is absorbed", func(t *testing.T) {
		repo := new(MockNotificationRepository)
		svc := NewStatusService(repo, nil, logger)

		repo.On("GetByProviderMessageID", ctx, "unknown").Return(nil, domain.ErrNotFound).Once()

		err := svc.Apply(ctx, &CallbackInput{
			ProviderMessageID: "unknown",
			Outcome:           CallbackDelivered,
		})

		assert.NoError(t, err)
	})

	t.Run("duplicate callback on settled notification is absorbed", func(t *testing.T) {
		repo := new(MockNotificationRepository)
		svc := NewStatusService(repo, nil, logger)

		n := sentNotification("prov-3")
		n.MarkAsDelivered()

		repo.On("GetByProviderMessageID", ctx, "prov-3").Return(n, nil).Once()
		repo.On("MarkDelivered", ctx, n.ID).Return(domain.ErrInvalidTransition).Once()

		err := svc.Apply(ctx, &CallbackInput{
			ProviderMessageID: "prov-3",
			Outcome:           CallbackDelivered,
		})

		assert.NoError(t, err)
	})

	t.Run("invalid outcome is rejected", func(t *testing.T) {
		svc := NewStatusService(new(MockNotificationRepository), nil, logger)

		err := svc.Apply(ctx, &CallbackInput{
			ProviderMessageID: "prov-4",
			Outcome:           CallbackOutcome("BOUNCED"),
		})

		var verr domain.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}
