package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// MockNotificationRepository is a mock implementation of domain.NotificationRepository
type MockNotificationRepository struct {
	mock.Mock
}

func (m *MockNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func (m *MockNotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Notification, error) {
	args := m.Called(ctx, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) ClaimProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	args := m.Called(ctx, id, providerMessageID)
	return args.Error(0)
}

func (m *MockNotificationRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockNotificationRepository) MarkRetrying(ctx context.Context, id uuid.UUID, errorMsg string) error {
	args := m.Called(ctx, id, errorMsg)
	return args.Error(0)
}

func (m *MockNotificationRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg, reason string) error {
	args := m.Called(ctx, id, errorMsg, reason)
	return args.Error(0)
}

func (m *MockNotificationRepository) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepository) AdvanceScheduled(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepository) FindDueScheduled(ctx context.Context, before time.Time, limit int) ([]*domain.Notification, error) {
	args := m.Called(ctx, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) FindStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) RevertProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepository) ListEvents(ctx context.Context, notificationID uuid.UUID) ([]*domain.Event, error) {
	args := m.Called(ctx, notificationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Event), args.Error(1)
}

// MockPublisher is a mock implementation of domain.Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, msg *domain.Message, headers map[string]string) error {
	args := m.Called(ctx, topic, msg, headers)
	return args.Error(0)
}

func (m *MockPublisher) PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	args := m.Called(ctx, dl)
	return args.Error(0)
}

func newRouter(repo *MockNotificationRepository, pub *MockPublisher) *RetryRouter {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewRetryRouter(config.RetryConfig{MaxAttempts: 5, BaseDelay: time.Second},
		repo, pub, logger, nil, nil)
}

func testMessage(retryCount int) *domain.Message {
	n := domain.NewNotification("user-1", domain.ChannelEmail, domain.TypeTransactional,
		json.RawMessage(`{"to":"a@b.co","subject":"hi","body":"text"}`))
	n.RetryCount = retryCount
	msg := domain.NewMessage(n)
	return msg
}

func transientErr() error {
	return domain.NewProviderError(domain.ErrorKindTransient, 503, "unavailable", true)
}

func TestRetryRouter_BackoffDelay(t *testing.T) {
	r := newRouter(new(MockNotificationRepository), new(MockPublisher))

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, r.BackoffDelay(tt.retryCount), "retry %d", tt.retryCount)
	}
}

func TestRetryRouter_TransientGoesToRetryTopic(t *testing.T) {
	ctx := context.Background()
	repo := new(MockNotificationRepository)
	pub := new(MockPublisher)
	r := newRouter(repo, pub)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	msg := testMessage(2)

	var gotMsg *domain.Message
	var gotHeaders map[string]string
	pub.On("Publish", ctx, domain.TopicRetry, mock.AnythingOfType("*domain.Message"), mock.Anything).
		Run(func(args mock.Arguments) {
			gotMsg = args.Get(2).(*domain.Message)
			gotHeaders = args.Get(3).(map[string]string)
		}).Return(nil).Once()
	repo.On("MarkRetrying", ctx, msg.ID, mock.AnythingOfType("string")).Return(nil).Once()

	r.Route(ctx, msg, domain.TopicMain, 3, 42, transientErr())

	pub.AssertExpectations(t)
	repo.AssertExpectations(t)
	assert.Equal(t, 3, gotMsg.RetryCount)

	notBefore, err := time.Parse(time.RFC3339Nano, gotHeaders[domain.HeaderDeliveryNotBefore])
	assert.NoError(t, err)
	// Base delay for the third retry is 4s, jitter adds up to half again.
	assert.False(t, notBefore.Before(now.Add(4*time.Second)))
	assert.True(t, notBefore.Before(now.Add(6*time.Second)))
}

func TestRetryRouter_PermanentGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	repo := new(MockNotificationRepository)
	pub := new(MockPublisher)
	r := newRouter(repo, pub)

	msg := testMessage(0)
	permanent := domain.NewProviderError(domain.ErrorKindPermanent, 422, "invalid recipient", false)

	pub.On("PublishDeadLetter", ctx, mock.MatchedBy(func(dl *domain.DeadLetter) bool {
		return dl.Reason == domain.DLQReasonPermanentError &&
			dl.ErrorKind == domain.ErrorKindPermanent &&
			dl.OriginalMessage.ID == msg.ID &&
			dl.Partition == 3 && dl.Offset == 42
	})).Return(nil).Once()
	repo.On("MarkFailed", ctx, msg.ID, mock.AnythingOfType("string"), domain.DLQReasonPermanentError).Return(nil).Once()

	r.Route(ctx, msg, domain.TopicMain, 3, 42, permanent)

	pub.AssertExpectations(t)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestRetryRouter_ExhaustedGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	repo := new(MockNotificationRepository)
	pub := new(MockPublisher)
	r := newRouter(repo, pub)

	msg := testMessage(5)

	pub.On("PublishDeadLetter", ctx, mock.MatchedBy(func(dl *domain.DeadLetter) bool {
		return dl.Reason == domain.DLQReasonMaxRetriesExceeded && dl.RetryCount == 5
	})).Return(nil).Once()
	repo.On("MarkFailed", ctx, msg.ID, mock.AnythingOfType("string"), domain.DLQReasonMaxRetriesExceeded).Return(nil).Once()

	r.Route(ctx, msg, domain.TopicRetry, 0, 7, transientErr())

	pub.AssertExpectations(t)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryRouter_RetryPublishFailureGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	repo := new(MockNotificationRepository)
	pub := new(MockPublisher)
	r := newRouter(repo, pub)

	msg := testMessage(1)

	pub.On("Publish", ctx, domain.TopicRetry, mock.AnythingOfType("*domain.Message"), mock.Anything).
		Return(assert.AnError).Once()
	pub.On("PublishDeadLetter", ctx, mock.MatchedBy(func(dl *domain.DeadLetter) bool {
		return dl.Reason == domain.DLQReasonRetryEnqueueFailed
	})).Return(nil).Once()
	repo.On("MarkFailed", ctx, msg.ID, mock.AnythingOfType("string"), domain.DLQReasonRetryEnqueueFailed).Return(nil).Once()

	r.Route(ctx, msg, domain.TopicMain, 0, 1, transientErr())

	pub.AssertExpectations(t)
	repo.AssertNotCalled(t, "MarkRetrying", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryRouter_UnknownErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	repo := new(MockNotificationRepository)
	pub := new(MockPublisher)
	r := newRouter(repo, pub)

	msg := testMessage(0)

	pub.On("Publish", ctx, domain.TopicRetry, mock.AnythingOfType("*domain.Message"), mock.Anything).Return(nil).Once()
	repo.On("MarkRetrying", ctx, msg.ID, mock.AnythingOfType("string")).Return(nil).Once()

	r.Route(ctx, msg, domain.TopicMain, 0, 1, assert.AnError)

	pub.AssertExpectations(t)
	pub.AssertNotCalled(t, "PublishDeadLetter", mock.Anything, mock.Anything)
}
