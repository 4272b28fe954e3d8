package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
	"github.com/relay-one/dispatch-engine/internal/metrics"
	"github.com/relay-one/dispatch-engine/internal/provider"
)

// SubmitInput is the validated submission the handler passes down.
type SubmitInput struct {
	UserID         string
	TenantID       *string
	Channel        domain.Channel
	Type           domain.Type
	Priority       domain.Priority
	Payload        json.RawMessage
	ScheduledFor   *time.Time
	IdempotencyKey string
	CorrelationID  string
}

// IngestionService accepts submissions, deduplicates them, persists the
// canonical row and hands the work to the Log. The Store commit is the
// acceptance point: once the row exists the request never fails, whatever
// happens to the publish.
type IngestionService struct {
	repo      domain.NotificationRepository
	cache     domain.DedupCache
	publisher domain.Publisher
	providers *provider.Registry
	retryCfg  config.RetryConfig
	dedupTTL  time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now func() time.Time
}

// NewIngestionService creates an IngestionService.
func NewIngestionService(
	repo domain.NotificationRepository,
	cache domain.DedupCache,
	publisher domain.Publisher,
	providers *provider.Registry,
	retryCfg config.RetryConfig,
	dedupTTL time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *IngestionService {
	return &IngestionService{
		repo:      repo,
		cache:     cache,
		publisher: publisher,
		providers: providers,
		retryCfg:  retryCfg,
		dedupTTL:  dedupTTL,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit accepts one notification. The bool result reports whether a new
// row was created; false means the submission replayed an earlier one.
func (s *IngestionService) Submit(ctx context.Context, in *SubmitInput) (*domain.Notification, bool, error) {
	if err := s.validate(in); err != nil {
		s.metrics.Submissions.WithLabelValues("invalid").Inc()
		return nil, false, err
	}

	key := in.IdempotencyKey
	if key == "" {
		key = deriveIdempotencyKey(in, s.now().UTC())
	}

	// Cache probe first; the unique index below is the authority when the
	// cache misses or lies.
	if id, found, err := s.cache.GetID(ctx, key); err != nil {
		s.logger.Warn("dedup cache probe failed, falling through to store", "error", err)
	} else if found {
		var existing *domain.Notification
		err := s.withStoreRetry(ctx, func() error {
			var opErr error
			existing, opErr = s.repo.GetByID(ctx, id)
			return opErr
		})
		switch {
		case err == nil:
			return s.settleDuplicate(existing, in)
		case errors.Is(err, domain.ErrNotFound):
			// Stale cache entry; drop it and continue as a fresh submit.
			if delErr := s.cache.Delete(ctx, key); delErr != nil {
				s.logger.Warn("failed to drop stale dedup entry", "error", delErr)
			}
		default:
			return nil, false, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
		}
	}

	n := domain.NewNotification(in.UserID, in.Channel, in.Type, in.Payload)
	n.TenantID = in.TenantID
	n.IdempotencyKey = key
	n.MaxRetries = s.retryCfg.MaxAttempts
	if in.Priority != "" {
		n.Priority = in.Priority
	}
	n.CorrelationID = in.CorrelationID
	if n.CorrelationID == "" {
		n.CorrelationID = uuid.New().String()
	}
	// A past scheduled_for is treated as immediate.
	if in.ScheduledFor != nil && in.ScheduledFor.After(s.now().UTC()) {
		t := in.ScheduledFor.UTC()
		n.ScheduledFor = &t
		n.Status = domain.StatusScheduled
	}

	if err := s.withStoreRetry(ctx, func() error { return s.repo.Create(ctx, n) }); err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			var existing *domain.Notification
			getErr := s.withStoreRetry(ctx, func() error {
				var opErr error
				existing, opErr = s.repo.GetByIdempotencyKey(ctx, key)
				return opErr
			})
			if getErr != nil {
				return nil, false, fmt.Errorf("%w: %v", domain.ErrUnavailable, getErr)
			}
			return s.settleDuplicate(existing, in)
		}
		s.metrics.Submissions.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	if err := s.cache.SetID(ctx, key, n.ID, s.dedupTTL); err != nil {
		s.logger.Warn("failed to write dedup cache", "idempotency_key", key, "error", err)
	}

	// Acceptance point passed; publish failures below degrade to delayed
	// delivery, never to a failed request.
	if n.Status == domain.StatusPending {
		s.publishAccepted(ctx, n)
	}

	s.metrics.Submissions.WithLabelValues("created").Inc()
	s.logger.Info("notification accepted",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"channel", n.Channel,
		"status", n.Status,
		"correlation_id", n.CorrelationID,
	)
	return n, true, nil
}

// Store retry budget for a single request: a brief blip should not
// surface as DEPENDENCY_UNAVAILABLE to the caller.
const (
	storeAttempts  = 3
	storeRetryBase = 50 * time.Millisecond
)

// withStoreRetry retries transient Store failures with exponential
// backoff inside the request deadline. Domain outcomes (conflict, not
// found) are returned immediately.
func (s *IngestionService) withStoreRetry(ctx context.Context, op func() error) error {
	delay := storeRetryBase
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil ||
			errors.Is(err, domain.ErrIdempotencyConflict) ||
			errors.Is(err, domain.ErrNotFound) ||
			attempt == storeAttempts {
			return err
		}
		s.logger.Warn("store operation failed, retrying",
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
}

// settleDuplicate decides between replay and conflict for a submission
// that hit an existing row.
func (s *IngestionService) settleDuplicate(existing *domain.Notification, in *SubmitInput) (*domain.Notification, bool, error) {
	if existing.UserID != in.UserID ||
		existing.Channel != in.Channel ||
		existing.Type != in.Type ||
		!bytes.Equal(compactJSON(existing.Payload), compactJSON(in.Payload)) {
		s.metrics.Submissions.WithLabelValues("conflict").Inc()
		return nil, false, domain.ErrIdempotencyConflict
	}
	s.metrics.Submissions.WithLabelValues("replayed").Inc()
	return existing, false, nil
}

// publishAccepted publishes to the main topic, falling back to the retry
// topic with a producer-failure marker. If both fail the row stays
// PENDING and the scheduler's stuck sweep republishes it.
func (s *IngestionService) publishAccepted(ctx context.Context, n *domain.Notification) {
	msg := domain.NewMessage(n)

	err := s.publisher.Publish(ctx, domain.TopicMain, msg, nil)
	if err == nil {
		return
	}
	s.logger.Error("publish to main topic failed, trying retry topic",
		"notification_id", n.ID,
		"error", err,
	)

	headers := map[string]string{domain.HeaderProducerFailure: "true"}
	if err := s.publisher.Publish(ctx, domain.TopicRetry, msg, headers); err != nil {
		s.logger.Error("publish to retry topic failed, leaving row for stuck sweep",
			"notification_id", n.ID,
			"error", err,
		)
	}
}

// GetByID returns one notification.
func (s *IngestionService) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	return s.repo.GetByID(ctx, id)
}

// Cancel cancels a notification that has not reached a terminal state.
func (s *IngestionService) Cancel(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	ok, err := s.repo.MarkCancelled(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Distinguish missing from already-terminal.
		if _, getErr := s.repo.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrCannotCancel
	}
	return s.repo.GetByID(ctx, id)
}

// ListEvents returns the audit trail for one notification.
func (s *IngestionService) ListEvents(ctx context.Context, id uuid.UUID) ([]*domain.Event, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, id)
}

func (s *IngestionService) validate(in *SubmitInput) error {
	if in.UserID == "" {
		return domain.NewValidationError("user_id", "user_id is required")
	}
	if !in.Channel.IsValid() {
		return domain.NewValidationError("channel", "channel must be one of EMAIL, SMS, PUSH_IOS, PUSH_ANDROID, WEBHOOK")
	}
	if !in.Type.IsValid() {
		return domain.NewValidationError("type", "type must be one of TRANSACTIONAL, MARKETING, ALERT, REMINDER")
	}
	if in.Priority != "" && !in.Priority.IsValid() {
		return domain.NewValidationError("priority", "priority must be one of LOW, MEDIUM, HIGH, URGENT")
	}
	if len(in.Payload) == 0 {
		return domain.NewValidationError("payload", "payload is required")
	}
	return s.providers.ValidatePayload(in.Channel, in.Payload)
}

// deriveIdempotencyKey builds a deterministic key for submissions that
// arrive without one, bucketed by minute so an identical accidental
// resubmit inside the window deduplicates.
func deriveIdempotencyKey(in *SubmitInput, now time.Time) string {
	h := sha256.New()
	h.Write([]byte(in.UserID))
	h.Write([]byte{0})
	h.Write([]byte(in.Channel))
	h.Write([]byte{0})
	h.Write(compactJSON(in.Payload))
	h.Write([]byte{0})
	h.Write([]byte(now.Truncate(time.Minute).Format(time.RFC3339)))
	return "derived-" + hex.EncodeToString(h.Sum(nil))
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
