package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// RetryRouter decides where a failed dispatch goes next: the retry topic
// with an exponential backoff horizon, or the DLQ. It also writes the
// matching Store transition so the row and the log never disagree about
// whether another attempt is coming.
type RetryRouter struct {
	cfg       config.RetryConfig
	repo      domain.NotificationRepository
	publisher domain.Publisher
	logger    *slog.Logger

	onRetry func(channel string)
	onDLQ   func(reason string)

	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryRouter creates a RetryRouter. onRetry and onDLQ are metrics
// hooks and may be nil.
func NewRetryRouter(cfg config.RetryConfig, repo domain.NotificationRepository, publisher domain.Publisher, logger *slog.Logger, onRetry func(channel string), onDLQ func(reason string)) *RetryRouter {
	return &RetryRouter{
		cfg:       cfg,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		onRetry:   onRetry,
		onDLQ:     onDLQ,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BackoffDelay returns the base delay before the given retry, without
// jitter: base * 2^retryCount.
func (r *RetryRouter) BackoffDelay(retryCount int) time.Duration {
	delay := r.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
	}
	return delay
}

// jitter draws a uniform offset in [0, max/2).
func (r *RetryRouter) jitter(max time.Duration) time.Duration {
	if max <= 1 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.rng.Int63n(int64(max) / 2))
}

// Requeue puts a message back on the retry topic with its delivery
// horizon unchanged. Used by the worker when a horizon is too far out
// to absorb in place.
func (r *RetryRouter) Requeue(ctx context.Context, msg *domain.Message, notBefore time.Time) error {
	headers := map[string]string{
		domain.HeaderDeliveryNotBefore: notBefore.Format(time.RFC3339Nano),
	}
	return r.publisher.Publish(ctx, domain.TopicRetry, msg, headers)
}

// Route handles one failed dispatch attempt. Permanent errors and
// exhausted retry budgets go to the DLQ and fail the row terminally;
// everything else is republished to the retry topic with a
// delivery-not-before horizon. A retry publish that itself fails is
// routed to the DLQ rather than silently lost.
func (r *RetryRouter) Route(ctx context.Context, msg *domain.Message, topic string, partition int32, offset int64, dispatchErr error) {
	kind := domain.ClassifyDispatchError(dispatchErr)

	if domain.IsPermanentDispatchError(dispatchErr) {
		r.deadLetter(ctx, msg, topic, partition, offset, kind, dispatchErr.Error(), domain.DLQReasonPermanentError)
		return
	}

	if msg.RetryCount >= r.cfg.MaxAttempts {
		r.deadLetter(ctx, msg, topic, partition, offset, kind, dispatchErr.Error(), domain.DLQReasonMaxRetriesExceeded)
		return
	}

	delay := r.BackoffDelay(msg.RetryCount)
	delay += r.jitter(delay)
	notBefore := r.now().UTC().Add(delay)

	retryMsg := *msg
	retryMsg.RetryCount = msg.RetryCount + 1
	retryMsg.Timestamp = r.now().UTC()

	headers := map[string]string{
		domain.HeaderDeliveryNotBefore: notBefore.Format(time.RFC3339Nano),
	}

	if err := r.publisher.Publish(ctx, domain.TopicRetry, &retryMsg, headers); err != nil {
		r.logger.Error("retry publish failed, dead-lettering",
			"notification_id", msg.ID,
			"retry_count", retryMsg.RetryCount,
			"error", err,
		)
		r.deadLetter(ctx, msg, topic, partition, offset, kind, dispatchErr.Error(), domain.DLQReasonRetryEnqueueFailed)
		return
	}

	if err := r.repo.MarkRetrying(ctx, msg.ID, dispatchErr.Error()); err != nil {
		// The retry message is already in flight; the worker's CAS on
		// redelivery resolves any disagreement.
		r.logger.Error("failed to mark notification retrying",
			"notification_id", msg.ID,
			"error", err,
		)
	}

	r.logger.Info("dispatch scheduled for retry",
		"notification_id", msg.ID,
		"channel", msg.Channel,
		"retry_count", retryMsg.RetryCount,
		"delivery_not_before", notBefore,
		"error_kind", kind,
	)
	if r.onRetry != nil {
		r.onRetry(string(msg.Channel))
	}
}

func (r *RetryRouter) deadLetter(ctx context.Context, msg *domain.Message, topic string, partition int32, offset int64, kind domain.ErrorKind, errMsg, reason string) {
	dl := &domain.DeadLetter{
		OriginalMessage: msg,
		ErrorKind:       kind,
		ErrorMessage:    errMsg,
		Reason:          reason,
		FailedAt:        r.now().UTC(),
		RetryCount:      msg.RetryCount,
		Topic:           topic,
		Partition:       partition,
		Offset:          offset,
	}

	if err := r.publisher.PublishDeadLetter(ctx, dl); err != nil {
		// The row still fails below; the DLQ entry is lost but the
		// failure is recorded in the Store events.
		r.logger.Error("failed to publish dead letter",
			"notification_id", msg.ID,
			"reason", reason,
			"error", err,
		)
	}

	if err := r.repo.MarkFailed(ctx, msg.ID, errMsg, reason); err != nil {
		r.logger.Error("failed to mark notification failed",
			"notification_id", msg.ID,
			"reason", reason,
			"error", err,
		)
	}

	r.logger.Warn("dispatch dead-lettered",
		"notification_id", msg.ID,
		"channel", msg.Channel,
		"reason", reason,
		"error_kind", kind,
		"retry_count", msg.RetryCount,
	)
	if r.onDLQ != nil {
		r.onDLQ(reason)
	}
}
