package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/relay-one/dispatch-engine/internal/breaker"
	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
	"github.com/relay-one/dispatch-engine/internal/metrics"
	"github.com/relay-one/dispatch-engine/internal/provider"
)

// Worker consumes the main and retry topics and drives each message
// through claim, dispatch and routing. It implements
// sarama.ConsumerGroupHandler; messages within one claim are processed
// sequentially, which together with user-keyed partitioning preserves
// per-user ordering. A shared semaphore bounds dispatch concurrency
// across partitions.
type Worker struct {
	cfg       config.WorkerConfig
	repo      domain.NotificationRepository
	providers *provider.Registry
	breakers  *breaker.Registry
	router    *RetryRouter
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sem chan struct{}
	wg  sync.WaitGroup

	now func() time.Time
}

// NewWorker creates a delivery worker.
func NewWorker(
	cfg config.WorkerConfig,
	repo domain.NotificationRepository,
	providers *provider.Registry,
	breakers *breaker.Registry,
	router *RetryRouter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Worker {
	pool := cfg.DispatchPool
	if pool < 1 {
		pool = 1
	}
	return &Worker{
		cfg:       cfg,
		repo:      repo,
		providers: providers,
		breakers:  breakers,
		router:    router,
		logger:    logger,
		metrics:   m,
		sem:       make(chan struct{}, pool),
		now:       time.Now,
	}
}

// Run joins the consumer group and consumes until ctx is cancelled.
// Consume returns on every rebalance, so it is called in a loop.
func (w *Worker) Run(ctx context.Context, group sarama.ConsumerGroup) error {
	topics := []string{domain.TopicMain, domain.TopicRetry}

	go func() {
		for err := range group.Errors() {
			w.logger.Error("consumer group error", "error", err)
		}
	}()

	for {
		if err := group.Consume(ctx, topics, w); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			w.logger.Error("consume session ended with error", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Drain waits for in-flight dispatches to finish. Returns an error when
// the drain timeout elapses first; the supervisor translates that into
// a dirty exit.
func (w *Worker) Drain() error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(w.cfg.DrainTimeout):
		return fmt.Errorf("drain timeout of %s exceeded with dispatches still in flight", w.cfg.DrainTimeout)
	}
}

// Setup is called at the start of each consumer group session.
func (w *Worker) Setup(session sarama.ConsumerGroupSession) error {
	w.logger.Info("consumer session started",
		"member_id", session.MemberID(),
		"generation", session.GenerationID(),
		"claims", session.Claims(),
	)
	return nil
}

// Cleanup is called at the end of each consumer group session.
func (w *Worker) Cleanup(session sarama.ConsumerGroupSession) error {
	w.logger.Info("consumer session ended", "member_id", session.MemberID())
	return nil
}

// ConsumeClaim processes one partition's messages in order. The offset
// is marked and committed only after the message reaches a terminal
// handling step, so a crash mid-dispatch causes redelivery and the CAS
// claim absorbs the duplicate. A message whose handling was cut short
// by shutdown leaves its offset uncommitted for the next session.
func (w *Worker) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	partition := strconv.FormatInt(int64(claim.Partition()), 10)

	for message := range claim.Messages() {
		if err := session.Context().Err(); err != nil {
			return nil
		}
		w.metrics.ConsumerLag.WithLabelValues(claim.Topic(), partition).
			Set(float64(claim.HighWaterMarkOffset() - message.Offset - 1))

		if err := w.handle(session, message); err != nil {
			return nil
		}
		session.MarkMessage(message, "")
		session.Commit()
	}
	return nil
}

// handle runs one message end to end. A non-nil return means shutdown
// interrupted the work before it settled; the caller must not commit
// the offset. Panics from a single message are contained here and
// routed like an unknown dispatch failure, so one poisoned payload
// cannot take the whole claim loop down.
func (w *Worker) handle(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) error {
	ctx := session.Context()

	var msg domain.Message
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		w.logger.Error("dropping unparseable message",
			"topic", message.Topic,
			"partition", message.Partition,
			"offset", message.Offset,
			"error", err,
		)
		return nil
	}

	logger := w.logger.With(
		"notification_id", msg.ID,
		"user_id", msg.UserID,
		"channel", msg.Channel,
		"correlation_id", msg.CorrelationID,
		"retry_count", msg.RetryCount,
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling message", "panic", r)
			w.router.Route(ctx, &msg, message.Topic, message.Partition, message.Offset,
				fmt.Errorf("panic during dispatch: %v", r))
		}
	}()

	// Retry-topic messages carry a delivery horizon. Short waits are
	// absorbed in place; longer ones are pushed back onto the topic so
	// the claim loop never stalls past the delay budget.
	if message.Topic == domain.TopicRetry {
		if requeued := w.honorDeliveryHorizon(ctx, &msg, message, logger); requeued {
			return nil
		}
	}

	n, err := w.repo.GetByID(ctx, msg.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("dropping message for unknown notification")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("failed to load notification, routing for retry", "error", err)
		w.router.Route(ctx, &msg, message.Topic, message.Partition, message.Offset, err)
		return nil
	}

	// Redelivery guard: anything already sent or settled is dropped.
	if n.Status.IsTerminal() || n.SentAt != nil {
		logger.Info("dropping duplicate delivery", "status", n.Status)
		return nil
	}
	if !n.IsDue(w.now().UTC()) {
		logger.Warn("dropping message scheduled for the future", "scheduled_for", n.ScheduledFor)
		return nil
	}

	claimed, err := w.repo.ClaimProcessing(ctx, n.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("claim failed, routing for retry", "error", err)
		w.router.Route(ctx, &msg, message.Topic, message.Partition, message.Offset, err)
		return nil
	}
	if !claimed {
		logger.Info("notification claimed elsewhere, dropping", "status", n.Status)
		return nil
	}

	return w.dispatch(ctx, n, &msg, message, logger)
}

// honorDeliveryHorizon enforces the delivery-not-before header. Returns
// true when the message was republished instead of handled now.
func (w *Worker) honorDeliveryHorizon(ctx context.Context, msg *domain.Message, message *sarama.ConsumerMessage, logger *slog.Logger) bool {
	notBefore, ok := deliveryNotBefore(message)
	if !ok {
		return false
	}

	wait := notBefore.Sub(w.now().UTC())
	if wait <= 0 {
		return false
	}

	if wait <= w.cfg.DelayBudget {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return false
	}

	if err := w.router.Requeue(ctx, msg, notBefore); err != nil {
		logger.Error("failed to requeue early retry message, waiting in place", "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return false
	}

	logger.Info("requeued retry message ahead of its horizon", "delivery_not_before", notBefore)
	return true
}

func deliveryNotBefore(message *sarama.ConsumerMessage) (time.Time, bool) {
	for _, h := range message.Headers {
		if string(h.Key) == domain.HeaderDeliveryNotBefore {
			t, err := time.Parse(time.RFC3339Nano, string(h.Value))
			if err != nil {
				return time.Time{}, false
			}
			return t, true
		}
	}
	return time.Time{}, false
}

// dispatch performs the provider call under the channel's breaker and
// settles the outcome. The fallback adapter is tried once, only when the
// primary's circuit is open and a fallback is configured. A non-nil
// return means shutdown aborted the attempt before it settled; the row
// stays PROCESSING and the scheduler's stuck sweep reclaims it.
func (w *Worker) dispatch(ctx context.Context, n *domain.Notification, msg *domain.Message, message *sarama.ConsumerMessage, logger *slog.Logger) error {
	w.sem <- struct{}{}
	w.wg.Add(1)
	w.metrics.InflightDispatches.Inc()
	defer func() {
		w.metrics.InflightDispatches.Dec()
		w.wg.Done()
		<-w.sem
	}()

	chain, err := w.providers.ChainFor(n.Channel)
	if err != nil {
		// No adapter means no attempt will ever succeed.
		w.router.Route(ctx, msg, message.Topic, message.Partition, message.Offset,
			domain.NewProviderError(domain.ErrorKindPermanent, 0, err.Error(), false))
		return nil
	}

	req := &domain.DispatchRequest{
		NotificationID: n.ID.String(),
		UserID:         n.UserID,
		Channel:        n.Channel,
		Payload:        n.Payload,
		CorrelationID:  n.CorrelationID,
	}

	start := w.now()
	used := chain.Primary
	result, err := w.attempt(ctx, chain.Primary, req)
	if err != nil && chain.Fallback != nil && !domain.IsPermanentDispatchError(err) && w.breakers.IsOpen(chain.Primary.Name()) {
		logger.Warn("primary provider unavailable, trying fallback",
			"primary", chain.Primary.Name(),
			"fallback", chain.Fallback.Name(),
		)
		used = chain.Fallback
		result, err = w.attempt(ctx, chain.Fallback, req)
	}
	latency := w.now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("dispatch aborted by shutdown, leaving claim for recovery")
			return ctx.Err()
		}
		w.metrics.RecordDispatch(string(n.Channel), "failure", latency)
		logger.Warn("dispatch attempt failed",
			"error", err,
			"error_kind", domain.ClassifyDispatchError(err),
			"latency_ms", latency.Milliseconds(),
		)
		w.router.Route(ctx, msg, message.Topic, message.Partition, message.Offset, err)
		return nil
	}

	if err := w.repo.MarkSent(ctx, n.ID, result.ProviderMessageID); err != nil {
		// The provider accepted the send; failing the row now would
		// cause a duplicate on redelivery. Log and move on.
		logger.Error("failed to mark notification sent", "error", err)
	}

	w.metrics.RecordDispatch(string(n.Channel), "success", latency)
	logger.Info("dispatch succeeded",
		"provider", used.Name(),
		"provider_message_id", result.ProviderMessageID,
		"latency_ms", latency.Milliseconds(),
	)
	return nil
}

// attempt runs one adapter call under its breaker.
func (w *Worker) attempt(ctx context.Context, adapter domain.Adapter, req *domain.DispatchRequest) (*domain.DispatchResult, error) {
	result, err := w.breakers.Execute(adapter.Name(), func() (any, error) {
		return adapter.Dispatch(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.DispatchResult), nil
}
