package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

const (
	dueSweepLock   = "scheduler:due-sweep"
	stuckSweepLock = "scheduler:stuck-sweep"
)

// SchedulerService runs two periodic sweeps: advancing due SCHEDULED
// rows into the pipeline, and republishing PENDING rows whose original
// publish never happened. Each sweep takes a short Redis lock so
// concurrent instances do not double-publish.
type SchedulerService struct {
	cfg       config.SchedulerConfig
	repo      domain.NotificationRepository
	cache     domain.DedupCache
	publisher domain.Publisher
	logger    *slog.Logger

	now  func() time.Time
	done chan struct{}
}

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(
	cfg config.SchedulerConfig,
	repo domain.NotificationRepository,
	cache domain.DedupCache,
	publisher domain.Publisher,
	logger *slog.Logger,
) *SchedulerService {
	return &SchedulerService{
		cfg:       cfg,
		repo:      repo,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *SchedulerService) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		"tick", s.cfg.Tick,
		"batch_size", s.cfg.BatchSize,
		"stuck_threshold", s.cfg.StuckThreshold,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.sweepDue(ctx)
			s.sweepStuck(ctx)
		}
	}
}

// Wait blocks until the sweep loop has exited.
func (s *SchedulerService) Wait() {
	<-s.done
}

// sweepDue advances due SCHEDULED rows to PENDING and publishes them.
// The per-row CAS makes a lost lock race harmless: whoever wins the
// advance does the publish.
func (s *SchedulerService) sweepDue(ctx context.Context) {
	locked, err := s.cache.AcquireLock(ctx, dueSweepLock, s.cfg.LockTTL)
	if err != nil {
		s.logger.Warn("due sweep lock unavailable", "error", err)
		return
	}
	if !locked {
		return
	}
	defer s.releaseLock(ctx, dueSweepLock)

	due, err := s.repo.FindDueScheduled(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to find due notifications", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	advanced := 0
	for _, n := range due {
		ok, err := s.repo.AdvanceScheduled(ctx, n.ID)
		if err != nil {
			s.logger.Error("failed to advance scheduled notification",
				"notification_id", n.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			// Cancelled meanwhile, or another instance got here first.
			continue
		}

		n.Status = domain.StatusPending
		if err := s.publisher.Publish(ctx, domain.TopicMain, domain.NewMessage(n), nil); err != nil {
			// Row is PENDING now; the stuck sweep picks it up next time.
			s.logger.Error("failed to publish advanced notification",
				"notification_id", n.ID,
				"error", err,
			)
			continue
		}
		advanced++
	}

	s.logger.Info("due sweep finished", "found", len(due), "published", advanced)
}

// sweepStuck recovers rows the pipeline lost track of: PENDING rows
// whose publish never happened, and PROCESSING claims orphaned by a
// worker crash or an aborted drain. Republishing a row that was
// actually in flight is safe; the worker's claim CAS drops the
// duplicate.
func (s *SchedulerService) sweepStuck(ctx context.Context) {
	locked, err := s.cache.AcquireLock(ctx, stuckSweepLock, s.cfg.LockTTL)
	if err != nil {
		s.logger.Warn("stuck sweep lock unavailable", "error", err)
		return
	}
	if !locked {
		return
	}
	defer s.releaseLock(ctx, stuckSweepLock)

	cutoff := s.now().UTC().Add(-s.cfg.StuckThreshold)
	s.republishStuckPending(ctx, cutoff)
	s.recoverStuckProcessing(ctx, cutoff)
}

func (s *SchedulerService) republishStuckPending(ctx context.Context, cutoff time.Time) {
	stuck, err := s.repo.FindStuckPending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to find stuck notifications", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	republished := 0
	for _, n := range stuck {
		if err := s.publisher.Publish(ctx, domain.TopicMain, domain.NewMessage(n), nil); err != nil {
			s.logger.Error("failed to republish stuck notification",
				"notification_id", n.ID,
				"error", err,
			)
			continue
		}
		republished++
	}

	s.logger.Warn("stuck sweep republished notifications",
		"found", len(stuck),
		"republished", republished,
		"older_than", cutoff,
	)
}

// recoverStuckProcessing reverts orphaned claims to PENDING and puts
// them back on the main topic. Without this a worker crash between the
// claim CAS and MarkSent would strand the row in PROCESSING forever,
// because redelivered messages lose the claim and are dropped.
func (s *SchedulerService) recoverStuckProcessing(ctx context.Context, cutoff time.Time) {
	stale, err := s.repo.FindStuckProcessing(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to find stale processing notifications", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	recovered := 0
	for _, n := range stale {
		ok, err := s.repo.RevertProcessing(ctx, n.ID)
		if err != nil {
			s.logger.Error("failed to revert stale processing notification",
				"notification_id", n.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			// Settled or cancelled since the query ran.
			continue
		}

		n.Status = domain.StatusPending
		if err := s.publisher.Publish(ctx, domain.TopicMain, domain.NewMessage(n), nil); err != nil {
			// Row is PENDING again; the next stuck sweep republishes it.
			s.logger.Error("failed to republish recovered notification",
				"notification_id", n.ID,
				"error", err,
			)
			continue
		}
		recovered++
	}

	s.logger.Warn("stuck sweep recovered orphaned claims",
		"found", len(stale),
		"recovered", recovered,
		"older_than", cutoff,
	)
}

func (s *SchedulerService) releaseLock(ctx context.Context, name string) {
	if err := s.cache.ReleaseLock(ctx, name); err != nil {
		s.logger.Warn("failed to release sweep lock", "lock", name, "error", err)
	}
}
