// Package recovery re-enqueues pending notifications whose job was lost:
// a publish that failed after insert, or a retry that could not be
// scheduled.
package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notification-workers/internal/broker"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/common/metrics"
	"notification-workers/internal/models"
)

type staleStore interface {
	FindStalePending(ctx context.Context, before time.Time, limit int) ([]models.Notification, error)
	Touch(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time) (bool, error)
}

type publisher interface {
	Publish(ctx context.Context, job broker.Job) error
}

type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

type Sweeper struct {
	store     staleStore
	publisher publisher
	config    Config
	logger    logger.Logger
	now       func() time.Time
}

func NewSweeper(store staleStore, publisher publisher, config Config, log logger.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Sweeper{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logger.ForComponent(log, "recovery"),
		now:       time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("Recovery sweeper started", map[string]interface{}{
		"intervalMs":   s.config.Interval.Milliseconds(),
		"staleAfterMs": s.config.StaleAfter.Milliseconds(),
	})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Recovery sweeper stopped", nil)
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Recovery sweep failed", map[string]interface{}{"error": err})
			}
		}
	}
}

// SweepOnce re-publishes one batch of stale notifications and returns how
// many it re-enqueued. Each row is claimed by a compare-and-swap on
// updatedAt so concurrent sweepers never publish the same one twice.
//
// A record whose original job is still queued behind a long backlog can be
// re-enqueued too. Both jobs carry the same retry count, so whichever runs
// second is superseded and dropped by the processor.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	before := s.now().Add(-s.config.StaleAfter)
	stale, err := s.store.FindStalePending(ctx, before, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, n := range stale {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		claimed, err := s.store.Touch(ctx, n.ID, n.UpdatedAt)
		if err != nil {
			s.logger.Warn("Failed to claim stale notification", map[string]interface{}{
				"notificationId": n.ID.String(),
				"error":          err,
			})
			continue
		}
		if !claimed {
			continue
		}

		if err := s.publisher.Publish(ctx, broker.NewJob(n.ID, n.RetryCount)); err != nil {
			metrics.PublishFailures.WithLabelValues("recovery").Inc()
			s.logger.Error("Failed to re-enqueue notification", map[string]interface{}{
				"notificationId": n.ID.String(),
				"error":          err,
			})
			continue
		}

		recovered++
		metrics.NotificationsRecovered.Inc()
		s.logger.Info("Re-enqueued stale notification", map[string]interface{}{
			"notificationId": n.ID.String(),
			"retryCount":     n.RetryCount,
			"updatedAt":      n.UpdatedAt,
		})
	}
	return recovered, nil
}
