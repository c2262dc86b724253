// Package retry schedules redelivery of failed notifications with
// exponential backoff through the broker's TTL retry queues.
package retry

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"notification-workers/internal/broker"
	"notification-workers/internal/common/errors"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/common/metrics"
	"notification-workers/internal/models"
)

const (
	DefaultBase = 5
	DefaultUnit = time.Second
)

// Backoff computes Unit * Base^(retryCount+1).
type Backoff struct {
	Base int
	Unit time.Duration
}

func (b Backoff) Delay(retryCount int) time.Duration {
	base, unit := b.Base, b.Unit
	if base < 2 {
		base = DefaultBase
	}
	if unit <= 0 {
		unit = DefaultUnit
	}
	return time.Duration(math.Pow(float64(base), float64(retryCount+1))) * unit
}

type retryStore interface {
	IncrementRetryCount(ctx context.Context, id uuid.UUID, expected int) (*models.Notification, error)
}

type delayedPublisher interface {
	PublishDelayed(ctx context.Context, job broker.Job, delay time.Duration) error
}

type Scheduler struct {
	store     retryStore
	publisher delayedPublisher
	backoff   Backoff
	logger    logger.Logger
}

func NewScheduler(store retryStore, publisher delayedPublisher, backoff Backoff, log logger.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		publisher: publisher,
		backoff:   backoff,
		logger:    logger.ForComponent(log, "retry-scheduler"),
	}
}

// ScheduleRetry records the failed attempt and parks a fresh job for the
// backoff delay. The status is left untouched.
//
// A RETRY_CONFLICT error means another consumer already counted this attempt
// and nothing was published. Any other failure is RETRY_SCHEDULE_FAILED.
func (s *Scheduler) ScheduleRetry(ctx context.Context, n *models.Notification) (time.Duration, error) {
	if _, err := models.NextStatus(n, models.EventRetry); err != nil {
		return 0, errors.NewInvalidTransitionError(err)
	}

	delay := s.backoff.Delay(n.RetryCount)

	updated, err := s.store.IncrementRetryCount(ctx, n.ID, n.RetryCount)
	if err != nil {
		if isConflict(err) {
			s.logger.Info("Retry already scheduled by another consumer", map[string]interface{}{
				"notificationId": n.ID.String(),
				"retryCount":     n.RetryCount,
			})
			return 0, err
		}
		return 0, errors.NewRetryScheduleFailedError(err).WithMetadata("retryCount", n.RetryCount)
	}

	if err := s.publisher.PublishDelayed(ctx, broker.NewJob(n.ID, updated.RetryCount), delay); err != nil {
		return 0, errors.NewRetryScheduleFailedError(err).WithMetadata("retryCount", updated.RetryCount)
	}

	metrics.RetriesScheduled.WithLabelValues(string(n.Type), strconv.Itoa(updated.RetryCount)).Inc()
	s.logger.Info("Retry scheduled", map[string]interface{}{
		"notificationId": n.ID.String(),
		"retryCount":     updated.RetryCount,
		"delayMs":        delay.Milliseconds(),
	})
	return delay, nil
}

func isConflict(err error) bool {
	return errors.CodeOf(err) == errors.ErrCodeRetryConflict
}
