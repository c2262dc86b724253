// Package processor handles one notification job: it delivers through the
// channel registry and records the outcome or hands off to the retry
// scheduler.
package processor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"notification-workers/internal/audit"
	"notification-workers/internal/broker"
	"notification-workers/internal/common/errors"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/common/metrics"
	"notification-workers/internal/common/observability"
	"notification-workers/internal/lock"
	"notification-workers/internal/models"
)

const (
	releaseTimeout       = 2 * time.Second
	defaultSendTimeout   = 25 * time.Second
	defaultSettleTimeout = 5 * time.Second
)

// Config bounds the two phases of an attempt. The provider call gets
// SendTimeout inside the job context. The writes that follow it run detached
// from the job context under SettleTimeout, so an expired job deadline still
// leaves time to persist the outcome.
type Config struct {
	SendTimeout   time.Duration
	SettleTimeout time.Duration
}

type notificationStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	FindUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.NotificationStatus, retryCount *int) (*models.Notification, error)
}

type locker interface {
	Acquire(ctx context.Context, id string) (*lock.Lease, bool, error)
}

type dispatcher interface {
	Deliver(ctx context.Context, n *models.Notification, u *models.User) error
}

type retryScheduler interface {
	ScheduleRetry(ctx context.Context, n *models.Notification) (time.Duration, error)
}

type Handler struct {
	store        notificationStore
	locker       locker
	registry     dispatcher
	scheduler    retryScheduler
	journal      audit.Journal
	config       Config
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(
	store notificationStore,
	locker locker,
	registry dispatcher,
	scheduler retryScheduler,
	journal audit.Journal,
	config Config,
	log logger.Logger,
) *Handler {
	if journal == nil {
		journal = audit.NopJournal{}
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaultSendTimeout
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = defaultSettleTimeout
	}
	log = logger.ForComponent(log, "processor")
	return &Handler{
		store:        store,
		locker:       locker,
		registry:     registry,
		scheduler:    scheduler,
		journal:      journal,
		config:       config,
		errorHandler: errors.NewErrorHandler(log),
		logger:       log,
	}
}

// Handle implements broker.JobHandler.
func (h *Handler) Handle(ctx context.Context, job broker.Job) broker.Disposition {
	log := h.logger.WithFields(map[string]interface{}{
		"notificationId": job.ID.String(),
		"traceId":        observability.TraceID(ctx),
	})

	n, disposition, ok := h.load(ctx, log, job)
	if !ok {
		return disposition
	}

	lease, acquired, err := h.locker.Acquire(ctx, job.ID.String())
	switch {
	case err != nil:
		log.Warn("Lock unavailable, processing without it", map[string]interface{}{"error": err})
	case !acquired:
		log.Info("Notification is being processed elsewhere, skipping", nil)
		return broker.Ack
	}
	defer h.release(log, lease)

	// Re-read under the lock: another consumer may have resolved it meanwhile.
	if n, disposition, ok = h.load(ctx, log, job); !ok {
		return disposition
	}

	return h.attempt(ctx, log, n)
}

// load returns ok=false with the disposition to use when there is nothing
// to deliver.
func (h *Handler) load(ctx context.Context, log logger.Logger, job broker.Job) (*models.Notification, broker.Disposition, bool) {
	n, err := h.store.FindByID(ctx, job.ID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotificationNotFound) {
			log.Warn("Notification not found, dropping job", nil)
		} else {
			log.Error("Failed to load notification", map[string]interface{}{"error": err})
		}
		return nil, broker.Reject, false
	}
	if n.Status.IsTerminal() {
		log.Debug("Notification already resolved, skipping duplicate", map[string]interface{}{
			"status": n.Status.String(),
		})
		return nil, broker.Ack, false
	}
	if job.Superseded(n.RetryCount) {
		log.Info("Job superseded by a later attempt, skipping", map[string]interface{}{
			"jobRetryCount": *job.RetryCount,
			"retryCount":    n.RetryCount,
		})
		return nil, broker.Ack, false
	}
	return n, broker.Ack, true
}

func (h *Handler) release(log logger.Logger, lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		log.Warn("Failed to release lock", map[string]interface{}{"error": err})
	}
}

// settleContext detaches from the job context, keeping its values for
// tracing, and bounds the writes that record an attempt's outcome.
func (h *Handler) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.config.SettleTimeout)
}

func (h *Handler) attempt(ctx context.Context, log logger.Logger, n *models.Notification) broker.Disposition {
	start := time.Now()

	user, err := h.store.FindUser(ctx, n.UserID)
	if stderrors.Is(err, errors.ErrUserNotFound) {
		elapsed := time.Since(start)
		metrics.DeliveryAttempts.WithLabelValues(n.Type.String(), audit.OutcomeUserMissing, string(errors.ErrCodeUserNotFound)).Inc()
		log.Warn("User no longer exists, failing notification", map[string]interface{}{"userId": n.UserID.String()})
		disposition := h.resolve(ctx, log, n, models.EventUserMissing)
		h.record(ctx, n, audit.OutcomeUserMissing, err, elapsed)
		return disposition
	}
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, h.config.SendTimeout)
		err = h.registry.Deliver(sendCtx, n, user)
		cancel()
	}
	elapsed := time.Since(start)

	if err == nil {
		metrics.DeliveryAttempts.WithLabelValues(n.Type.String(), audit.OutcomeSent, "").Inc()
		disposition := h.resolve(ctx, log, n, models.EventDelivered)
		h.record(ctx, n, audit.OutcomeSent, nil, elapsed)
		return disposition
	}

	stdErr := h.errorHandler.HandleJobError(n.ID.String(), n.Attempt(), err)
	metrics.DeliveryAttempts.WithLabelValues(n.Type.String(), audit.OutcomeFailed, string(stdErr.Code)).Inc()

	var disposition broker.Disposition
	if models.FailureEvent(n) == models.EventRetry {
		disposition = h.retry(ctx, log, n)
	} else {
		disposition = h.resolve(ctx, log, n, models.EventExhausted)
	}
	h.record(ctx, n, audit.OutcomeFailed, stdErr, elapsed)
	return disposition
}

func (h *Handler) retry(ctx context.Context, log logger.Logger, n *models.Notification) broker.Disposition {
	ctx, cancel := h.settleContext(ctx)
	defer cancel()

	delay, err := h.scheduler.ScheduleRetry(ctx, n)
	if err == nil {
		log.Debug("Handed off to retry queue", map[string]interface{}{"delayMs": delay.Milliseconds()})
		return broker.Ack
	}
	if stderrors.Is(err, errors.ErrRetryConflict) {
		return broker.Ack
	}

	metrics.RetryScheduleFailures.WithLabelValues(string(errors.CodeOf(err))).Inc()
	log.Error("Failed to schedule retry, dead-lettering job", map[string]interface{}{
		"retryCount": n.RetryCount,
		"error":      err,
	})
	return broker.Reject
}

// resolve applies a lifecycle event and persists the resulting status.
func (h *Handler) resolve(ctx context.Context, log logger.Logger, n *models.Notification, event models.LifecycleEvent) broker.Disposition {
	next, err := models.NextStatus(n, event)
	if err != nil {
		log.Error("Rejected status transition", map[string]interface{}{"event": string(event), "error": err})
		return broker.Ack
	}

	ctx, cancel := h.settleContext(ctx)
	defer cancel()

	updated, err := h.store.UpdateStatus(ctx, n.ID, next, nil)
	if err != nil {
		if stderrors.Is(err, errors.ErrInvalidTransition) {
			log.Info("Notification resolved by another consumer", nil)
			return broker.Ack
		}
		log.Error("Failed to persist status", map[string]interface{}{"status": next.String(), "error": err})
		return broker.Reject
	}

	metrics.NotificationsResolved.WithLabelValues(n.Type.String(), next.String()).Inc()
	log.Info("Notification resolved", map[string]interface{}{
		"status":     updated.Status.String(),
		"retryCount": updated.RetryCount,
		"event":      string(event),
	})
	return broker.Ack
}

// record writes the attempt to the journal once its outcome is persisted.
func (h *Handler) record(ctx context.Context, n *models.Notification, outcome string, err error, elapsed time.Duration) {
	a := audit.Attempt{
		NotificationID: n.ID.String(),
		UserID:         n.UserID.String(),
		Type:           n.Type.String(),
		Attempt:        n.Attempt(),
		Outcome:        outcome,
		DurationMs:     elapsed.Milliseconds(),
		TraceID:        observability.TraceID(ctx),
		Timestamp:      time.Now().UTC(),
	}
	if err != nil {
		a.ErrorCode = string(errors.CodeOf(err))
		a.Error = err.Error()
	}

	ctx, cancel := h.settleContext(ctx)
	defer cancel()
	h.journal.Record(ctx, a)
}
