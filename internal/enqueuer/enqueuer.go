// Package enqueuer creates notification records and hands them to the
// broker for delivery.
package enqueuer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"notification-workers/internal/broker"
	"notification-workers/internal/common/errors"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/common/metrics"
	"notification-workers/internal/models"
)

type notificationStore interface {
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
	Create(ctx context.Context, n *models.Notification) (*models.Notification, error)
}

type publisher interface {
	Publish(ctx context.Context, job broker.Job) error
}

type Enqueuer struct {
	store     notificationStore
	publisher publisher
	logger    logger.Logger
}

func New(store notificationStore, publisher publisher, log logger.Logger) *Enqueuer {
	return &Enqueuer{
		store:     store,
		publisher: publisher,
		logger:    logger.ForComponent(log, "enqueuer"),
	}
}

// Create persists a pending notification and publishes its job.
//
// A failed publish does not fail the call: the record stays pending and the
// recovery sweeper re-enqueues it.
func (e *Enqueuer) Create(ctx context.Context, userID uuid.UUID, t models.NotificationType, content, subject string) (*models.Notification, error) {
	if err := validate(userID, t, content); err != nil {
		return nil, err
	}

	exists, err := e.store.UserExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NewUserNotFoundError(userID.String())
	}

	n, err := e.store.Create(ctx, models.NewNotification(userID, t, content, subject))
	if err != nil {
		return nil, err
	}
	metrics.NotificationsCreated.WithLabelValues(t.String()).Inc()

	if err := e.publisher.Publish(ctx, broker.NewJob(n.ID, n.RetryCount)); err != nil {
		metrics.PublishFailures.WithLabelValues("enqueue").Inc()
		e.logger.Error("Failed to publish notification job, leaving it for recovery", map[string]interface{}{
			"notificationId": n.ID.String(),
			"error":          err,
		})
		return n, nil
	}

	e.logger.Info("Notification enqueued", map[string]interface{}{
		"notificationId": n.ID.String(),
		"userId":         userID.String(),
		"type":           t.String(),
	})
	return n, nil
}

func validate(userID uuid.UUID, t models.NotificationType, content string) error {
	var problems []string
	if userID == uuid.Nil {
		problems = append(problems, "userId is required")
	}
	if t == "" {
		problems = append(problems, "type is required")
	} else if !t.Valid() {
		problems = append(problems, fmt.Sprintf("type '%s' is not one of %v", t, models.NotificationTypes))
	}
	if strings.TrimSpace(content) == "" {
		problems = append(problems, "content is required")
	}
	if len(problems) > 0 {
		return errors.NewValidationError(strings.Join(problems, "; "))
	}
	return nil
}
