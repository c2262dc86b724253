// Package store persists notifications and reads users from Postgres.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"notification-workers/internal/common/errors"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/models"
)

const notificationColumns = `id, user_id, type, content, subject, status, retry_count, created_at, updated_at`

type PostgresStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresStore(db *sql.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger.ForComponent(log, "store"),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var n models.Notification
	if err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Type,
		&n.Content,
		&n.Subject,
		&n.Status,
		&n.RetryCount,
		&n.CreatedAt,
		&n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &n, nil
}

// Create inserts n and returns the stored row with database timestamps.
func (s *PostgresStore) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, type, content, subject, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+notificationColumns,
		n.ID, n.UserID, n.Type, n.Content, n.Subject, n.Status, n.RetryCount,
	)

	created, err := scanNotification(row)
	if err != nil {
		return nil, errors.NewDatabaseError("create notification", err)
	}
	return created, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE id = $1`, id)

	n, err := scanNotification(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotificationNotFoundError(id.String())
	}
	if err != nil {
		return nil, errors.NewDatabaseError("find notification", err)
	}
	return n, nil
}

// FindByUser returns the user's notifications, newest first.
func (s *PostgresStore) FindByUser(ctx context.Context, userID uuid.UUID) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, errors.NewDatabaseError("find notifications by user", err)
	}
	return collect(rows, "find notifications by user")
}

// UpdateStatus moves a pending notification to status. A nil retryCount
// keeps the stored value. Terminal rows are never touched.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.NotificationStatus, retryCount *int) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET status = $2,
		    retry_count = COALESCE($3, retry_count),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+notificationColumns,
		id, status, retryCount,
	)

	n, err := scanNotification(row)
	if err == nil {
		return n, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewDatabaseError("update notification status", err)
	}

	// Nothing matched: either the row is gone or it is already terminal.
	current, findErr := s.FindByID(ctx, id)
	if findErr != nil {
		return nil, findErr
	}
	return nil, errors.NewInvalidTransitionError(&models.TransitionError{
		From:   current.Status,
		Event:  models.LifecycleEvent("set_" + string(status)),
		Reason: "status is terminal",
	})
}

// IncrementRetryCount bumps retry_count by one if it still equals expected.
// A lost race yields RETRY_CONFLICT.
func (s *PostgresStore) IncrementRetryCount(ctx context.Context, id uuid.UUID, expected int) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE id = $1 AND retry_count = $2 AND status = 'pending' AND retry_count < $3
		RETURNING `+notificationColumns,
		id, expected, models.MaxRetryCount,
	)

	n, err := scanNotification(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewRetryConflictError(id.String(), expected)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("increment retry count", err)
	}
	return n, nil
}

// FindStalePending lists pending notifications not updated since before,
// oldest first.
func (s *PostgresStore) FindStalePending(ctx context.Context, before time.Time, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("find stale notifications", err)
	}
	return collect(rows, "find stale notifications")
}

// Touch refreshes updated_at if the row is still pending and unchanged since
// expectedUpdatedAt. It reports whether this caller won the claim.
func (s *PostgresStore) Touch(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET updated_at = NOW()
		WHERE id = $1 AND updated_at = $2 AND status = 'pending'`,
		id, expectedUpdatedAt,
	)
	if err != nil {
		return false, errors.NewDatabaseError("touch notification", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewDatabaseError("touch notification", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, errors.NewDatabaseError("check user", err)
	}
	return exists, nil
}

func (s *PostgresStore) FindUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var (
		u     models.User
		email sql.NullString
		phone sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, phone
		FROM users
		WHERE id = $1`, userID).Scan(&u.ID, &email, &phone)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewUserNotFoundError(userID.String())
	}
	if err != nil {
		return nil, errors.NewDatabaseError("find user", err)
	}
	u.Email = email.String
	u.Phone = phone.String
	return &u, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func collect(rows *sql.Rows, op string) ([]models.Notification, error) {
	defer rows.Close()

	out := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.NewDatabaseError(op, err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError(op, err)
	}
	return out, nil
}
