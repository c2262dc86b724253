package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-workers/internal/common/errors"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

var columns = []string{"id", "user_id", "type", "content", "subject", "status", "retry_count", "created_at", "updated_at"}

func setupStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db, logger.NewTestLogger(t)), mock
}

func notificationRow(n *models.Notification) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		n.ID.String(), n.UserID.String(), string(n.Type), n.Content, n.Subject,
		string(n.Status), n.RetryCount, n.CreatedAt, n.UpdatedAt,
	)
}

func sampleNotification() *models.Notification {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Notification{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Type:      models.NotificationTypeEmail,
		Content:   "Your order shipped",
		Subject:   "Order update",
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ==========================
// Create
// ==========================

func TestCreate_Success(t *testing.T) {
	s, mock := setupStore(t)
	n := sampleNotification()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WithArgs(n.ID, n.UserID, n.Type, n.Content, n.Subject, n.Status, 0).
		WillReturnRows(notificationRow(n))

	created, err := s.Create(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, n.ID, created.ID)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.Equal(t, 0, created.RetryCount)
	assert.Equal(t, n.CreatedAt, created.CreatedAt)
}

func TestCreate_DatabaseError(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WillReturnError(sql.ErrConnDone)

	_, err := s.Create(context.Background(), sampleNotification())
	assert.Equal(t, errors.ErrCodeDatabaseQueryFailed, errors.CodeOf(err))
	assert.True(t, stderrors.Is(err, sql.ErrConnDone))
}

// ==========================
// Lookups
// ==========================

func TestFindByID(t *testing.T) {
	n := sampleNotification()

	tests := []struct {
		name     string
		mock     func(mock sqlmock.Sqlmock)
		wantCode errors.ErrorCode
	}{
		{
			name: "found",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("FROM notifications")).
					WithArgs(n.ID).
					WillReturnRows(notificationRow(n))
			},
		},
		{
			name: "not found",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("FROM notifications")).
					WithArgs(n.ID).
					WillReturnError(sql.ErrNoRows)
			},
			wantCode: errors.ErrCodeNotificationNotFound,
		},
		{
			name: "query error",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("FROM notifications")).
					WithArgs(n.ID).
					WillReturnError(stderrors.New("connection reset"))
			},
			wantCode: errors.ErrCodeDatabaseQueryFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := setupStore(t)
			tt.mock(mock)

			got, err := s.FindByID(context.Background(), n.ID)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, n.Content, got.Content)
			assert.Equal(t, n.Type, got.Type)
		})
	}
}

func TestFindByUser_NewestFirst(t *testing.T) {
	s, mock := setupStore(t)
	older := sampleNotification()
	newer := sampleNotification()
	newer.UserID = older.UserID
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)

	rows := sqlmock.NewRows(columns).
		AddRow(newer.ID.String(), newer.UserID.String(), "email", newer.Content, "", "sent", 0, newer.CreatedAt, newer.UpdatedAt).
		AddRow(older.ID.String(), older.UserID.String(), "sms", older.Content, "", "pending", 2, older.CreatedAt, older.UpdatedAt)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs(older.UserID).
		WillReturnRows(rows)

	list, err := s.FindByUser(context.Background(), older.UserID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, models.StatusSent, list[0].Status)
	assert.Equal(t, models.NotificationTypeSMS, list[1].Type)
	assert.Equal(t, 2, list[1].RetryCount)
}

func TestFindByUser_Empty(t *testing.T) {
	s, mock := setupStore(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications")).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(columns))

	list, err := s.FindByUser(context.Background(), userID)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

// ==========================
// Guarded updates
// ==========================

func TestUpdateStatus_Pending(t *testing.T) {
	s, mock := setupStore(t)
	n := sampleNotification()
	sent := *n
	sent.Status = models.StatusSent

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = 'pending'")).
		WithArgs(n.ID, models.StatusSent, nil).
		WillReturnRows(notificationRow(&sent))

	got, err := s.UpdateStatus(context.Background(), n.ID, models.StatusSent, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
}

func TestUpdateStatus_WithRetryCount(t *testing.T) {
	s, mock := setupStore(t)
	n := sampleNotification()
	failed := *n
	failed.Status = models.StatusFailed
	failed.RetryCount = 3
	count := 3

	mock.ExpectQuery(regexp.QuoteMeta("COALESCE($3, retry_count)")).
		WithArgs(n.ID, models.StatusFailed, 3).
		WillReturnRows(notificationRow(&failed))

	got, err := s.UpdateStatus(context.Background(), n.ID, models.StatusFailed, &count)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
}

func TestUpdateStatus_TerminalIsRejected(t *testing.T) {
	s, mock := setupStore(t)
	n := sampleNotification()
	n.Status = models.StatusSent

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(n.ID).
		WillReturnRows(notificationRow(n))

	_, err := s.UpdateStatus(context.Background(), n.ID, models.StatusFailed, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))
	assert.True(t, stderrors.Is(err, models.ErrInvalidTransition))
}

func TestUpdateStatus_Missing(t *testing.T) {
	s, mock := setupStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateStatus(context.Background(), id, models.StatusSent, nil)
	assert.True(t, stderrors.Is(err, errors.ErrNotificationNotFound))
}

func TestIncrementRetryCount(t *testing.T) {
	n := sampleNotification()
	bumped := *n
	bumped.RetryCount = 2

	tests := []struct {
		name     string
		mock     func(mock sqlmock.Sqlmock)
		wantCode errors.ErrorCode
	}{
		{
			name: "swap succeeds",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SET retry_count = retry_count + 1")).
					WithArgs(n.ID, 1, models.MaxRetryCount).
					WillReturnRows(notificationRow(&bumped))
			},
		},
		{
			name: "swap lost",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SET retry_count = retry_count + 1")).
					WithArgs(n.ID, 1, models.MaxRetryCount).
					WillReturnError(sql.ErrNoRows)
			},
			wantCode: errors.ErrCodeRetryConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := setupStore(t)
			tt.mock(mock)

			got, err := s.IncrementRetryCount(context.Background(), n.ID, 1)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, got.RetryCount)
		})
	}
}

// ==========================
// Recovery support
// ==========================

func TestFindStalePending(t *testing.T) {
	s, mock := setupStore(t)
	n := sampleNotification()
	before := n.UpdatedAt.Add(10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'pending' AND updated_at < $1")).
		WithArgs(before, 50).
		WillReturnRows(notificationRow(n))

	list, err := s.FindStalePending(context.Background(), before, 50)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, n.ID, list[0].ID)
}

func TestTouch(t *testing.T) {
	n := sampleNotification()

	for _, tc := range []struct {
		name     string
		affected int64
		want     bool
	}{
		{"claimed", 1, true},
		{"lost", 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := setupStore(t)
			mock.ExpectExec(regexp.QuoteMeta("SET updated_at = NOW()")).
				WithArgs(n.ID, n.UpdatedAt).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))

			ok, err := s.Touch(context.Background(), n.ID, n.UpdatedAt)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

// ==========================
// Users
// ==========================

func TestUserExists(t *testing.T) {
	s, mock := setupStore(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.UserExists(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFindUser_NullableContacts(t *testing.T) {
	s, mock := setupStore(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "phone"}).AddRow(userID.String(), "a@example.com", nil))

	u, err := s.FindUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.False(t, u.HasPhone())
}

func TestFindUser_Missing(t *testing.T) {
	s, mock := setupStore(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs(userID).
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindUser(context.Background(), userID)
	assert.True(t, stderrors.Is(err, errors.ErrUserNotFound))
}

func TestEnsureSchema(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS users")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS notifications")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("idx_notifications_user_created")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("idx_notifications_pending_updated")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestSchema_NotificationsOutliveUsers(t *testing.T) {
	for _, stmt := range schemaStatements {
		assert.NotContains(t, stmt, "REFERENCES", "deleting a user must not be blocked by pending notifications")
	}
}
