package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-workers/internal/channel"
	"notification-workers/internal/common/errors"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ==========================
// Mock Implementations
// ==========================

type createCall struct {
	userID  uuid.UUID
	nType   models.NotificationType
	content string
	subject string
}

type MockCreator struct {
	CreateFunc func(ctx context.Context, userID uuid.UUID, t models.NotificationType, content, subject string) (*models.Notification, error)
	calls      []createCall
}

func (m *MockCreator) Create(ctx context.Context, userID uuid.UUID, t models.NotificationType, content, subject string) (*models.Notification, error) {
	m.calls = append(m.calls, createCall{userID, t, content, subject})
	return m.CreateFunc(ctx, userID, t, content, subject)
}

type MockReader struct {
	FindByIDFunc   func(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	FindByUserFunc func(ctx context.Context, userID uuid.UUID) ([]models.Notification, error)
}

func (m *MockReader) FindByID(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	return m.FindByIDFunc(ctx, id)
}

func (m *MockReader) FindByUser(ctx context.Context, userID uuid.UUID) ([]models.Notification, error) {
	return m.FindByUserFunc(ctx, userID)
}

type MockInbox struct {
	RecentFunc func(ctx context.Context, userID string, limit int) ([]channel.InboxEntry, error)
}

func (m *MockInbox) Recent(ctx context.Context, userID string, limit int) ([]channel.InboxEntry, error) {
	return m.RecentFunc(ctx, userID, limit)
}

func echoCreator() *MockCreator {
	return &MockCreator{
		CreateFunc: func(ctx context.Context, userID uuid.UUID, t models.NotificationType, content, subject string) (*models.Notification, error) {
			return models.NewNotification(userID, t, content, subject), nil
		},
	}
}

func perform(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

// ==========================
// POST /api/v1/notifications
// ==========================

func TestCreate_Created(t *testing.T) {
	creator := echoCreator()
	s := NewServer(Deps{Creator: creator}, logger.NewNoOpLogger())
	userID := uuid.New()

	w := perform(t, s, http.MethodPost, "/api/v1/notifications", map[string]string{
		"user_id": userID.String(),
		"type":    "email",
		"content": "Welcome",
		"subject": "Hi",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var n models.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	assert.Equal(t, userID, n.UserID)
	assert.Equal(t, models.StatusPending, n.Status)
	assert.Equal(t, 0, n.RetryCount)
	assert.Equal(t, []createCall{{userID, models.NotificationTypeEmail, "Welcome", "Hi"}}, creator.calls)
}

func TestCreate_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed json", `{"user_id":`},
		{"missing user", map[string]string{"type": "sms", "content": "x"}},
		{"user not a uuid", map[string]string{"user_id": "42", "type": "sms", "content": "x"}},
		{"unknown type", map[string]string{"user_id": uuid.NewString(), "type": "push", "content": "x"}},
		{"missing content", map[string]string{"user_id": uuid.NewString(), "type": "in_app"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creator := echoCreator()
			s := NewServer(Deps{Creator: creator}, logger.NewNoOpLogger())

			w := perform(t, s, http.MethodPost, "/api/v1/notifications", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, string(errors.ErrCodeValidationFailed), errorCode(t, w))
			assert.Empty(t, creator.calls)
		})
	}
}

func TestCreate_UnknownUser(t *testing.T) {
	creator := &MockCreator{
		CreateFunc: func(ctx context.Context, userID uuid.UUID, t models.NotificationType, content, subject string) (*models.Notification, error) {
			return nil, errors.NewUserNotFoundError(userID.String())
		},
	}
	s := NewServer(Deps{Creator: creator}, logger.NewNoOpLogger())

	w := perform(t, s, http.MethodPost, "/api/v1/notifications", map[string]string{
		"user_id": uuid.NewString(), "type": "sms", "content": "x",
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(errors.ErrCodeUserNotFound), errorCode(t, w))
}

func TestCreate_UnexpectedError(t *testing.T) {
	creator := &MockCreator{
		CreateFunc: func(ctx context.Context, userID uuid.UUID, t models.NotificationType, content, subject string) (*models.Notification, error) {
			return nil, stderrors.New("boom")
		},
	}
	s := NewServer(Deps{Creator: creator}, logger.NewNoOpLogger())

	w := perform(t, s, http.MethodPost, "/api/v1/notifications", map[string]string{
		"user_id": uuid.NewString(), "type": "sms", "content": "x",
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(errors.ErrCodeInternal), errorCode(t, w))
	assert.NotContains(t, w.Body.String(), "boom")
}

// ==========================
// Reads
// ==========================

func TestGetNotification(t *testing.T) {
	stored := models.NewNotification(uuid.New(), models.NotificationTypeSMS, "x", "")
	reader := &MockReader{
		FindByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
			if id == stored.ID {
				return stored, nil
			}
			return nil, errors.NewNotificationNotFoundError(id.String())
		},
	}
	s := NewServer(Deps{Reader: reader}, logger.NewNoOpLogger())

	w := perform(t, s, http.MethodGet, "/api/v1/notifications/"+stored.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), stored.ID.String())

	w = perform(t, s, http.MethodGet, "/api/v1/notifications/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(t, s, http.MethodGet, "/api/v1/notifications/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListByUser(t *testing.T) {
	userID := uuid.New()
	newer := models.Notification{ID: uuid.New(), UserID: userID, CreatedAt: time.Now()}
	older := models.Notification{ID: uuid.New(), UserID: userID, CreatedAt: time.Now().Add(-time.Hour)}
	reader := &MockReader{
		FindByUserFunc: func(ctx context.Context, id uuid.UUID) ([]models.Notification, error) {
			if id == userID {
				return []models.Notification{newer, older}, nil
			}
			return nil, nil
		},
	}
	s := NewServer(Deps{Reader: reader}, logger.NewNoOpLogger())

	w := perform(t, s, http.MethodGet, "/api/v1/users/"+userID.String()+"/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)

	w = perform(t, s, http.MethodGet, "/api/v1/users/"+uuid.NewString()+"/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestInbox(t *testing.T) {
	var gotLimit int
	inbox := &MockInbox{
		RecentFunc: func(ctx context.Context, userID string, limit int) ([]channel.InboxEntry, error) {
			gotLimit = limit
			return []channel.InboxEntry{{Content: "hello"}}, nil
		},
	}
	s := NewServer(Deps{Inbox: inbox}, logger.NewNoOpLogger())
	path := "/api/v1/users/" + uuid.NewString() + "/inbox"

	w := perform(t, s, http.MethodGet, path+"?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, gotLimit)
	assert.Contains(t, w.Body.String(), "hello")

	w = perform(t, s, http.MethodGet, path+"?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInbox_NotMountedWithoutReader(t *testing.T) {
	s := NewServer(Deps{}, logger.NewNoOpLogger())
	w := perform(t, s, http.MethodGet, "/api/v1/users/"+uuid.NewString()+"/inbox", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ==========================
// Health
// ==========================

func TestHealth(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	down := func(ctx context.Context) error { return stderrors.New("connection refused") }

	s := NewServer(Deps{Health: map[string]HealthCheck{"postgres": ok, "redis": ok, "rabbitmq": ok}}, logger.NewNoOpLogger())
	w := perform(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"postgres":"ok","redis":"ok","rabbitmq":"ok"}}`, w.Body.String())

	s = NewServer(Deps{Health: map[string]HealthCheck{"postgres": ok, "rabbitmq": down}}, logger.NewNoOpLogger())
	w = perform(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
