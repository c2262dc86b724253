// Package api exposes notification creation and lookup over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"notification-workers/internal/channel"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/models"
)

type notificationCreator interface {
	Create(ctx context.Context, userID uuid.UUID, t models.NotificationType, content, subject string) (*models.Notification, error)
}

type notificationReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	FindByUser(ctx context.Context, userID uuid.UUID) ([]models.Notification, error)
}

type inboxReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]channel.InboxEntry, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Creator notificationCreator
	Reader  notificationReader
	// Inbox is optional; the inbox route is only mounted when set.
	Inbox  inboxReader
	Health map[string]HealthCheck
}

type Server struct {
	engine    *gin.Engine
	deps      Deps
	validator *validator.Validate
	logger    logger.Logger
}

func NewServer(deps Deps, log logger.Logger) *Server {
	s := &Server{
		engine:    gin.New(),
		deps:      deps,
		validator: validator.New(),
		logger:    logger.ForComponent(log, "api"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api/v1")
	{
		api.POST("/notifications", s.handleCreate)
		api.GET("/notifications/:id", s.handleGet)
		api.GET("/users/:userId/notifications", s.handleListByUser)
		if s.deps.Inbox != nil {
			api.GET("/users/:userId/inbox", s.handleInbox)
		}
	}

	s.engine.GET("/healthz", s.handleHealth)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"durationMs": time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn("HTTP request failed", fields)
			return
		}
		s.logger.Debug("HTTP request", fields)
	}
}
