package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"notification-workers/internal/common/errors"
	"notification-workers/internal/models"
)

const healthTimeout = 3 * time.Second

type createRequest struct {
	UserID  string `json:"user_id" validate:"required,uuid"`
	Type    string `json:"type" validate:"required,oneof=email sms in_app"`
	Content string `json:"content" validate:"required"`
	Subject string `json:"subject" validate:"omitempty,max=998"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewValidationError("invalid request body: "+err.Error()))
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.fail(c, errors.NewValidationError(err.Error()))
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.fail(c, errors.NewValidationError("user_id must be a uuid"))
		return
	}

	n, err := s.deps.Creator.Create(c.Request.Context(), userID, models.NotificationType(req.Type), req.Content, req.Subject)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, n)
}

func (s *Server) handleGet(c *gin.Context) {
	id, ok := s.uuidParam(c, "id")
	if !ok {
		return
	}

	n, err := s.deps.Reader.FindByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (s *Server) handleListByUser(c *gin.Context) {
	userID, ok := s.uuidParam(c, "userId")
	if !ok {
		return
	}

	list, err := s.deps.Reader.FindByUser(c.Request.Context(), userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}

	c.JSON(http.StatusOK, list)
}

func (s *Server) handleInbox(c *gin.Context) {
	userID, ok := s.uuidParam(c, "userId")
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			s.fail(c, errors.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = v
	}

	entries, err := s.deps.Inbox.Recent(c.Request.Context(), userID.String(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Health))
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (s *Server) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil || id == uuid.Nil {
		s.fail(c, errors.NewValidationError(name+" must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}

// fail writes err as a StandardError body with the status mapped from its code.
func (s *Server) fail(c *gin.Context, err error) {
	stdErr, ok := errors.AsStandard(err)
	if !ok {
		s.logger.Error("Unhandled API error", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err,
		})
		stdErr = &errors.StandardError{
			Code:      errors.ErrCodeInternal,
			Message:   "Internal server error",
			Timestamp: time.Now().UTC(),
		}
	}
	c.AbortWithStatusJSON(errors.HTTPStatus(stdErr.Code), gin.H{"error": stdErr})
}
