// internal/common/errors/handler.go
package errors

import (
	"time"
)

// ErrorHandler normalizes and logs errors raised while processing a job.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleJobError logs err against the notification and returns the
// normalized StandardError for the caller's retry decision.
func (h *ErrorHandler) HandleJobError(notificationID string, attempt int, err error) *StandardError {
	stdErr := h.normalizeError(err)
	h.logError(notificationID, attempt, stdErr)
	return stdErr
}

// normalizeError ensures we always have a StandardError
func (h *ErrorHandler) normalizeError(err error) *StandardError {
	if stdErr, ok := AsStandard(err); ok {
		return stdErr
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func (h *ErrorHandler) logError(notificationID string, attempt int, stdErr *StandardError) {
	fields := map[string]interface{}{
		"notificationId": notificationID,
		"attempt":        attempt,
		"errorCode":      string(stdErr.Code),
		"message":        stdErr.Message,
		"details":        stdErr.Details,
		"retryable":      stdErr.Retryable,
		"errorCategory":  GetErrorCategory(stdErr.Code),
	}
	for k, v := range stdErr.Metadata {
		if _, exists := fields[k]; !exists {
			fields[k] = v
		}
	}
	h.logger.Error("Delivery attempt failed", fields)
}
