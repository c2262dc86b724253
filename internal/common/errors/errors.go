// Package errors provides the coded error type shared by the delivery pipeline and the API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidationFailed     ErrorCode = "VALIDATION_FAILED"
	ErrCodeUserNotFound         ErrorCode = "USER_NOT_FOUND"
	ErrCodeNotificationNotFound ErrorCode = "NOTIFICATION_NOT_FOUND"

	ErrCodeContactMissing         ErrorCode = "CONTACT_MISSING"
	ErrCodeNotificationSendFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeUnknownChannel         ErrorCode = "UNKNOWN_CHANNEL"

	ErrCodeRetryScheduleFailed ErrorCode = "RETRY_SCHEDULE_FAILED"
	ErrCodeRetryConflict       ErrorCode = "RETRY_CONFLICT"
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"

	ErrCodeDatabaseQueryFailed ErrorCode = "DATABASE_QUERY_FAILED"
	ErrCodePublishFailed       ErrorCode = "PUBLISH_FAILED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error { return e.cause }

// Is matches any StandardError carrying the same code, so the sentinels
// below work with errors.Is.
func (e *StandardError) Is(target error) bool {
	var other *StandardError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithMetadata attaches a key/value pair and returns the receiver.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidationFailed     = &StandardError{Code: ErrCodeValidationFailed}
	ErrUserNotFound         = &StandardError{Code: ErrCodeUserNotFound}
	ErrNotificationNotFound = &StandardError{Code: ErrCodeNotificationNotFound}
	ErrContactMissing       = &StandardError{Code: ErrCodeContactMissing}
	ErrSendFailed           = &StandardError{Code: ErrCodeNotificationSendFailed}
	ErrUnknownChannel       = &StandardError{Code: ErrCodeUnknownChannel}
	ErrRetryScheduleFailed  = &StandardError{Code: ErrCodeRetryScheduleFailed}
	ErrRetryConflict        = &StandardError{Code: ErrCodeRetryConflict}
	ErrInvalidTransition    = &StandardError{Code: ErrCodeInvalidTransition}
)

// ==========================
// 2. Error Constructors
// ==========================

// NewValidationError creates a non-retryable input validation error.
func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Request validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUserNotFoundError creates a non-retryable referential error.
func NewUserNotFoundError(userID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUserNotFound,
		Message:   "User not found",
		Details:   fmt.Sprintf("user '%s' does not exist", userID),
		Retryable: false,
		Metadata:  map[string]interface{}{"userId": userID},
		Timestamp: time.Now().UTC(),
	}
}

func NewNotificationNotFoundError(id string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationNotFound,
		Message:   "Notification not found",
		Details:   fmt.Sprintf("notification '%s' does not exist", id),
		Retryable: false,
		Metadata:  map[string]interface{}{"notificationId": id},
		Timestamp: time.Now().UTC(),
	}
}

// NewContactMissingError creates a retryable error for a user lacking the
// contact detail a channel needs.
func NewContactMissingError(channel, field string) *StandardError {
	return &StandardError{
		Code:      ErrCodeContactMissing,
		Message:   fmt.Sprintf("User has no %s for channel '%s'", field, channel),
		Retryable: true,
		Metadata:  map[string]interface{}{"channel": channel, "field": field},
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationSendFailedError creates a retryable notification error.
func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationSendFailed,
		Message:   fmt.Sprintf("Notification send failed via %s", channel),
		Details:   err.Error(),
		Retryable: true,
		Metadata:  map[string]interface{}{"channel": channel},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewUnknownChannelError(channel string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownChannel,
		Message:   fmt.Sprintf("No provider registered for channel '%s'", channel),
		Retryable: true,
		Metadata:  map[string]interface{}{"channel": channel},
		Timestamp: time.Now().UTC(),
	}
}

// NewRetryScheduleFailedError wraps a failure to persist or publish a retry.
func NewRetryScheduleFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRetryScheduleFailed,
		Message:   "Failed to schedule notification retry",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewRetryConflictError reports a lost compare-and-swap on the retry count.
func NewRetryConflictError(id string, expected int) *StandardError {
	return &StandardError{
		Code:      ErrCodeRetryConflict,
		Message:   "Retry count changed concurrently",
		Details:   fmt.Sprintf("notification '%s' no longer at retry count %d", id, expected),
		Retryable: false,
		Metadata:  map[string]interface{}{"notificationId": id, "expectedRetryCount": expected},
		Timestamp: time.Now().UTC(),
	}
}

func NewInvalidTransitionError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTransition,
		Message:   "Invalid notification status transition",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// Generic constructors

func NewDatabaseError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseQueryFailed,
		Message:   fmt.Sprintf("Database operation '%s' failed", operation),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewPublishError(queue string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodePublishFailed,
		Message:   fmt.Sprintf("Publish to '%s' failed", queue),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// AsStandard returns the StandardError in err's chain, if any.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first StandardError in err's chain, or
// INTERNAL_ERROR. A nil error yields an empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error code to the status the API responds with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeUserNotFound, ErrCodeNotificationNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidTransition, ErrCodeRetryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	case strings.HasSuffix(codeStr, "NOT_FOUND"):
		return "REFERENTIAL"
	case strings.Contains(codeStr, "CONTACT") || strings.Contains(codeStr, "SEND") || strings.Contains(codeStr, "CHANNEL"):
		return "DISPATCH"
	case strings.HasPrefix(codeStr, "RETRY"):
		return "RETRY"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "PUBLISH"):
		return "INFRASTRUCTURE"
	default:
		return "OTHER"
	}
}
