// internal/models/notification.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxRetryCount is the number of retries a notification gets after its first attempt.
const MaxRetryCount = 3

// NotificationType selects the delivery channel.
type NotificationType string

const (
	NotificationTypeEmail NotificationType = "email"
	NotificationTypeSMS   NotificationType = "sms"
	NotificationTypeInApp NotificationType = "in_app"
)

// NotificationTypes lists every known type in a stable order.
var NotificationTypes = []NotificationType{
	NotificationTypeEmail,
	NotificationTypeSMS,
	NotificationTypeInApp,
}

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeEmail, NotificationTypeSMS, NotificationTypeInApp:
		return true
	}
	return false
}

func (t NotificationType) String() string { return string(t) }

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	StatusPending NotificationStatus = "pending"
	StatusSent    NotificationStatus = "sent"
	StatusFailed  NotificationStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s NotificationStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

func (s NotificationStatus) String() string { return string(s) }

type Notification struct {
	ID         uuid.UUID          `json:"id"`
	UserID     uuid.UUID          `json:"userId"`
	Type       NotificationType   `json:"type"`
	Content    string             `json:"content"`
	Subject    string             `json:"subject,omitempty"`
	Status     NotificationStatus `json:"status"`
	RetryCount int                `json:"retryCount"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// RetriesLeft reports whether a failed attempt may still be retried.
func (n *Notification) RetriesLeft() bool {
	return n.RetryCount < MaxRetryCount
}

// Attempt is the 1-based number of the delivery attempt currently being made.
func (n *Notification) Attempt() int {
	return n.RetryCount + 1
}

// NewNotification builds a pending record with a fresh id.
func NewNotification(userID uuid.UUID, t NotificationType, content, subject string) *Notification {
	return &Notification{
		ID:      uuid.New(),
		UserID:  userID,
		Type:    t,
		Content: content,
		Subject: subject,
		Status:  StatusPending,
	}
}
