// internal/models/lifecycle.go
package models

import (
	"errors"
	"fmt"
)

// LifecycleEvent is an outcome the processor reports for a delivery attempt.
type LifecycleEvent string

const (
	EventDelivered   LifecycleEvent = "delivered"
	EventRetry       LifecycleEvent = "retry"
	EventExhausted   LifecycleEvent = "exhausted"
	EventUserMissing LifecycleEvent = "user_missing"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError describes a rejected event. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	From   NotificationStatus
	Event  LifecycleEvent
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("no transition from status '%s' for event '%s': %s", e.From, e.Event, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type transitionGuard func(n *Notification) bool

type transition struct {
	to    NotificationStatus
	guard transitionGuard
}

// transitions is indexed [from][event]. Terminal states have no entries.
var transitions = map[NotificationStatus]map[LifecycleEvent]transition{
	StatusPending: {
		EventDelivered:   {to: StatusSent},
		EventRetry:       {to: StatusPending, guard: func(n *Notification) bool { return n.RetryCount < MaxRetryCount }},
		EventExhausted:   {to: StatusFailed, guard: func(n *Notification) bool { return n.RetryCount >= MaxRetryCount }},
		EventUserMissing: {to: StatusFailed},
	},
}

// NextStatus applies event to the notification's current status and returns
// the resulting status without mutating n.
func NextStatus(n *Notification, event LifecycleEvent) (NotificationStatus, error) {
	if n.Status.IsTerminal() {
		return n.Status, &TransitionError{From: n.Status, Event: event, Reason: "status is terminal"}
	}

	byEvent, ok := transitions[n.Status]
	if !ok {
		return n.Status, &TransitionError{From: n.Status, Event: event, Reason: "unknown status"}
	}

	t, ok := byEvent[event]
	if !ok {
		return n.Status, &TransitionError{From: n.Status, Event: event, Reason: "unknown event"}
	}

	if t.guard != nil && !t.guard(n) {
		return n.Status, &TransitionError{
			From:   n.Status,
			Event:  event,
			Reason: fmt.Sprintf("guard rejected at retry count %d", n.RetryCount),
		}
	}

	return t.to, nil
}

// FailureEvent picks the event for a failed attempt based on the retry budget.
func FailureEvent(n *Notification) LifecycleEvent {
	if n.RetriesLeft() {
		return EventRetry
	}
	return EventExhausted
}
