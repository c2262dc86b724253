// Package channel dispatches a notification to the provider registered for
// its type.
package channel

import (
	"context"
	"sort"
	"time"

	"notification-workers/internal/common/errors"
	"notification-workers/internal/common/metrics"
	"notification-workers/internal/models"
)

// Provider performs a single delivery attempt.
type Provider interface {
	Send(ctx context.Context, destination, content, subject string) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, destination, content, subject string) error

func (f ProviderFunc) Send(ctx context.Context, destination, content, subject string) error {
	return f(ctx, destination, content, subject)
}

// Resolver extracts the destination a provider needs from the user.
type Resolver func(u *models.User) (string, error)

type route struct {
	provider Provider
	resolve  Resolver
}

// Registry maps notification types to providers.
type Registry struct {
	routes map[models.NotificationType]route
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[models.NotificationType]route)}
}

// Register binds t to provider. A later call for the same type replaces it.
func (r *Registry) Register(t models.NotificationType, provider Provider, resolve Resolver) {
	r.routes[t] = route{provider: provider, resolve: resolve}
}

// Types lists the registered types in sorted order.
func (r *Registry) Types() []models.NotificationType {
	out := make([]models.NotificationType, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deliver resolves the destination and calls the provider once. Every
// failure is a *errors.StandardError.
func (r *Registry) Deliver(ctx context.Context, n *models.Notification, u *models.User) error {
	rt, ok := r.routes[n.Type]
	if !ok {
		return errors.NewUnknownChannelError(string(n.Type))
	}

	destination, err := rt.resolve(u)
	if err != nil {
		return err
	}

	start := time.Now()
	err = rt.provider.Send(ctx, destination, n.Content, n.Subject)
	metrics.DeliveryDuration.WithLabelValues(string(n.Type)).Observe(time.Since(start).Seconds())
	if err != nil {
		if stdErr, ok := errors.AsStandard(err); ok {
			return stdErr
		}
		return errors.NewNotificationSendFailedError(string(n.Type), err)
	}
	return nil
}

func EmailAddress(u *models.User) (string, error) {
	if !u.HasEmail() {
		return "", errors.NewContactMissingError(string(models.NotificationTypeEmail), "email")
	}
	return u.Email, nil
}

func PhoneNumber(u *models.User) (string, error) {
	if !u.HasPhone() {
		return "", errors.NewContactMissingError(string(models.NotificationTypeSMS), "phone")
	}
	return u.Phone, nil
}

// UserID routes to the user's own inbox; any existing user qualifies.
func UserID(u *models.User) (string, error) {
	return u.ID.String(), nil
}
