// Package mock provides a test double for the notify.Notifier interface.
package mock

import (
	"context"
	"sync"

	"github.com/openhearth/hearth/internal/notify"
)

// Notifier is a mock implementation of notify.Notifier. It records every
// notification and optionally returns a configured error.
type Notifier struct {
	mu sync.Mutex

	// NotifyErr, if non-nil, is returned from Notify.
	NotifyErr error

	// Notifications records every call in order.
	Notifications []notify.Notification
}

var _ notify.Notifier = (*Notifier)(nil)

// Notify records the notification and returns NotifyErr.
func (m *Notifier) Notify(ctx context.Context, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notifications = append(m.Notifications, n)
	return m.NotifyErr
}

// Sent returns a copy of the recorded notifications. Thread-safe.
func (m *Notifier) Sent() []notify.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.Notification, len(m.Notifications))
	copy(out, m.Notifications)
	return out
}
