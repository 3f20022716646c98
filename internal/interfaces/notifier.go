package interfaces

import (
	"context"

	"github.com/ternarybob/authkeeper/internal/models"
)

// NotificationChannel delivers a fully formed event. Channels only format and transport;
// they never modify the event or reinterpret its level.
type NotificationChannel interface {
	Name() string
	Enabled() bool
	// Available reports whether the transport is usable right now (e.g. credentials resolved)
	Available() bool
	MinLevel() models.Level
	Send(ctx context.Context, event models.NotificationEvent) error
}

// Notifier fans an event out to every enabled and available channel
type Notifier interface {
	Emit(ctx context.Context, event models.NotificationEvent) models.DeliveryReport
}
