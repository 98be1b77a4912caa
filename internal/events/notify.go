package events

import "context"

// Notification is an outbound trigger for the notification layer ("user was
// invited to a project", "task was assigned"). Delivery is fire-and-forget:
// a failed or missing notifier never affects the state change that raised it.
type Notification struct {
	Type      string
	ProjectID string
	EntityID  string
	ActorID   string
	TargetID  string
	Payload   map[string]any
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}
