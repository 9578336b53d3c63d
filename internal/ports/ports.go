package ports

import (
	"context"

	"scanhub/internal/domain"
)

// Notifier fans an event out to every delivery channel. It never fails.
type Notifier interface {
	Notify(ctx context.Context, event domain.NotificationEvent)
}

// Pusher delivers an ephemeral payload to the live clients of a user.
type Pusher interface {
	Push(ctx context.Context, userID int64, payload []byte) error
}
