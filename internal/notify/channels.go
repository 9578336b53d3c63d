package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"scanhub/internal/domain"
	"scanhub/internal/ports"
)

// PushChannel sends the event to the user's live clients.
type PushChannel struct {
	pusher ports.Pusher
}

func NewPushChannel(p ports.Pusher) *PushChannel { return &PushChannel{pusher: p} }

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) Deliver(ctx context.Context, ev domain.NotificationEvent, _ domain.DeliveryPreferences) error {
	if ev.UserID == 0 {
		return fmt.Errorf("%w: no user", ErrSkipped)
	}
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	return c.pusher.Push(ctx, ev.UserID, payload)
}

// StoreChannel appends the event to the user's notification history.
type StoreChannel struct {
	repo ports.NotificationRepository
}

func NewStoreChannel(repo ports.NotificationRepository) *StoreChannel {
	return &StoreChannel{repo: repo}
}

func (c *StoreChannel) Name() string { return "store" }

var errNoUser = errors.New("notification has no user")

func (c *StoreChannel) Deliver(ctx context.Context, ev domain.NotificationEvent, _ domain.DeliveryPreferences) error {
	if ev.UserID == 0 {
		return errNoUser
	}
	return c.repo.Save(ctx, &domain.Notification{
		UserID:    ev.UserID,
		Message:   ev.Message,
		Type:      ev.Severity,
		CreatedAt: ev.CreatedAt,
	})
}
