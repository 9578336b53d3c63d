package ports

import (
	"context"
	"time"

	"scanhub/internal/domain"
)

// ReportRepository stores scan reports. Status changes are compare-and-set:
// they report false when the record was not in a state that allows the move.
type ReportRepository interface {
	Create(ctx context.Context, report *domain.ScanReport) error
	Get(ctx context.Context, id string) (domain.ScanReport, error)
	MarkRunning(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress float64) error
	Finish(ctx context.Context, id string, status domain.Status, at time.Time, reason string) (bool, error)
}

// NotificationRepository keeps the append-only notification history.
type NotificationRepository interface {
	Save(ctx context.Context, n *domain.Notification) error
	ListByUser(ctx context.Context, userID int64) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	Delete(ctx context.Context, id int64) error
	UnreadCount(ctx context.Context, userID int64) (int64, error)
}

// PreferencesRepository reads per-user delivery settings. found is false when
// the user never saved any.
type PreferencesRepository interface {
	GetPreferences(ctx context.Context, userID int64) (prefs domain.DeliveryPreferences, found bool, err error)
}
