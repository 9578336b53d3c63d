// Package notify fans notification events out to independent delivery
// channels. A failing channel is logged and counted; it never stops the
// others and never reaches the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scanhub/internal/domain"
	"scanhub/internal/logger"
	"scanhub/internal/metrics"
	"scanhub/internal/ports"
)

// ErrSkipped is returned by a channel the event does not apply to.
var ErrSkipped = errors.New("channel not applicable")

// Channel is one delivery route. Deliver is called once per event with the
// preferences of the event's user.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, ev domain.NotificationEvent, prefs domain.DeliveryPreferences) error
}

const DefaultChannelTimeout = 60 * time.Second

type Service struct {
	prefs    ports.PreferencesRepository
	channels []Channel
	timeout  time.Duration
	now      func() time.Time
	log      logger.Logger
	metrics  *metrics.Metrics
}

var _ ports.Notifier = (*Service)(nil)

type Option func(*Service)

// WithChannelTimeout bounds every single Deliver call.
func WithChannelTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(prefs ports.PreferencesRepository, log logger.Logger, m *metrics.Metrics, channels []Channel, opts ...Option) *Service {
	s := &Service{
		prefs:    prefs,
		channels: channels,
		timeout:  DefaultChannelTimeout,
		now:      time.Now,
		log:      log,
		metrics:  m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify delivers ev on every channel in order.
func (s *Service) Notify(ctx context.Context, ev domain.NotificationEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	log := s.log.With(
		logger.Int64("user_id", ev.UserID),
		logger.String("report_id", ev.ReportID),
		logger.String("severity", string(ev.Severity)))

	prefs := domain.DeliveryPreferences{UserID: ev.UserID}
	if s.prefs != nil && ev.UserID != 0 {
		p, found, err := s.prefs.GetPreferences(ctx, ev.UserID)
		switch {
		case err != nil:
			log.Warn("could not load delivery preferences", logger.Error(err))
		case found:
			prefs = p
		}
	}

	for _, ch := range s.channels {
		err := s.deliver(ctx, ch, ev, prefs)
		switch {
		case err == nil:
			s.metrics.Notifications.WithLabelValues(ch.Name(), "sent").Inc()
		case errors.Is(err, ErrSkipped):
			s.metrics.Notifications.WithLabelValues(ch.Name(), "skipped").Inc()
			log.Debug("notification channel skipped", logger.String("channel", ch.Name()), logger.Error(err))
		default:
			s.metrics.Notifications.WithLabelValues(ch.Name(), "failed").Inc()
			log.Error("notification delivery failed", logger.String("channel", ch.Name()), logger.Error(err))
		}
	}
}

func (s *Service) deliver(ctx context.Context, ch Channel, ev domain.NotificationEvent, prefs domain.DeliveryPreferences) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return ch.Deliver(ctx, ev, prefs)
}

func (s *Service) send(ctx context.Context, userID int64, sev domain.Severity, msg string) {
	s.Notify(ctx, domain.NotificationEvent{Message: msg, Severity: sev, UserID: userID})
}

func (s *Service) Info(ctx context.Context, userID int64, msg string) {
	s.send(ctx, userID, domain.SeverityInfo, msg)
}

func (s *Service) Success(ctx context.Context, userID int64, msg string) {
	s.send(ctx, userID, domain.SeveritySuccess, msg)
}

func (s *Service) Warning(ctx context.Context, userID int64, msg string) {
	s.send(ctx, userID, domain.SeverityWarning, msg)
}

func (s *Service) Error(ctx context.Context, userID int64, msg string) {
	s.send(ctx, userID, domain.SeverityError, msg)
}

func (s *Service) Progress(ctx context.Context, userID int64, msg string) {
	s.send(ctx, userID, domain.SeverityProgression, msg)
}
