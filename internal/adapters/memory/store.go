// Package memory implements the repository ports on mutex-guarded maps. It
// backs development runs without DATABASE_URL and the service tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"scanhub/internal/domain"
	"scanhub/internal/ports"
)

type Store struct {
	mu            sync.RWMutex
	reports       map[string]domain.ScanReport
	notifications map[int64]domain.Notification
	nextID        int64
	prefs         map[int64]domain.DeliveryPreferences
}

func New() *Store {
	return &Store{
		reports:       make(map[string]domain.ScanReport),
		notifications: make(map[int64]domain.Notification),
		prefs:         make(map[int64]domain.DeliveryPreferences),
	}
}

var (
	_ ports.ReportRepository       = (*Store)(nil)
	_ ports.NotificationRepository = (*Store)(nil)
	_ ports.PreferencesRepository  = (*Store)(nil)
)

func (s *Store) Create(_ context.Context, r *domain.ScanReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = domain.StatusQueued
	}
	s.reports[r.ID] = *r
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.ScanReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return domain.ScanReport{}, ports.ErrNotFound
	}
	return r, nil
}

func (s *Store) MarkRunning(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return false, ports.ErrNotFound
	}
	if !domain.CanTransition(r.Status, domain.StatusRunning) {
		return false, nil
	}
	r.Status = domain.StatusRunning
	r.StartedAt = &at
	s.reports[id] = r
	return true, nil
}

func (s *Store) UpdateProgress(_ context.Context, id string, progress float64) error {
	progress = min(max(progress, 0), 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return ports.ErrNotFound
	}
	if r.Status != domain.StatusRunning {
		return nil
	}
	r.Progression = progress
	s.reports[id] = r
	return nil
}

func (s *Store) Finish(_ context.Context, id string, status domain.Status, at time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return false, ports.ErrNotFound
	}
	if !status.Terminal() || !domain.CanTransition(r.Status, status) {
		return false, nil
	}
	r.Status = status
	r.FinishedAt = &at
	r.ErrorMessage = domain.Truncate(reason)
	if status == domain.StatusCompleted {
		r.Progression = 1
	}
	s.reports[id] = r
	return true, nil
}

func (s *Store) Save(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	n.ID = s.nextID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notifications[n.ID] = *n
	return nil
}

// ListByUser returns the history of a user, newest first.
func (s *Store) ListByUser(_ context.Context, userID int64) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Notification{}
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return ports.ErrNotFound
	}
	n.IsRead = true
	s.notifications[id] = n
	return nil
}

func (s *Store) MarkAllRead(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for id, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			s.notifications[id] = n
			changed++
		}
	}
	return changed, nil
}

func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[id]; !ok {
		return ports.ErrNotFound
	}
	delete(s.notifications, id)
	return nil
}

func (s *Store) UnreadCount(_ context.Context, userID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetPreferences(_ context.Context, userID int64) (domain.DeliveryPreferences, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return domain.DeliveryPreferences{UserID: userID}, false, nil
	}
	p.Emails = slices.Clone(p.Emails)
	return p, true, nil
}

// PutPreferences stores the delivery settings of a user. Settings are owned
// by an external screen; this is how development setups and tests seed them.
func (s *Store) PutPreferences(p domain.DeliveryPreferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Emails = slices.Clone(p.Emails)
	s.prefs[p.UserID] = p
}
