package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"scanhub/internal/domain"
	"scanhub/internal/ports"
)

var (
	_ ports.ReportRepository       = (*DB)(nil)
	_ ports.NotificationRepository = (*DB)(nil)
	_ ports.PreferencesRepository  = (*DB)(nil)
)

const reportColumns = `id, user_id, scan_type, url, domain, status, scheduled, authenticated,
	progression, error_message, created_at, started_at, finished_at`

func (db *DB) Create(ctx context.Context, r *domain.ScanReport) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = domain.StatusQueued
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO scan_reports (id, user_id, scan_type, url, domain, status, scheduled, authenticated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.UserID, r.ScanType, r.URL, r.Domain, string(r.Status), r.Scheduled, r.Authenticated, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scan report: %w", err)
	}
	return nil
}

func (db *DB) Get(ctx context.Context, id string) (domain.ScanReport, error) {
	var (
		r      domain.ScanReport
		status string
	)
	err := db.Pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM scan_reports WHERE id = $1`, id).Scan(
		&r.ID, &r.UserID, &r.ScanType, &r.URL, &r.Domain, &status, &r.Scheduled, &r.Authenticated,
		&r.Progression, &r.ErrorMessage, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScanReport{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.ScanReport{}, err
	}
	if r.Status, err = domain.ParseStatus(status); err != nil {
		return domain.ScanReport{}, err
	}
	return r, nil
}

// MarkRunning moves a queued report to running. It reports false when the
// report had already left queued.
func (db *DB) MarkRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scan_reports SET status = 'running', started_at = $2
		WHERE id = $1 AND status = ANY($3)
	`, id, at, statuses(domain.Predecessors(domain.StatusRunning)))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.exists(ctx, id)
}

func (db *DB) UpdateProgress(ctx context.Context, id string, progress float64) error {
	progress = min(max(progress, 0), 1)
	_, err := db.Pool.Exec(ctx, `
		UPDATE scan_reports SET progression = $2 WHERE id = $1 AND status = 'running'
	`, id, progress)
	return err
}

// Finish moves a report to a terminal status. Completed reports get full
// progression; the others keep the last value reached.
func (db *DB) Finish(ctx context.Context, id string, status domain.Status, at time.Time, reason string) (bool, error) {
	if !status.Terminal() {
		return false, nil
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scan_reports
		SET status = $2::text,
		    finished_at = $3,
		    error_message = $4,
		    progression = CASE WHEN $2::text = 'completed' THEN 1 ELSE progression END
		WHERE id = $1 AND status = ANY($5)
	`, id, string(status), at, domain.Truncate(reason), statuses(domain.Predecessors(status)))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.exists(ctx, id)
}

// exists returns ports.ErrNotFound for unknown ids and nil otherwise.
func (db *DB) exists(ctx context.Context, id string) error {
	var one int
	err := db.Pool.QueryRow(ctx, `SELECT 1 FROM scan_reports WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.ErrNotFound
	}
	return err
}

func statuses(list []domain.Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}
