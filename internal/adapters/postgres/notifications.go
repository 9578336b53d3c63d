package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"scanhub/internal/domain"
	"scanhub/internal/ports"
)

func (db *DB) Save(ctx context.Context, n *domain.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return db.Pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, message, type, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, n.UserID, n.Message, string(n.Type), n.IsRead, n.CreatedAt).Scan(&n.ID)
}

// ListByUser returns the history of a user, newest first.
func (db *DB) ListByUser(ctx context.Context, userID int64) ([]domain.Notification, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, message, type, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Notification{}
	for rows.Next() {
		var (
			n   domain.Notification
			typ string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &typ, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = domain.Severity(typ)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (db *DB) MarkRead(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (db *DB) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) Delete(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (db *DB) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID).Scan(&n)
	return n, err
}

// GetPreferences reads the delivery settings of a user.
func (db *DB) GetPreferences(ctx context.Context, userID int64) (domain.DeliveryPreferences, bool, error) {
	p := domain.DeliveryPreferences{UserID: userID}
	err := db.Pool.QueryRow(ctx, `
		SELECT emails, slack_token, slack_channel_id,
		       jira_email, jira_token, jira_domain, jira_board, jira_project_key
		FROM delivery_preferences WHERE user_id = $1
	`, userID).Scan(&p.Emails, &p.SlackToken, &p.SlackChannelID,
		&p.Jira.Email, &p.Jira.Token, &p.Jira.Domain, &p.Jira.Board, &p.Jira.ProjectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DeliveryPreferences{UserID: userID}, false, nil
	}
	if err != nil {
		return domain.DeliveryPreferences{UserID: userID}, false, err
	}
	return p, true, nil
}

// PutPreferences upserts the delivery settings of a user.
func (db *DB) PutPreferences(ctx context.Context, p domain.DeliveryPreferences) error {
	emails := p.Emails
	if emails == nil {
		emails = []string{}
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO delivery_preferences (user_id, emails, slack_token, slack_channel_id,
			jira_email, jira_token, jira_domain, jira_board, jira_project_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			emails = EXCLUDED.emails,
			slack_token = EXCLUDED.slack_token,
			slack_channel_id = EXCLUDED.slack_channel_id,
			jira_email = EXCLUDED.jira_email,
			jira_token = EXCLUDED.jira_token,
			jira_domain = EXCLUDED.jira_domain,
			jira_board = EXCLUDED.jira_board,
			jira_project_key = EXCLUDED.jira_project_key
	`, p.UserID, emails, p.SlackToken, p.SlackChannelID,
		p.Jira.Email, p.Jira.Token, p.Jira.Domain, p.Jira.Board, p.Jira.ProjectKey)
	return err
}
