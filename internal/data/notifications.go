package data

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
)

type Notification struct {
	ID        int64
	UserID    int64
	Title     string
	Message   string
	IsRead    bool
	CreatedAt time.Time
}

type NotificationModel struct {
	DB DBTX
}

func (m NotificationModel) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (user_id, title, message, is_read)
		VALUES ($1, $2, $3, FALSE)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query, n.UserID, n.Title, n.Message).Scan(&n.ID, &n.CreatedAt)
}

func (m NotificationModel) ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, title, message, is_read, created_at
		FROM notifications
		WHERE user_id = $1 AND (NOT $2 OR is_read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := m.DB.QueryContext(ctx, query, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}

func (m NotificationModel) MarkRead(ctx context.Context, id, userID int64) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
