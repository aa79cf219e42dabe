package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NotificationStore writes read state back to the data layer's
// notifications table.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) DB() *sql.DB {
	return s.db
}

// MarkRead flips read to true for the recipient's notification. Rows already
// read, or belonging to someone else, are left untouched.
func (s *NotificationStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET read = TRUE, read_at = NOW()
		WHERE id = $1 AND recipient_user_id = $2 AND read = FALSE
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (s *NotificationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
