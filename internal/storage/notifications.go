package storage

// notifications.go contains SQLiteStore methods for user notifications.
// Notifications are never deleted; only the read flag changes.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const notificationColumns = `id, user_id, type, title, message, metadata, is_read, created_at`

// SaveNotification inserts a new notification. ID and CreatedAt must be set
// by the caller. A nil Metadata map is stored as an empty object.
func (s *SQLiteStore) SaveNotification(n *Notification) error {
	if n == nil {
		return errors.New("notification cannot be nil")
	}
	if n.ID == "" || n.UserID == "" {
		return errors.New("notification id and user id are required")
	}

	metadata := n.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode notification metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO user_notifications (id, user_id, type, title, message, metadata, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		n.ID,
		n.UserID,
		n.Type,
		n.Title,
		n.Message,
		string(encoded),
		boolToInt(n.IsRead),
		formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// GetNotification retrieves a notification by ID.
func (s *SQLiteStore) GetNotification(id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+notificationColumns+` FROM user_notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns a user's notifications newest first.
// A limit <= 0 returns every matching row.
func (s *SQLiteStore) ListNotifications(userID string, unreadOnly bool, limit, offset int) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + notificationColumns + ` FROM user_notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	// rowid breaks ties between rows created within the same nanosecond.
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}
	return notifications, nil
}

// CountUnreadNotifications returns the number of unread rows for a user.
func (s *SQLiteStore) CountUnreadNotifications(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM user_notifications WHERE user_id = ? AND is_read = 0`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead marks one notification as read.
//
// With a userID the update only matches rows owned by that user, so a
// mismatch reports false instead of an error. Marking an already read row
// still reports true. An empty userID matches by id alone and is meant for
// trusted internal callers only.
func (s *SQLiteStore) MarkNotificationRead(id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		result sql.Result
		err    error
	)
	if userID != "" {
		result, err = s.db.Exec(
			`UPDATE user_notifications SET is_read = 1 WHERE id = ? AND user_id = ?`,
			id, userID,
		)
	} else {
		result, err = s.db.Exec(
			`UPDATE user_notifications SET is_read = 1 WHERE id = ?`,
			id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkAllNotificationsRead marks every unread notification of a user as read.
func (s *SQLiteStore) MarkAllNotificationsRead(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE user_notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read rows affected: %w", err)
	}
	return n, nil
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n         Notification
		metadata  string
		isRead    int
		createdAt string
	)

	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Type,
		&n.Title,
		&n.Message,
		&metadata,
		&isRead,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	n.Metadata = map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", n.ID, err)
		}
	}
	n.IsRead = isRead != 0

	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
