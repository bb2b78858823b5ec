// Package notify persists user notifications and pushes them to real-time
// subscribers on a best-effort basis.
//
// Persistence and delivery are independent: a notification that was stored
// is never rolled back because the broadcast failed, and broadcast failures
// are logged rather than returned.
package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatgate/gateway/internal/storage"
)

// EventTypeNotification is the envelope type of broadcast notifications.
const EventTypeNotification = "notification"

// Default page size for UserNotifications.
const DefaultPageSize = 20

// Event is a structured real-time event pushed to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventData is the broadcast payload of a new notification.
type EventData struct {
	UserID    string `json:"userId"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// Broadcaster pushes an event to every current subscriber. It has no
// result and gives no guarantee of receipt.
type Broadcaster func(event Event)

// Input describes a notification to create.
type Input struct {
	UserID   string
	Type     string
	Title    string
	Message  string
	Metadata map[string]any
}

// Payload is the convenience form accepted by Send: a title and message
// plus arbitrary extra fields, which become the metadata.
type Payload struct {
	Title   string
	Message string
	Extra   map[string]any
}

// Service creates and queries notifications.
type Service struct {
	store storage.NotificationStore

	// mu guards broadcast, which is installed after the real-time server starts.
	mu        sync.RWMutex
	broadcast Broadcaster

	// now and newID are replaced in tests.
	now   func() time.Time
	newID func() string
}

// NewService creates a notification service backed by store.
// No broadcaster is installed; call SetBroadcaster once the real-time
// subsystem is ready.
func NewService(store storage.NotificationStore) *Service {
	return &Service{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// SetBroadcaster installs the real-time fan-out function.
// Passing nil turns broadcasting into a no-op.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = b
}

// Create persists a notification and then attempts to broadcast it.
// Returns the generated notification ID. Only persistence errors are
// returned.
func (s *Service) Create(in Input) (string, error) {
	if in.UserID == "" {
		return "", fmt.Errorf("create notification: user id is required")
	}

	n := &storage.Notification{
		ID:        s.newID(),
		UserID:    in.UserID,
		Type:      in.Type,
		Title:     in.Title,
		Message:   in.Message,
		Metadata:  in.Metadata,
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.SaveNotification(n); err != nil {
		return "", fmt.Errorf("create notification: %w", err)
	}

	log.Printf("notify: notification %s created for %s (%s)", n.ID, n.UserID, n.Type)

	s.publish(Event{
		Type: EventTypeNotification,
		Data: EventData{
			UserID:    n.UserID,
			Type:      n.Type,
			ID:        n.ID,
			Title:     n.Title,
			Message:   n.Message,
			CreatedAt: n.CreatedAt.Format(time.RFC3339Nano),
		},
	})

	return n.ID, nil
}

// Send is a convenience wrapper around Create that takes the title and
// message together with extra fields that become the metadata.
func (s *Service) Send(userID, notificationType string, p Payload) (string, error) {
	metadata := make(map[string]any, len(p.Extra))
	for k, v := range p.Extra {
		metadata[k] = v
	}
	return s.Create(Input{
		UserID:   userID,
		Type:     notificationType,
		Title:    p.Title,
		Message:  p.Message,
		Metadata: metadata,
	})
}

// publish calls the broadcaster, recovering from a panic so delivery
// problems never reach the caller of Create.
func (s *Service) publish(event Event) {
	s.mu.RLock()
	b := s.broadcast
	s.mu.RUnlock()

	if b == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("notify: warning: failed to broadcast %s event: %v", event.Type, r)
		}
	}()
	b(event)
}

// Unread returns every unread notification of a user, newest first.
func (s *Service) Unread(userID string) ([]*storage.Notification, error) {
	return s.store.ListNotifications(userID, true, 0, 0)
}

// UserNotifications returns one page of a user's notifications, newest
// first. A limit <= 0 uses DefaultPageSize.
func (s *Service) UserNotifications(userID string, unreadOnly bool, limit, offset int) ([]*storage.Notification, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListNotifications(userID, unreadOnly, limit, offset)
}

// UnreadCount returns the number of unread notifications of a user.
func (s *Service) UnreadCount(userID string) (int, error) {
	return s.store.CountUnreadNotifications(userID)
}

// MarkAsRead marks a notification as read and reports whether a row
// matched. When userID is non-empty the notification must belong to that
// user; a mismatch returns false, not an error.
//
// An empty userID marks by ID alone. It is weaker and only meant for
// trusted internal callers.
func (s *Service) MarkAsRead(notificationID, userID string) (bool, error) {
	return s.store.MarkNotificationRead(notificationID, userID)
}

// MarkAllAsRead marks every unread notification of a user as read and
// returns how many changed.
func (s *Service) MarkAllAsRead(userID string) (int64, error) {
	return s.store.MarkAllNotificationsRead(userID)
}
