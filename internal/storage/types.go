package storage

import "time"

// -----------------------------------------------------------------------------
// Session Storage
// -----------------------------------------------------------------------------

// SessionStatus represents the connection lifecycle state of a chat session.
type SessionStatus string

const (
	// SessionStatusIdle is the state of a session that has never connected.
	SessionStatusIdle SessionStatus = "IDLE"

	// SessionStatusConnecting means a transport is being established.
	SessionStatusConnecting SessionStatus = "CONNECTING"

	// SessionStatusGeneratingCode means a pairing code was issued and is
	// waiting to be entered on the physical device.
	SessionStatusGeneratingCode SessionStatus = "GENERATING_CODE"

	// SessionStatusGeneratingQR means QR login content was issued and is
	// waiting to be scanned on the physical device.
	SessionStatusGeneratingQR SessionStatus = "GENERATING_QR"

	// SessionStatusConnected means the transport reported a fully open connection.
	SessionStatusConnected SessionStatus = "CONNECTED"

	// SessionStatusDisconnected means the last attempt failed or the
	// connection was lost.
	SessionStatusDisconnected SessionStatus = "DISCONNECTED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusIdle, SessionStatusConnecting, SessionStatusGeneratingCode,
		SessionStatusGeneratingQR, SessionStatusConnected, SessionStatusDisconnected:
		return true
	}
	return false
}

// Session is one tenant's chat-protocol identity and its last known
// connection status.
type Session struct {
	// ID is the externally chosen session identifier.
	ID string `json:"id"`

	// Status is the current lifecycle state.
	Status SessionStatus `json:"status"`

	// StatusMessage is the human-readable detail of the last transition.
	StatusMessage string `json:"status_message"`

	// PairingCode is the last issued pairing code. Empty when none is pending.
	PairingCode string `json:"pairing_code,omitempty"`

	// QRCode is the last issued QR login content. Empty when none is pending.
	QRCode string `json:"qr_code,omitempty"`

	// OwnerEmail identifies the user who receives notifications for this
	// session. Resolved to a user ID only when a notification is sent.
	OwnerEmail string `json:"owner_email,omitempty"`

	// Account is the display name the transport reported on open.
	Account string `json:"account,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore defines the interface for persisting chat sessions.
// Implementations must be safe for concurrent access.
type SessionStore interface {
	// CreateSession inserts a session in IDLE state, or updates the owner
	// of an existing one.
	CreateSession(id, ownerEmail string) (*Session, error)

	// GetSession retrieves a session by ID.
	// Returns nil, nil if the session does not exist.
	GetSession(id string) (*Session, error)

	// ListSessions returns sessions ordered by creation time (newest first).
	// An empty ownerEmail lists every session.
	ListSessions(ownerEmail string) ([]*Session, error)

	// UpdateSessionStatus records a status transition, creating the row if
	// needed. code is the pairing code for GENERATING_CODE and the QR
	// content for GENERATING_QR; it is ignored for other statuses.
	// DISCONNECTED keeps the stored codes; every other status replaces
	// both, so a new attempt never shows a previous attempt's code.
	UpdateSessionStatus(id string, status SessionStatus, message, code string) error

	// SetSessionAccount records the account name reported by the transport.
	SetSessionAccount(id, account string) error

	// DeleteSession removes a session row. Returns false if it did not exist.
	DeleteSession(id string) (bool, error)
}

// -----------------------------------------------------------------------------
// User Directory
// -----------------------------------------------------------------------------

// User is a gateway account that owns sessions and receives notifications.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore defines the interface for the user directory.
type UserStore interface {
	// CreateUser adds a user with a generated ID.
	// Returns ErrUserExists if the email is already registered.
	CreateUser(email, name string) (*User, error)

	// FindUserByEmail returns nil, nil if no user has that email.
	FindUserByEmail(email string) (*User, error)

	// ListUsers returns all users ordered by email.
	ListUsers() ([]*User, error)
}

// -----------------------------------------------------------------------------
// Notification Storage
// -----------------------------------------------------------------------------

// Notification is a persisted message for one user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	IsRead    bool           `json:"isRead"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NotificationStore defines the interface for persisting notifications.
// Each write is a single statement, so row-level updates are atomic.
type NotificationStore interface {
	// SaveNotification inserts a new notification. ID and CreatedAt must be set.
	SaveNotification(n *Notification) error

	// GetNotification retrieves a notification by ID.
	// Returns ErrNotificationNotFound if it does not exist.
	GetNotification(id string) (*Notification, error)

	// ListNotifications returns a user's notifications newest first.
	// A limit <= 0 returns every matching row.
	ListNotifications(userID string, unreadOnly bool, limit, offset int) ([]*Notification, error)

	// CountUnreadNotifications returns the number of unread rows for a user.
	CountUnreadNotifications(userID string) (int, error)

	// MarkNotificationRead marks one notification as read. When userID is
	// non-empty the row must also belong to that user. Returns whether a
	// row changed.
	MarkNotificationRead(id, userID string) (bool, error)

	// MarkAllNotificationsRead marks every unread notification of a user as
	// read and returns how many rows changed.
	MarkAllNotificationsRead(userID string) (int64, error)
}
