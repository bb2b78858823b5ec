package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	apperrors "github.com/chatgate/gateway/internal/errors"
	"github.com/chatgate/gateway/internal/notify"
	"github.com/chatgate/gateway/internal/storage"
)

// Defaults for Config fields left at zero.
const (
	// DefaultSettleDelay lets the transport handshake complete before the
	// first pairing-code request.
	DefaultSettleDelay = 10 * time.Second

	// DefaultRetryDelay is the fixed delay of both pairing ladders.
	DefaultRetryDelay = 5 * time.Second

	// DefaultReadyRetries bounds the readiness-wait ladder.
	DefaultReadyRetries = 15

	// DefaultErrorRetries bounds the exception ladder.
	DefaultErrorRetries = 3

	// DefaultRequestTimeout bounds a single pairing-code request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultReconnectDelay is the fixed delay between reconnects of a
	// lost connection.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultReconnectRetries bounds reconnects until a connection opens.
	DefaultReconnectRetries = 5
)

const msgScanQR = "Scan QR code"

// NotificationTypeSession is the notification type used for session events.
const NotificationTypeSession = "session"

// UpdateFunc receives every status transition the manager records. code is
// the pairing code for GENERATING_CODE, the QR login content for
// GENERATING_QR and empty otherwise.
type UpdateFunc func(sessionID string, status storage.SessionStatus, message, code string)

// SessionStore is the subset of session persistence the manager uses.
type SessionStore interface {
	GetSession(id string) (*storage.Session, error)
	UpdateSessionStatus(id string, status storage.SessionStatus, message, code string) error
	SetSessionAccount(id, account string) error
}

// UserDirectory resolves a session owner's email to a user.
type UserDirectory interface {
	FindUserByEmail(email string) (*storage.User, error)
}

// Notifier sends a notification to a user.
type Notifier interface {
	Send(userID, notificationType string, p notify.Payload) (string, error)
}

// Config holds the collaborators and tuning of a Manager.
type Config struct {
	// Transport establishes handles. Required.
	Transport Transport

	// Sessions records status transitions. Required.
	Sessions SessionStore

	// Users resolves owners for notifications. Optional; without it no
	// notifications are sent.
	Users UserDirectory

	// Notifier sends owner notifications. Optional.
	Notifier Notifier

	// OnUpdate receives status transitions in the order they were written.
	// It runs with the session's lock held and must not call back into the
	// Manager. Optional.
	OnUpdate UpdateFunc

	// SettleDelay is the wait before the first pairing request.
	// Default: 10 seconds.
	SettleDelay time.Duration

	// RetryDelay is the delay between pairing retries.
	// Default: 5 seconds.
	RetryDelay time.Duration

	// ReadyRetries is how many times the loop waits for a handle that is
	// not ready yet. Default: 15.
	ReadyRetries int

	// ErrorRetries is how many times a failing pairing request is retried.
	// Default: 3.
	ErrorRetries int

	// RequestTimeout bounds one pairing-code request. Default: 30 seconds.
	RequestTimeout time.Duration

	// ReconnectDelay is the delay before reconnecting a lost connection.
	// Default: 5 seconds.
	ReconnectDelay time.Duration

	// ReconnectRetries is how many reconnects are tried before a lost
	// session is left DISCONNECTED. The count resets when a connection
	// opens. Default: 5.
	ReconnectRetries int

	// Scheduler runs deferred continuations. Default: time.AfterFunc.
	Scheduler Scheduler
}

// Manager is the per-process connection manager for chat sessions.
// It is safe for concurrent use.
type Manager struct {
	config Config
	reg    *registry
	locks  sessionLocks

	// ctx is cancelled by Close; scheduled continuations check it first.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager with defaults applied to cfg.
func NewManager(cfg Config) *Manager {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ReadyRetries <= 0 {
		cfg.ReadyRetries = DefaultReadyRetries
	}
	if cfg.ErrorRetries <= 0 {
		cfg.ErrorRetries = DefaultErrorRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReconnectRetries <= 0 {
		cfg.ReconnectRetries = DefaultReconnectRetries
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timerScheduler{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: cfg,
		reg:    newRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect starts (or joins) the connection of a session.
//
// An invalid session ID is rejected with a session.invalid_id error. A
// session that is being deleted returns (nil, nil). If the session is
// already connecting the call joins it and returns the registered handle,
// unless phoneNumber is set and the registered handle has not completed
// device registration: then the old handle is torn down and a fresh attempt
// starts with this phone number.
//
// When phoneNumber is set, the pairing loop is scheduled after the settle
// delay. Transport failures mark the session DISCONNECTED and are returned
// as a session.connect_failed error; store failures are returned as is.
func (m *Manager) Connect(ctx context.Context, sessionID, phoneNumber string) (Handle, error) {
	if !ValidSessionID(sessionID) {
		return nil, apperrors.InvalidSessionID(sessionID)
	}

	var phone string
	if phoneNumber != "" {
		phone = SanitizePhoneNumber(phoneNumber)
		if phone == "" {
			return nil, apperrors.InvalidPhoneNumber(phoneNumber)
		}
	}

	unlock := m.locks.lock(sessionID)
	a, existing, previous, outcome := m.reg.admit(sessionID, phone != "")
	switch outcome {
	case skipped:
		unlock()
		log.Printf("gateway: session %s is being deleted, ignoring connect", sessionID)
		return nil, nil
	case joined:
		unlock()
		log.Printf("gateway: session %s is already connecting, joining", sessionID)
		return existing, nil
	}
	defer close(a.established)

	if previous != nil {
		// Close synchronously so the old and new handle never coexist.
		log.Printf("gateway: session %s: tearing down previous handle", sessionID)
		if err := previous.Close(); err != nil {
			log.Printf("gateway: session %s: error closing previous handle: %v", sessionID, err)
		}
	}

	if err := m.config.Sessions.UpdateSessionStatus(sessionID, storage.SessionStatusConnecting, "Connecting to chat network", ""); err != nil {
		m.reg.finish(a)
		unlock()
		return nil, fmt.Errorf("connect %s: %w", sessionID, err)
	}
	m.emit(sessionID, storage.SessionStatusConnecting, "Connecting to chat network", "")
	unlock()

	handle, err := m.config.Transport.Establish(ctx, sessionID, m.eventsFor(a))
	if err != nil {
		return nil, m.failEstablish(a, err)
	}

	var pairing *pairingAttempt
	if phone != "" {
		pairing = newPairingAttempt(a, phone, m.config)
	}

	if !m.reg.register(a, handle, pairing) {
		// Disconnected or deleted while establishing.
		log.Printf("gateway: session %s: attempt superseded while establishing, closing handle", sessionID)
		if err := handle.Close(); err != nil {
			log.Printf("gateway: session %s: error closing superseded handle: %v", sessionID, err)
		}
		return nil, nil
	}

	log.Printf("gateway: session %s: handle established", sessionID)

	if pairing != nil {
		m.schedule(m.config.SettleDelay, func() { m.requestPairing(pairing) })
	}

	return handle, nil
}

// failEstablish records a failed Establish for a and returns the error
// Connect reports.
func (m *Manager) failEstablish(a *attempt, cause error) error {
	id := a.sessionID
	log.Printf("gateway: session %s: establish failed: %v", id, cause)

	unlock := m.locks.lock(id)
	defer unlock()

	if m.reg.finish(a) {
		msg := fmt.Sprintf("Connection failed: %v", cause)
		if err := m.config.Sessions.UpdateSessionStatus(id, storage.SessionStatusDisconnected, msg, ""); err != nil {
			return fmt.Errorf("connect %s: %w", id, err)
		}
		m.emit(id, storage.SessionStatusDisconnected, msg, "")
	}
	return apperrors.ConnectFailed(id, cause)
}

// eventsFor binds transport callbacks to one attempt.
func (m *Manager) eventsFor(a *attempt) Events {
	events := Events{
		Opened: func(account string) {
			<-a.established
			m.handleOpen(a, account)
		},
		Closed: func(reason error) {
			<-a.established
			m.handleClose(a, reason)
		},
	}
	if !a.byCode {
		events.QR = func(content string) {
			<-a.established
			m.handleQR(a, content)
		}
	}
	return events
}

// handleQR records QR login content for a current, still connecting attempt.
func (m *Manager) handleQR(a *attempt, content string) {
	id := a.sessionID

	unlock := m.locks.lock(id)
	defer unlock()

	if !m.reg.awaitingOpen(a) {
		log.Printf("gateway: session %s: ignoring QR from stale handle", id)
		return
	}

	log.Printf("gateway: session %s: QR login ready", id)
	if err := m.config.Sessions.UpdateSessionStatus(id, storage.SessionStatusGeneratingQR, msgScanQR, content); err != nil {
		log.Printf("gateway: session %s: failed to record QR: %v", id, err)
		return
	}
	m.emit(id, storage.SessionStatusGeneratingQR, msgScanQR, content)
}

// handleOpen records a fully open connection for a current attempt.
func (m *Manager) handleOpen(a *attempt, account string) {
	id := a.sessionID

	unlock := m.locks.lock(id)
	defer unlock()

	if !m.reg.open(a) {
		log.Printf("gateway: session %s: ignoring open event from stale handle", id)
		return
	}

	log.Printf("gateway: session %s connected (%s)", id, account)

	if account != "" {
		if err := m.config.Sessions.SetSessionAccount(id, account); err != nil {
			log.Printf("gateway: session %s: failed to record account: %v", id, err)
		}
	}

	name := account
	if name == "" {
		name = "Session"
	}
	msg := "Connected: " + name
	if err := m.config.Sessions.UpdateSessionStatus(id, storage.SessionStatusConnected, msg, ""); err != nil {
		log.Printf("gateway: session %s: failed to record CONNECTED: %v", id, err)
		return
	}
	m.emit(id, storage.SessionStatusConnected, msg, "")

	m.notifyOwner(id, "Session connected",
		fmt.Sprintf("Your chat session %q (%s) is now operational.", id, name))
}

// handleClose records a lost connection for a current attempt and
// schedules a reconnect unless the device was logged out.
func (m *Manager) handleClose(a *attempt, reason error) {
	id := a.sessionID

	unlock := m.locks.lock(id)
	defer unlock()

	if m.reg.release(a) == nil {
		// Closed by preemption, Disconnect or a newer attempt.
		return
	}

	msg := "Connection closed"
	if reason != nil {
		msg = fmt.Sprintf("Connection closed: %v", reason)
	}
	log.Printf("gateway: session %s: %s", id, msg)

	if err := m.config.Sessions.UpdateSessionStatus(id, storage.SessionStatusDisconnected, msg, ""); err != nil {
		log.Printf("gateway: session %s: failed to record DISCONNECTED: %v", id, err)
	} else {
		m.emit(id, storage.SessionStatusDisconnected, msg, "")
	}

	m.scheduleReconnect(id, reason)
}

// scheduleReconnect advances the session's reconnect ladder after a loss
// and schedules the next attempt, unless the device was logged out or the
// ladder is exhausted.
func (m *Manager) scheduleReconnect(id string, reason error) {
	if errors.Is(reason, ErrLoggedOut) {
		m.reg.clearReconnect(id)
		log.Printf("gateway: session %s: logged out, not reconnecting", id)
		return
	}

	ladder, delay := m.reg.nextReconnect(id, m.newReconnectLadder)
	if ladder == nil {
		log.Printf("gateway: session %s: giving up after %d reconnects", id, m.config.ReconnectRetries)
		return
	}
	log.Printf("gateway: session %s: reconnecting in %s (attempt %d)", id, delay, ladder.tries)
	m.schedule(delay, func() { m.reconnect(id, ladder) })
}

func (m *Manager) newReconnectLadder() backoff.BackOff {
	return backoff.WithMaxRetries(
		backoff.NewConstantBackOff(m.config.ReconnectDelay), uint64(m.config.ReconnectRetries))
}

// reconnect runs one scheduled reconnect. A failed establish counts
// against the same ladder.
func (m *Manager) reconnect(id string, ladder *reconnectLadder) {
	if !m.reg.reconnectDue(id, ladder) {
		log.Printf("gateway: session %s: reconnect no longer needed", id)
		return
	}

	_, err := m.Connect(m.ctx, id, "")
	if err == nil {
		return
	}
	if apperrors.IsCode(err, apperrors.CodeSessionConnectFailed) {
		m.scheduleReconnect(id, err)
		return
	}
	log.Printf("gateway: session %s: reconnect failed: %v", id, err)
}

// Disconnect tears down the session's handle without deleting the session,
// cancels any pending reconnect and marks it DISCONNECTED. It returns a
// session.not_found error if the session had no handle, was not connecting
// and had no reconnect pending.
func (m *Manager) Disconnect(sessionID string) error {
	if !ValidSessionID(sessionID) {
		return apperrors.InvalidSessionID(sessionID)
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	h, active := m.reg.detach(sessionID)
	if !active {
		return apperrors.SessionNotFound(sessionID)
	}
	if h != nil {
		if err := h.Close(); err != nil {
			log.Printf("gateway: session %s: error closing handle: %v", sessionID, err)
		}
	}

	log.Printf("gateway: session %s disconnected", sessionID)
	if err := m.config.Sessions.UpdateSessionStatus(sessionID, storage.SessionStatusDisconnected, "Disconnected", ""); err != nil {
		return fmt.Errorf("disconnect %s: %w", sessionID, err)
	}
	m.emit(sessionID, storage.SessionStatusDisconnected, "Disconnected", "")
	return nil
}

// BeginDelete marks a session as being deleted and tears down its handle.
// Until the returned release function is called, Connect ignores the
// session. The session row itself is left to the caller.
func (m *Manager) BeginDelete(sessionID string) (release func(), err error) {
	if !ValidSessionID(sessionID) {
		return nil, apperrors.InvalidSessionID(sessionID)
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	if h := m.reg.markDeleting(sessionID); h != nil {
		if err := h.Close(); err != nil {
			log.Printf("gateway: session %s: error closing handle during delete: %v", sessionID, err)
		}
	}
	log.Printf("gateway: session %s marked for deletion", sessionID)

	return func() { m.reg.unmarkDeleting(sessionID) }, nil
}

// Handle returns the current handle of a session, or nil.
func (m *Manager) Handle(sessionID string) Handle {
	return m.reg.handle(sessionID)
}

// IsConnecting reports whether a connection attempt is in progress.
func (m *Manager) IsConnecting(sessionID string) bool {
	return m.reg.isConnecting(sessionID)
}

// IsDeleting reports whether the session is marked for deletion.
func (m *Manager) IsDeleting(sessionID string) bool {
	return m.reg.isDeleting(sessionID)
}

// ActiveSessions returns the IDs of sessions that hold a handle.
func (m *Manager) ActiveSessions() []string {
	return m.reg.sessionIDs()
}

// Close stops pending continuations, including reconnects, and tears down
// every handle.
// Session statuses are left as they are so a restart can reconnect them.
func (m *Manager) Close() error {
	m.cancel()
	handles := m.reg.detachAll()
	for _, h := range handles {
		if err := h.Close(); err != nil {
			log.Printf("gateway: error closing handle on shutdown: %v", err)
		}
	}
	log.Printf("gateway: manager closed (%d handles)", len(handles))
	return nil
}

// schedule runs f after d unless the manager has been closed by then.
func (m *Manager) schedule(d time.Duration, f func()) {
	m.config.Scheduler.AfterFunc(d, func() {
		if m.ctx.Err() != nil {
			return
		}
		f()
	})
}

// emit forwards a transition to OnUpdate. A panicking callback is logged
// and does not affect the transition, which is already persisted.
func (m *Manager) emit(sessionID string, status storage.SessionStatus, message, code string) {
	if m.config.OnUpdate == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("gateway: session %s: update callback failed: %v", sessionID, r)
		}
	}()
	m.config.OnUpdate(sessionID, status, message, code)
}

// notifyOwner sends a session notification to the session's owner when the
// owner resolves to a user. Every failure is logged and swallowed.
func (m *Manager) notifyOwner(sessionID, title, message string) {
	if m.config.Notifier == nil || m.config.Users == nil {
		return
	}

	session, err := m.config.Sessions.GetSession(sessionID)
	if err != nil {
		log.Printf("gateway: session %s: notification skipped, lookup failed: %v", sessionID, err)
		return
	}
	if session == nil || session.OwnerEmail == "" {
		return
	}

	user, err := m.config.Users.FindUserByEmail(session.OwnerEmail)
	if err != nil {
		log.Printf("gateway: session %s: notification skipped, owner lookup failed: %v", sessionID, err)
		return
	}
	if user == nil {
		log.Printf("gateway: session %s: notification skipped, no user for %s", sessionID, session.OwnerEmail)
		return
	}

	_, err = m.config.Notifier.Send(user.ID, NotificationTypeSession, notify.Payload{
		Title:   title,
		Message: message,
		Extra:   map[string]any{"sessionId": sessionID},
	})
	if err != nil {
		log.Printf("gateway: session %s: failed to notify %s: %v", sessionID, user.ID, err)
	}
}
