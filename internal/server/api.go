package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/chatgate/gateway/internal/errors"
	"github.com/chatgate/gateway/internal/gateway"
	"github.com/chatgate/gateway/internal/storage"
)

// DefaultConnectPerMinute is the per-session connect rate when unset.
const DefaultConnectPerMinute = 30

// connectBurst is how many connect requests a session may make back to back.
const connectBurst = 3

// maxIdleLimiters is the limiter count above which idle limiters are
// pruned when a new one is created.
const maxIdleLimiters = 1024

// SessionRepository is the session persistence the API needs.
type SessionRepository interface {
	CreateSession(id, ownerEmail string) (*storage.Session, error)
	GetSession(id string) (*storage.Session, error)
	ListSessions(ownerEmail string) ([]*storage.Session, error)
	DeleteSession(id string) (bool, error)
}

// Connector is the subset of gateway.Manager the API drives.
type Connector interface {
	Connect(ctx context.Context, sessionID, phoneNumber string) (gateway.Handle, error)
	Disconnect(sessionID string) error
	BeginDelete(sessionID string) (func(), error)
	IsConnecting(sessionID string) bool
	IsDeleting(sessionID string) bool
	Handle(sessionID string) gateway.Handle
}

// NotificationReader is the notification service surface the API exposes.
type NotificationReader interface {
	UserNotifications(userID string, unreadOnly bool, limit, offset int) ([]*storage.Notification, error)
	UnreadCount(userID string) (int, error)
	MarkAsRead(notificationID, userID string) (bool, error)
	MarkAllAsRead(userID string) (int64, error)
}

// APIConfig holds the collaborators of the HTTP API.
type APIConfig struct {
	Sessions      SessionRepository
	Manager       Connector
	Notifications NotificationReader

	// OnSessionDeleted is called after a session row is removed.
	OnSessionDeleted func(sessionID string)

	// ConnectPerMinute limits connect requests per session.
	// Default: DefaultConnectPerMinute.
	ConnectPerMinute int

	// LoopbackOnly rejects requests that do not come from a loopback
	// address.
	LoopbackOnly bool
}

// SessionView is the JSON form of a session.
type SessionView struct {
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail"`
	PairingCode  string    `json:"pairingCode,omitempty"`
	QRCode       string    `json:"qrCode,omitempty"`
	IsConnected  bool      `json:"isConnected"`
	IsConnecting bool      `json:"isConnecting"`
	OwnerEmail   string    `json:"ownerEmail,omitempty"`
	Account      string    `json:"account,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	ID          string `json:"id"`
	OwnerEmail  string `json:"owner_email"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// ConnectRequest is the body of POST /api/sessions/{id}/connect.
type ConnectRequest struct {
	PhoneNumber string `json:"phone_number,omitempty"`
}

// APIHandler serves the JSON API.
//
// Routes:
//   - GET    /api/sessions?owner=
//   - POST   /api/sessions
//   - GET    /api/sessions/{id}
//   - POST   /api/sessions/{id}/connect
//   - POST   /api/sessions/{id}/disconnect
//   - DELETE /api/sessions/{id}
//   - GET    /api/notifications?user_id=&unread_only=&limit=&offset=
//   - GET    /api/notifications/unread-count?user_id=
//   - POST   /api/notifications/read-all?user_id=
//   - POST   /api/notifications/{id}/read?user_id=
type APIHandler struct {
	config APIConfig
	mux    *http.ServeMux

	limitersMu  sync.Mutex
	limiters    map[string]*rate.Limiter
	maxLimiters int
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(cfg APIConfig) *APIHandler {
	if cfg.ConnectPerMinute <= 0 {
		cfg.ConnectPerMinute = DefaultConnectPerMinute
	}

	h := &APIHandler{
		config:      cfg,
		mux:         http.NewServeMux(),
		limiters:    make(map[string]*rate.Limiter),
		maxLimiters: maxIdleLimiters,
	}

	h.mux.HandleFunc("GET /api/sessions", h.handleListSessions)
	h.mux.HandleFunc("POST /api/sessions", h.handleCreateSession)
	h.mux.HandleFunc("GET /api/sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("POST /api/sessions/{id}/connect", h.handleConnect)
	h.mux.HandleFunc("POST /api/sessions/{id}/disconnect", h.handleDisconnect)
	h.mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDeleteSession)

	h.mux.HandleFunc("GET /api/notifications", h.handleListNotifications)
	h.mux.HandleFunc("GET /api/notifications/unread-count", h.handleUnreadCount)
	h.mux.HandleFunc("POST /api/notifications/read-all", h.handleMarkAllRead)
	h.mux.HandleFunc("POST /api/notifications/{id}/read", h.handleMarkRead)

	return h
}

// ServeHTTP implements http.Handler.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.config.LoopbackOnly && !isLoopbackRequest(r) {
		log.Printf("server: rejected API request from non-loopback address: %s", r.RemoteAddr)
		http.Error(w, "Forbidden: API is loopback-only", http.StatusForbidden)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *APIHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.config.Sessions.ListSessions(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "failed to list sessions", err))
		return
	}

	views := make([]SessionView, len(sessions))
	for i, s := range sessions {
		views[i] = h.view(s)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *APIHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidMessage("invalid JSON body"))
		return
	}
	if !gateway.ValidSessionID(req.ID) {
		writeError(w, apperrors.InvalidSessionID(req.ID))
		return
	}

	if _, err := h.config.Sessions.CreateSession(req.ID, req.OwnerEmail); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "failed to create session", err))
		return
	}

	if err := h.connect(r, req.ID, req.PhoneNumber); err != nil {
		writeError(w, err)
		return
	}
	h.writeSession(w, http.StatusCreated, req.ID)
}

func (h *APIHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	h.writeSession(w, http.StatusOK, r.PathValue("id"))
}

func (h *APIHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ConnectRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.InvalidMessage("invalid JSON body"))
			return
		}
	}

	session, err := h.config.Sessions.GetSession(id)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "failed to load session", err))
		return
	}
	if session == nil {
		writeError(w, apperrors.SessionNotFound(id))
		return
	}

	if err := h.connect(r, id, req.PhoneNumber); err != nil {
		writeError(w, err)
		return
	}
	h.writeSession(w, http.StatusAccepted, id)
}

// connect applies the per-session rate limit and starts a connection.
func (h *APIHandler) connect(r *http.Request, id, phone string) error {
	if !h.limiter(id).Allow() {
		return apperrors.RateLimited(id)
	}

	// The request context bounds the establish step only. The handle
	// lives on until Disconnect, deletion or a lost connection.
	handle, err := h.config.Manager.Connect(r.Context(), id, phone)
	if err != nil {
		return err
	}
	if handle == nil && h.config.Manager.IsDeleting(id) {
		return apperrors.SessionDeleting(id)
	}
	return nil
}

func (h *APIHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.config.Manager.Disconnect(id); err != nil {
		writeError(w, err)
		return
	}
	h.pruneLimiter(id)
	h.writeSession(w, http.StatusOK, id)
}

func (h *APIHandler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	release, err := h.config.Manager.BeginDelete(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	deleted, err := h.config.Sessions.DeleteSession(id)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "failed to delete session", err))
		return
	}
	if !deleted {
		writeError(w, apperrors.SessionNotFound(id))
		return
	}

	h.forgetLimiter(id)
	if h.config.OnSessionDeleted != nil {
		h.config.OnSessionDeleted(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "deleted": true})
}

func (h *APIHandler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, apperrors.InvalidMessage("user_id is required"))
		return
	}

	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, apperrors.InvalidMessage("limit must be an integer"))
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, apperrors.InvalidMessage("offset must be an integer"))
		return
	}
	unreadOnly := q.Get("unread_only") == "true" || q.Get("unread_only") == "1"

	notifications, err := h.config.Notifications.UserNotifications(userID, unreadOnly, limit, offset)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "failed to list notifications", err))
		return
	}
	if notifications == nil {
		notifications = []*storage.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *APIHandler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperrors.InvalidMessage("user_id is required"))
		return
	}

	count, err := h.config.Notifications.UnreadCount(userID)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "failed to count notifications", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *APIHandler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperrors.InvalidMessage("user_id is required"))
		return
	}

	ok, err := h.config.Notifications.MarkAsRead(id, userID)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "failed to mark notification", err))
		return
	}
	if !ok {
		writeError(w, apperrors.NotificationNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *APIHandler) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperrors.InvalidMessage("user_id is required"))
		return
	}

	n, err := h.config.Notifications.MarkAllAsRead(userID)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "failed to mark notifications", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// writeSession responds with the current view of a session.
func (h *APIHandler) writeSession(w http.ResponseWriter, status int, id string) {
	session, err := h.config.Sessions.GetSession(id)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "failed to load session", err))
		return
	}
	if session == nil {
		writeError(w, apperrors.SessionNotFound(id))
		return
	}
	writeJSON(w, status, h.view(session))
}

func (h *APIHandler) view(s *storage.Session) SessionView {
	v := SessionView{
		SessionID:    s.ID,
		Status:       string(s.Status),
		Detail:       s.StatusMessage,
		IsConnected:  s.Status == storage.SessionStatusConnected && h.config.Manager.Handle(s.ID) != nil,
		IsConnecting: h.config.Manager.IsConnecting(s.ID),
		OwnerEmail:   s.OwnerEmail,
		Account:      s.Account,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	switch s.Status {
	case storage.SessionStatusGeneratingCode:
		v.PairingCode = s.PairingCode
	case storage.SessionStatusGeneratingQR:
		v.QRCode = qrImage(s.ID, s.QRCode)
	}
	return v
}

// limiter returns the connect limiter of a session, creating it on first use.
func (h *APIHandler) limiter(id string) *rate.Limiter {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()

	l, ok := h.limiters[id]
	if !ok {
		if len(h.limiters) >= h.maxLimiters {
			h.pruneIdleLocked()
		}
		every := time.Minute / time.Duration(h.config.ConnectPerMinute)
		l = rate.NewLimiter(rate.Every(every), connectBurst)
		h.limiters[id] = l
	}
	return l
}

// idle reports whether l has refilled its whole burst, which makes it
// indistinguishable from a fresh limiter.
func idle(l *rate.Limiter) bool {
	return l.Tokens() >= connectBurst
}

// pruneIdleLocked drops every idle limiter. Caller must hold limitersMu.
func (h *APIHandler) pruneIdleLocked() {
	for id, l := range h.limiters {
		if idle(l) {
			delete(h.limiters, id)
		}
	}
}

// pruneLimiter drops the limiter of id if it is idle. A limiter that still
// owes tokens is kept so disconnecting does not reset the rate.
func (h *APIHandler) pruneLimiter(id string) {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()
	if l, ok := h.limiters[id]; ok && idle(l) {
		delete(h.limiters, id)
	}
}

func (h *APIHandler) forgetLimiter(id string) {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()
	delete(h.limiters, id)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// statusForCode maps error codes to HTTP status codes.
func statusForCode(code string) int {
	switch code {
	case apperrors.CodeSessionInvalidID, apperrors.CodeSessionInvalidPhone, apperrors.CodeServerInvalidMessage:
		return http.StatusBadRequest
	case apperrors.CodeSessionNotFound, apperrors.CodeNotifyNotFound, apperrors.CodeStorageNotFound:
		return http.StatusNotFound
	case apperrors.CodeSessionDeleting:
		return http.StatusConflict
	case apperrors.CodeInputRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeSessionConnectFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a coded error as {"code","message"}.
func writeError(w http.ResponseWriter, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		log.Printf("server: API error: %v", err)
	}
	writeJSON(w, status, ErrorPayload{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to write response: %v", err)
	}
}

// isLoopbackRequest reports whether the request came from 127.0.0.0/8 or ::1.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		log.Printf("server: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
