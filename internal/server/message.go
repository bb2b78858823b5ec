// Package server provides the real-time WebSocket hub and the HTTP API of
// the gateway.
//
// Every connected WebSocket client receives every broadcast. Delivery is
// best-effort: a full queue drops messages rather than blocking the sender.
package server

import (
	"log"

	"github.com/chatgate/gateway/internal/notify"
	"github.com/chatgate/gateway/internal/qr"
	"github.com/chatgate/gateway/internal/storage"
)

// MessageType identifies the kind of message sent over the WebSocket.
type MessageType string

const (
	// MessageTypeNotification carries a newly created user notification.
	// Data: notify.EventData
	MessageTypeNotification MessageType = notify.EventTypeNotification

	// MessageTypeSessionUpdate carries session status changes.
	// Data: []SessionUpdatePayload
	MessageTypeSessionUpdate MessageType = "session-update"

	// MessageTypeSessionDeleted announces a removed session.
	// Data: SessionDeletedPayload
	MessageTypeSessionDeleted MessageType = "session-deleted"

	// MessageTypePing is sent by clients to check the connection.
	MessageTypePing MessageType = "ping"

	// MessageTypePong answers a ping.
	MessageTypePong MessageType = "pong"

	// MessageTypeError reports a problem with a client message.
	// Data: ErrorPayload
	MessageTypeError MessageType = "error"
)

// Message is the envelope for everything sent over the WebSocket.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// SessionUpdatePayload describes the state of one session.
type SessionUpdatePayload struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	Detail      string `json:"detail"`
	PairingCode string `json:"pairingCode,omitempty"`
	QRCode      string `json:"qrCode,omitempty"`
	IsConnected bool   `json:"isConnected"`
}

// SessionDeletedPayload identifies a removed session.
type SessionDeletedPayload struct {
	SessionID string `json:"sessionId"`
}

// ErrorPayload carries a coded error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewNotificationMessage wraps a notification event.
func NewNotificationMessage(event notify.Event) Message {
	return Message{Type: MessageType(event.Type), Data: event.Data}
}

// NewSessionUpdateMessage creates a session-update message for one session.
// code is the pairing code while GENERATING_CODE, sent as is, or the QR
// login content while GENERATING_QR, sent as a PNG data URL. Other
// statuses carry no code.
func NewSessionUpdateMessage(sessionID string, status storage.SessionStatus, detail, code string) Message {
	payload := SessionUpdatePayload{
		SessionID:   sessionID,
		Status:      string(status),
		Detail:      detail,
		IsConnected: status == storage.SessionStatusConnected,
	}
	switch status {
	case storage.SessionStatusGeneratingCode:
		payload.PairingCode = code
	case storage.SessionStatusGeneratingQR:
		payload.QRCode = qrImage(sessionID, code)
	}
	return Message{
		Type: MessageTypeSessionUpdate,
		Data: []SessionUpdatePayload{payload},
	}
}

// qrImage renders QR login content as a data URL. When rendering fails the
// raw content is returned so clients can still render it themselves.
func qrImage(sessionID, content string) string {
	if content == "" {
		return ""
	}
	url, err := qr.DataURL(content)
	if err != nil {
		log.Printf("server: session %s: failed to render QR code: %v", sessionID, err)
		return content
	}
	return url
}

// NewSessionDeletedMessage creates a session-deleted message.
func NewSessionDeletedMessage(sessionID string) Message {
	return Message{
		Type: MessageTypeSessionDeleted,
		Data: SessionDeletedPayload{SessionID: sessionID},
	}
}

// NewErrorMessage creates an error message to send to one client.
func NewErrorMessage(code, message string) Message {
	return Message{
		Type: MessageTypeError,
		Data: ErrorPayload{Code: code, Message: message},
	}
}
