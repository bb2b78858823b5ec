// Package errors provides standardized error codes for the gateway.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (storage, session, notify, server)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by API clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Storage domain - database and persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Row or resource not found
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Session domain - chat session lifecycle errors
	CodeSessionInvalidID     = "session.invalid_id"     // Session ID failed format validation
	CodeSessionNotFound      = "session.not_found"      // Session ID does not exist
	CodeSessionConnectFailed = "session.connect_failed" // Transport could not be established
	CodeSessionInvalidPhone  = "session.invalid_phone"  // Phone number has no digits
	CodeSessionDeleting      = "session.deleting"       // Session is being deleted

	// Notify domain - notification records
	CodeNotifyNotFound = "notify.not_found" // Notification does not exist for this user

	// Server domain - HTTP and WebSocket errors
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid request

	// Input domain
	CodeInputRateLimited = "input.rate_limited" // Too many requests for one session

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "storage.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode reports whether err, or an error it wraps, is a CodedError with
// the given code.
func IsCode(err error, code string) bool {
	var coded *CodedError
	return errors.As(err, &coded) && coded.Code == code
}

// InvalidSessionID creates a "session.invalid_id" error.
func InvalidSessionID(id string) *CodedError {
	return New(CodeSessionInvalidID, fmt.Sprintf("invalid session ID %q", id))
}

// InvalidPhoneNumber creates a "session.invalid_phone" error.
func InvalidPhoneNumber(phone string) *CodedError {
	return New(CodeSessionInvalidPhone, fmt.Sprintf("phone number %q contains no digits", phone))
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(id string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
}

// ConnectFailed creates a "session.connect_failed" error.
// The session has already been marked DISCONNECTED when this is returned.
func ConnectFailed(id string, cause error) *CodedError {
	return Wrap(CodeSessionConnectFailed, fmt.Sprintf("failed to connect session %s", id), cause)
}

// SessionDeleting creates a "session.deleting" error.
func SessionDeleting(id string) *CodedError {
	return New(CodeSessionDeleting, fmt.Sprintf("session %s is being deleted", id))
}

// NotificationNotFound creates a "notify.not_found" error.
func NotificationNotFound(id string) *CodedError {
	return New(CodeNotifyNotFound, fmt.Sprintf("notification %s not found", id))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// RateLimited creates an "input.rate_limited" error.
func RateLimited(id string) *CodedError {
	return New(CodeInputRateLimited, fmt.Sprintf("too many connect requests for session %s", id))
}
