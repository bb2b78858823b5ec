// Package gateway manages the connection lifecycle of chat-protocol sessions.
//
// A Manager admits at most one connection attempt per session at a time,
// owns the mapping from session ID to its live transport Handle, and drives
// the pairing-code negotiation for attempts that carry a phone number.
// Status transitions are written to a SessionStore and reported through an
// UpdateFunc; owners are notified on a best-effort basis.
//
// Example usage:
//
//	mgr := gateway.NewManager(gateway.Config{
//	    Transport: transport,
//	    Sessions:  store,
//	    Users:     store,
//	    Notifier:  notifications,
//	    OnUpdate:  srv.BroadcastSessionUpdate,
//	})
//	defer mgr.Close()
//	handle, err := mgr.Connect(ctx, "sess-1", "+15551234567")
package gateway

import (
	"context"
	"errors"
)

// ErrLoggedOut is the Closed reason for a session whose device link was
// revoked by the network. Transports wrap it; the manager does not
// reconnect such sessions.
var ErrLoggedOut = errors.New("logged out")

// Handle is one live transport to the remote chat network.
//
// Handles are compared by identity to detect staleness, so implementations
// must be comparable; pointer types are expected.
type Handle interface {
	// Ready reports whether the underlying transport is open and can accept
	// a pairing-code request. It may flip over time.
	Ready() bool

	// Registered reports whether the device pairing has already completed.
	Registered() bool

	// RequestPairingCode asks the network for a code linking phoneNumber
	// (digits only) to this session.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// Close tears the transport down. It must be safe to call more than once.
	Close() error
}

// Events carries transport callbacks for one handle. Transports must deliver
// them from their own goroutines, never synchronously inside Establish.
type Events struct {
	// Opened is called once the connection is fully open. account is the
	// display name the network reports for the paired device.
	Opened func(account string)

	// Closed is called when the connection is lost or torn down. A reason
	// wrapping ErrLoggedOut stops automatic reconnects.
	Closed func(reason error)

	// QR is called with QR login content while the device is not linked.
	// It is nil when the session pairs with a phone number; transports
	// must not offer a QR login then.
	QR func(content string)
}

// Transport establishes handles for sessions.
//
// The ctx passed to Establish bounds the establishment step only. The
// returned handle lives until Close, however ctx ends.
type Transport interface {
	Establish(ctx context.Context, sessionID string, events Events) (Handle, error)
}
