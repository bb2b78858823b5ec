// Package sim provides an in-process chat transport for development and
// tests. It behaves like a real network connection from the manager's point
// of view: it becomes ready after a delay, hands out pairing codes or a QR
// login, and opens once the code has been "entered" or the QR "scanned" on
// the device.
//
// Sessions that opened once are remembered as paired; reconnecting them
// opens without a code until the session is dropped as logged out.
package sim

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatgate/gateway/internal/gateway"
)

// ErrNotReady is returned by RequestPairingCode before the handle is ready.
var ErrNotReady = errors.New("sim: transport not ready")

// ErrClosed is returned by RequestPairingCode after Close.
var ErrClosed = errors.New("sim: handle closed")

// codeAlphabet omits characters that are easy to misread.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Config tunes a simulated transport.
type Config struct {
	// ReadyDelay is the time from Establish until the handle is ready.
	ReadyDelay time.Duration

	// OpenDelay is the time from a pairing code or QR login being issued
	// until the connection opens. Zero means handles never open on their
	// own.
	OpenDelay time.Duration
}

// Transport is a gateway.Transport that never leaves the process.
type Transport struct {
	config Config

	mu     sync.Mutex
	paired map[string]string // session ID -> account name
}

// New creates a simulated transport.
func New(cfg Config) *Transport {
	return &Transport{
		config: cfg,
		paired: make(map[string]string),
	}
}

// Establish returns a handle that becomes ready after ReadyDelay.
func (t *Transport) Establish(ctx context.Context, sessionID string, events gateway.Events) (gateway.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	account, paired := t.paired[sessionID]
	t.mu.Unlock()

	h := &Handle{
		transport:  t,
		sessionID:  sessionID,
		events:     events,
		registered: paired,
		account:    account,
	}

	h.mu.Lock()
	h.timers = append(h.timers, time.AfterFunc(t.config.ReadyDelay, h.becomeReady))
	h.mu.Unlock()

	log.Printf("sim: session %s: handle established (paired=%v)", sessionID, paired)
	return h, nil
}

// Paired reports whether a session has completed pairing at least once.
func (t *Transport) Paired(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.paired[sessionID]
	return ok
}

func (t *Transport) markPaired(sessionID, account string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paired[sessionID] = account
}

func (t *Transport) forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paired, sessionID)
}

// Handle is one simulated connection.
type Handle struct {
	transport *Transport
	sessionID string
	events    gateway.Events

	mu         sync.Mutex
	ready      bool
	registered bool
	closed     bool
	opened     bool
	account    string
	timers     []*time.Timer
}

// Ready implements gateway.Handle.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready && !h.closed
}

// Registered implements gateway.Handle.
func (h *Handle) Registered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered
}

// RequestPairingCode issues a random code and, when OpenDelay is set,
// schedules the connection to open as if the user entered it.
func (h *Handle) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return "", ErrClosed
	}
	if !h.ready {
		return "", ErrNotReady
	}

	code := newPairingCode()
	h.account = "+" + phoneNumber
	if d := h.transport.config.OpenDelay; d > 0 {
		h.timers = append(h.timers, time.AfterFunc(d, h.open))
	}

	log.Printf("sim: session %s: issued pairing code", h.sessionID)
	return code, nil
}

// Close stops the handle and reports the closure once.
func (h *Handle) Close() error {
	h.shutdown(nil)
	return nil
}

// Drop ends the connection as if the network lost it with reason. A reason
// wrapping gateway.ErrLoggedOut also forgets the pairing.
func (h *Handle) Drop(reason error) {
	if errors.Is(reason, gateway.ErrLoggedOut) {
		h.transport.forget(h.sessionID)
	}
	h.shutdown(reason)
}

func (h *Handle) shutdown(reason error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, timer := range h.timers {
		timer.Stop()
	}
	h.timers = nil
	h.mu.Unlock()

	if h.events.Closed != nil {
		go h.events.Closed(reason)
	}
}

func (h *Handle) becomeReady() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.ready = true
	registered := h.registered

	var content string
	if !registered && h.events.QR != nil {
		content = newQRContent()
		if d := h.transport.config.OpenDelay; d > 0 {
			h.timers = append(h.timers, time.AfterFunc(d, h.open))
		}
	}
	h.mu.Unlock()

	switch {
	case registered:
		// A paired device needs no code; it opens as soon as it is ready.
		h.open()
	case content != "":
		log.Printf("sim: session %s: issued QR login", h.sessionID)
		h.events.QR(content)
	}
}

func (h *Handle) open() {
	h.mu.Lock()
	if h.closed || h.opened {
		h.mu.Unlock()
		return
	}
	h.opened = true
	h.registered = true
	account := h.account
	if account == "" {
		account = h.sessionID
	}
	h.mu.Unlock()

	h.transport.markPaired(h.sessionID, account)
	log.Printf("sim: session %s: connection open", h.sessionID)

	if h.events.Opened != nil {
		h.events.Opened(account)
	}
}

// newQRContent returns opaque QR login content shaped like a link ref.
func newQRContent() string {
	return "2@" + uuid.NewString() + "," + uuid.NewString()
}

// newPairingCode returns a code of the form XXXX-XXXX.
func newPairingCode() string {
	id := uuid.New()

	var b strings.Builder
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(id[i])%len(codeAlphabet)])
	}
	return b.String()
}
