package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/cenkalti/backoff"

	"github.com/chatgate/gateway/internal/storage"
)

// Messages recorded on the pairing path.
const (
	msgPairingReady   = "Pairing code ready"
	msgPairingTimeout = "Chat server is taking too long to respond (transport not ready)"
)

// pairingAttempt is the retry bookkeeping of one pairing loop. The two
// ladders are independent: waiting for readiness never consumes failure
// retries and vice versa.
type pairingAttempt struct {
	attempt *attempt
	phone   string

	readiness backoff.BackOff
	failures  backoff.BackOff

	// Counters for logging only; the ladders enforce the bounds.
	readinessTries int
	failureTries   int
}

func newPairingAttempt(a *attempt, phone string, cfg Config) *pairingAttempt {
	return &pairingAttempt{
		attempt: a,
		phone:   phone,
		readiness: backoff.WithMaxRetries(
			backoff.NewConstantBackOff(cfg.RetryDelay), uint64(cfg.ReadyRetries)),
		failures: backoff.WithMaxRetries(
			backoff.NewConstantBackOff(cfg.RetryDelay), uint64(cfg.ErrorRetries)),
	}
}

// requestPairing runs one step of the pairing loop. Each step either
// succeeds, reschedules itself on one of the ladders, or gives up.
func (m *Manager) requestPairing(p *pairingAttempt) {
	id := p.attempt.sessionID

	if !m.reg.pairingCurrent(p) {
		log.Printf("gateway: session %s: pairing loop superseded, stopping", id)
		return
	}

	h := p.attempt.handle
	if h.Registered() {
		log.Printf("gateway: session %s: device already registered, no pairing code needed", id)
		return
	}

	if !h.Ready() {
		delay := p.readiness.NextBackOff()
		if delay == backoff.Stop {
			log.Printf("gateway: session %s: transport not ready after %d retries, giving up", id, p.readinessTries)
			m.abandonPairing(p, msgPairingTimeout)
			return
		}
		p.readinessTries++
		log.Printf("gateway: session %s: transport not ready, retrying pairing in %s (%d)", id, delay, p.readinessTries)
		m.schedule(delay, func() { m.requestPairing(p) })
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.RequestTimeout)
	code, err := h.RequestPairingCode(ctx, p.phone)
	cancel()
	if err != nil {
		m.failPairing(p, err)
		return
	}

	unlock := m.locks.lock(id)
	defer unlock()

	// The loop may have been superseded while the request was in flight.
	if !m.reg.pairingCurrent(p) {
		log.Printf("gateway: session %s: discarding pairing code from superseded attempt", id)
		return
	}

	log.Printf("gateway: session %s: pairing code ready", id)
	if err := m.config.Sessions.UpdateSessionStatus(id, storage.SessionStatusGeneratingCode, msgPairingReady, code); err != nil {
		log.Printf("gateway: session %s: failed to record pairing code: %v", id, err)
		return
	}
	m.emit(id, storage.SessionStatusGeneratingCode, msgPairingReady, code)

	m.notifyOwner(id, msgPairingReady, fmt.Sprintf("The pairing code for %s is: %s", id, code))
}

// failPairing handles a failed pairing request: retry while the failure
// ladder allows, then give up.
func (m *Manager) failPairing(p *pairingAttempt, cause error) {
	id := p.attempt.sessionID

	delay := p.failures.NextBackOff()
	if delay == backoff.Stop {
		log.Printf("gateway: session %s: pairing code request failed after %d retries: %v", id, p.failureTries, cause)
		m.abandonPairing(p, fmt.Sprintf("Pairing code request failed: %v", cause))
		return
	}

	p.failureTries++
	log.Printf("gateway: session %s: pairing code request failed, retrying in %s (%d): %v", id, delay, p.failureTries, cause)
	m.schedule(delay, func() { m.requestPairing(p) })
}

// abandonPairing ends a pairing loop that ran out of retries: the session
// is marked DISCONNECTED and its handle torn down.
func (m *Manager) abandonPairing(p *pairingAttempt, message string) {
	id := p.attempt.sessionID

	unlock := m.locks.lock(id)
	defer unlock()

	h := m.reg.endPairing(p)
	if h == nil {
		return
	}

	if err := m.config.Sessions.UpdateSessionStatus(id, storage.SessionStatusDisconnected, message, ""); err != nil {
		log.Printf("gateway: session %s: failed to record DISCONNECTED: %v", id, err)
	} else {
		m.emit(id, storage.SessionStatusDisconnected, message, "")
	}

	if err := h.Close(); err != nil {
		log.Printf("gateway: session %s: error closing handle: %v", id, err)
	}
}
