package gateway

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// attempt is one admitted connection attempt for a session. Its identity
// (the pointer) is what owns membership in the connecting set.
type attempt struct {
	sessionID string

	// byCode is set when the attempt pairs with a phone number, which
	// rules out QR login.
	byCode bool

	// established is closed once Connect has finished registering (or
	// failing to register) the handle. Transport callbacks wait on it.
	established chan struct{}

	// handle and pairing are written under registry.mu only.
	handle  Handle
	pairing *pairingAttempt
}

func newAttempt(sessionID string, byCode bool) *attempt {
	return &attempt{
		sessionID:   sessionID,
		byCode:      byCode,
		established: make(chan struct{}),
	}
}

// reconnectLadder bounds automatic reconnects of one session. It survives
// the attempts it starts and is reset once a connection opens.
type reconnectLadder struct {
	delays backoff.BackOff
	tries  int
}

// admission is the outcome of registry.admit.
type admission int

const (
	// admitted: the caller owns a fresh attempt and must establish a handle.
	admitted admission = iota
	// joined: another attempt is in progress; reuse its handle.
	joined
	// skipped: the session is being deleted.
	skipped
)

// registry is the single-flight state shared by every session: the
// connecting and deleting sets plus the current handle of each session.
// One mutex covers all three so check-then-act admission is atomic.
type registry struct {
	mu sync.Mutex

	// connecting maps a session ID to the attempt that owns its slot.
	// Membership is the "currently connecting" set.
	connecting map[string]*attempt

	// deleting holds sessions whose deletion is in progress.
	deleting map[string]struct{}

	// handles maps a session ID to its current handle. Only the most
	// recently admitted attempt may write here.
	handles map[string]Handle

	// reconnects holds the reconnect ladder of sessions whose connection
	// was lost and has not reopened since.
	reconnects map[string]*reconnectLadder
}

func newRegistry() *registry {
	return &registry{
		connecting: make(map[string]*attempt),
		deleting:   make(map[string]struct{}),
		handles:    make(map[string]Handle),
		reconnects: make(map[string]*reconnectLadder),
	}
}

// admit decides, in one critical section, what a connect call for id does.
//
// When the session is already connecting, a call with a phone number
// preempts the in-flight attempt only if that attempt has a handle which has
// not finished device registration; every other call joins. When the
// session is not connecting but still holds a handle (an earlier, finished
// attempt), that handle is detached so two live handles never coexist.
//
// For admitted calls, previous is the detached handle the caller must close
// before establishing a new one. For joined calls, existing is the handle
// to return (nil while the first attempt is still establishing).
func (r *registry) admit(id string, withPhone bool) (a *attempt, existing, previous Handle, outcome admission) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deleting[id]; ok {
		return nil, nil, nil, skipped
	}

	current := r.handles[id]
	if _, ok := r.connecting[id]; ok {
		if current == nil || !withPhone || current.Registered() {
			return nil, current, nil, joined
		}
	}

	if current != nil {
		delete(r.handles, id)
		previous = current
	}

	a = newAttempt(id, withPhone)
	r.connecting[id] = a
	return a, nil, previous, admitted
}

// register stores h as the current handle of a, together with its pairing
// loop, if a still owns the connecting slot. It returns false when the
// attempt was superseded or disconnected while establishing.
func (r *registry) register(a *attempt, h Handle, p *pairingAttempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connecting[a.sessionID] != a {
		return false
	}
	a.handle = h
	a.pairing = p
	r.handles[a.sessionID] = h
	return true
}

// finish removes a from the connecting set if it still owns the slot.
// Returns whether it did.
func (r *registry) finish(a *attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connecting[a.sessionID] != a {
		return false
	}
	delete(r.connecting, a.sessionID)
	return true
}

// currentLocked reports whether a's handle is still the registered one.
// Caller must hold r.mu.
func (r *registry) currentLocked(a *attempt) bool {
	return a.handle != nil && r.handles[a.sessionID] == a.handle
}

// awaitingOpen reports whether a is current and still connecting, which is
// when a QR login may be shown for it.
func (r *registry) awaitingOpen(a *attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currentLocked(a) && r.connecting[a.sessionID] == a
}

// open records that a's transport is fully open: the attempt leaves the
// connecting set and its pairing and reconnect bookkeeping is cleared.
// Returns false if a is stale.
func (r *registry) open(a *attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.currentLocked(a) {
		return false
	}
	if r.connecting[a.sessionID] == a {
		delete(r.connecting, a.sessionID)
	}
	a.pairing = nil
	delete(r.reconnects, a.sessionID)
	return true
}

// release drops a's handle and connecting slot if a is still current and
// returns the dropped handle, or nil if a is stale.
func (r *registry) release(a *attempt) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.currentLocked(a) {
		return nil
	}
	return r.releaseLocked(a)
}

func (r *registry) releaseLocked(a *attempt) Handle {
	delete(r.handles, a.sessionID)
	if r.connecting[a.sessionID] == a {
		delete(r.connecting, a.sessionID)
	}
	a.pairing = nil
	return a.handle
}

// pairingCurrent reports whether p is still the live pairing loop of the
// session: its handle is the registered one and the attempt has not been
// opened or released since.
func (r *registry) pairingCurrent(p *pairingAttempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currentLocked(p.attempt) && p.attempt.pairing == p
}

// endPairing releases p's attempt if p is still its live pairing loop and
// returns the dropped handle, or nil if p is stale.
func (r *registry) endPairing(p *pairingAttempt) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.currentLocked(p.attempt) || p.attempt.pairing != p {
		return nil
	}
	return r.releaseLocked(p.attempt)
}

// detach removes every trace of id from the connecting set, the handle map
// and the reconnect ladders. It returns the handle that was registered, if
// any, and whether the session had anything to detach at all.
func (r *registry) detach(id string) (h Handle, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h = r.handles[id]
	active = h != nil
	delete(r.handles, id)
	if a, ok := r.connecting[id]; ok {
		a.pairing = nil
		delete(r.connecting, id)
		active = true
	}
	if _, ok := r.reconnects[id]; ok {
		delete(r.reconnects, id)
		active = true
	}
	return h, active
}

// detachAll empties the registry and returns every handle it held.
func (r *registry) detachAll() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]Handle, 0, len(r.handles))
	for id, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, id)
	}
	for id, a := range r.connecting {
		a.pairing = nil
		delete(r.connecting, id)
	}
	for id := range r.reconnects {
		delete(r.reconnects, id)
	}
	return handles
}

// markDeleting adds id to the deleting set and returns the handle it held,
// which the caller must close.
func (r *registry) markDeleting(id string) Handle {
	r.mu.Lock()
	r.deleting[id] = struct{}{}
	r.mu.Unlock()

	h, _ := r.detach(id)
	return h
}

func (r *registry) unmarkDeleting(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deleting, id)
}

// handle returns the current handle of id, or nil.
func (r *registry) handle(id string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

func (r *registry) isConnecting(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.connecting[id]
	return ok
}

func (r *registry) isDeleting(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.deleting[id]
	return ok
}

// sessionIDs returns the IDs that currently hold a handle.
func (r *registry) sessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// nextReconnect advances the reconnect ladder of id, creating it with
// newLadder on first use, and returns the ladder with the delay before the
// next attempt. It returns a nil ladder once the ladder is exhausted and
// drops it, so a later loss starts over.
func (r *registry) nextReconnect(id string, newLadder func() backoff.BackOff) (*reconnectLadder, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.reconnects[id]
	if !ok {
		l = &reconnectLadder{delays: newLadder()}
		r.reconnects[id] = l
	}
	delay := l.delays.NextBackOff()
	if delay == backoff.Stop {
		delete(r.reconnects, id)
		return nil, 0
	}
	l.tries++
	return l, delay
}

// reconnectDue reports whether a scheduled reconnect for l should still
// run: l is the session's ladder and the session is idle and not being
// deleted.
func (r *registry) reconnectDue(id string, l *reconnectLadder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reconnects[id] != l {
		return false
	}
	if _, ok := r.deleting[id]; ok {
		return false
	}
	if _, ok := r.connecting[id]; ok {
		return false
	}
	return r.handles[id] == nil
}

// clearReconnect drops the reconnect ladder of id.
func (r *registry) clearReconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reconnects, id)
}
