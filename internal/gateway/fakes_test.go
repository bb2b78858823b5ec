package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatgate/gateway/internal/notify"
	"github.com/chatgate/gateway/internal/storage"
)

// manualScheduler queues continuations until the test runs them.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*scheduledCall
}

type scheduledCall struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &scheduledCall{delay: d, f: f}
	s.pending = append(s.pending, c)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		was := !c.stopped
		c.stopped = true
		return was
	}
}

// runNext runs the oldest queued continuation synchronously and returns
// its delay. It fails the test if nothing is queued.
func (s *manualScheduler) runNext(t *testing.T) time.Duration {
	t.Helper()

	s.mu.Lock()
	var next *scheduledCall
	for len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		if !c.stopped {
			next = c
			break
		}
	}
	s.mu.Unlock()

	if next == nil {
		t.Fatal("runNext: no scheduled continuation")
	}
	next.f()
	return next.delay
}

// drain runs continuations until none are left and returns how many ran.
func (s *manualScheduler) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for s.len() > 0 {
		s.runNext(t)
		n++
		if n > 1000 {
			t.Fatal("drain: scheduler did not settle")
		}
	}
	return n
}

func (s *manualScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.pending {
		if !c.stopped {
			n++
		}
	}
	return n
}

// fakeHandle is a scriptable Handle.
type fakeHandle struct {
	mu         sync.Mutex
	sessionID  string
	ready      bool
	registered bool
	code       string
	err        error
	requests   int
	phones     []string
	closed     int
	events     Events
}

func (h *fakeHandle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *fakeHandle) Registered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered
}

func (h *fakeHandle) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++
	h.phones = append(h.phones, phone)
	if h.err != nil {
		return "", h.err
	}
	return h.code, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) setReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *fakeHandle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *fakeHandle) stats() (requests, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests, h.closed
}

// fakeTransport hands out fakeHandles configured by configure.
type fakeTransport struct {
	mu        sync.Mutex
	calls     int
	handles   []*fakeHandle
	err       error
	configure func(h *fakeHandle)

	// When gate is set, Establish signals started and blocks until gate
	// is closed.
	gate    chan struct{}
	started chan struct{}
}

func (tr *fakeTransport) Establish(ctx context.Context, sessionID string, events Events) (Handle, error) {
	tr.mu.Lock()
	tr.calls++
	gate, started := tr.gate, tr.started
	err := tr.err
	tr.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		<-gate
	}
	if err != nil {
		return nil, err
	}

	h := &fakeHandle{sessionID: sessionID, code: "ABCD-1234", events: events}
	if tr.configure != nil {
		tr.configure(h)
	}

	tr.mu.Lock()
	tr.handles = append(tr.handles, h)
	tr.mu.Unlock()
	return h, nil
}

func (tr *fakeTransport) callCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.calls
}

func (tr *fakeTransport) handle(i int) *fakeHandle {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.handles[i]
}

// update is one recorded OnUpdate call.
type update struct {
	sessionID   string
	status      storage.SessionStatus
	message     string
	pairingCode string
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []update
}

func (r *updateRecorder) record(id string, status storage.SessionStatus, message, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update{id, status, message, code})
}

func (r *updateRecorder) statuses() []storage.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.SessionStatus, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.status
	}
	return out
}

func (r *updateRecorder) last() update {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return update{}
	}
	return r.updates[len(r.updates)-1]
}

// testEnv wires a Manager to an in-memory store and fakes.
type testEnv struct {
	store     *storage.SQLiteStore
	notifier  *notify.Service
	transport *fakeTransport
	scheduler *manualScheduler
	updates   *updateRecorder
	mgr       *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:     store,
		notifier:  notify.NewService(store),
		transport: &fakeTransport{},
		scheduler: &manualScheduler{},
		updates:   &updateRecorder{},
	}
	env.mgr = NewManager(Config{
		Transport:   env.transport,
		Sessions:    store,
		Users:       store,
		Notifier:    env.notifier,
		OnUpdate:    env.updates.record,
		Scheduler:   env.scheduler,
		SettleDelay: 10 * time.Second,
		RetryDelay:  5 * time.Second,
	})
	t.Cleanup(func() { env.mgr.Close() })
	return env
}

// sessionStatus reads the persisted status of id.
func (env *testEnv) sessionStatus(t *testing.T, id string) *storage.Session {
	t.Helper()
	s, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if s == nil {
		t.Fatalf("session %s not found", id)
	}
	return s
}

var errBoom = errors.New("boom")
