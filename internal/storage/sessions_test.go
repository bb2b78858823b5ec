package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestCreateSession verifies that a new session starts IDLE with its owner.
func TestCreateSession(t *testing.T) {
	store := newTestStore(t)

	session, err := store.CreateSession("sess-1", "owner@example.com")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Status != SessionStatusIdle {
		t.Errorf("Status = %q, want %q", session.Status, SessionStatusIdle)
	}
	if session.OwnerEmail != "owner@example.com" {
		t.Errorf("OwnerEmail = %q, want owner@example.com", session.OwnerEmail)
	}
	if session.PairingCode != "" {
		t.Errorf("PairingCode = %q, want empty", session.PairingCode)
	}
	if session.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

// TestCreateSessionTwiceUpdatesOwner verifies that create is idempotent
// and keeps the status of an existing row.
func TestCreateSessionTwiceUpdatesOwner(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateSession("sess-1", "a@example.com"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.UpdateSessionStatus("sess-1", SessionStatusConnecting, "Connecting", ""); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}
	session, err := store.CreateSession("sess-1", "b@example.com")
	if err != nil {
		t.Fatalf("second CreateSession failed: %v", err)
	}
	if session.OwnerEmail != "b@example.com" {
		t.Errorf("OwnerEmail = %q, want b@example.com", session.OwnerEmail)
	}
	if session.Status != SessionStatusConnecting {
		t.Errorf("Status = %q, want %q", session.Status, SessionStatusConnecting)
	}
}

func TestGetSessionMissing(t *testing.T) {
	store := newTestStore(t)

	session, err := store.GetSession("nope")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session != nil {
		t.Errorf("expected nil session, got %+v", session)
	}
}

// TestUpdateSessionStatusCreatesRow verifies that the first status write
// for an unknown session creates it without an owner.
func TestUpdateSessionStatusCreatesRow(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateSessionStatus("sess-new", SessionStatusConnecting, "Connecting", ""); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	session, err := store.GetSession("sess-new")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session == nil {
		t.Fatal("GetSession returned nil")
	}
	if session.Status != SessionStatusConnecting {
		t.Errorf("Status = %q, want %q", session.Status, SessionStatusConnecting)
	}
	if session.OwnerEmail != "" {
		t.Errorf("OwnerEmail = %q, want empty", session.OwnerEmail)
	}
}

// TestUpdateSessionStatusPairingCode walks through the code rules: each
// code is stored by its generating status, kept on DISCONNECTED and
// cleared by everything else.
func TestUpdateSessionStatusPairingCode(t *testing.T) {
	store := newTestStore(t)

	steps := []struct {
		status   SessionStatus
		message  string
		code     string
		wantCode string
		wantQR   string
	}{
		{SessionStatusConnecting, "Connecting", "ignored", "", ""},
		{SessionStatusGeneratingCode, "Pairing code ready", "ABCD-EFGH", "ABCD-EFGH", ""},
		{SessionStatusDisconnected, "lost", "", "ABCD-EFGH", ""},
		{SessionStatusConnecting, "Connecting", "", "", ""},
		{SessionStatusGeneratingQR, "Scan QR code", "2@qr-content", "", "2@qr-content"},
		{SessionStatusDisconnected, "lost", "", "", "2@qr-content"},
		{SessionStatusGeneratingCode, "Pairing code ready", "WXYZ-2345", "WXYZ-2345", ""},
		{SessionStatusConnected, "Connected", "", "", ""},
	}

	for _, step := range steps {
		if err := store.UpdateSessionStatus("sess-1", step.status, step.message, step.code); err != nil {
			t.Fatalf("UpdateSessionStatus(%s) failed: %v", step.status, err)
		}
		session, err := store.GetSession("sess-1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if session.Status != step.status {
			t.Errorf("Status = %q, want %q", session.Status, step.status)
		}
		if session.StatusMessage != step.message {
			t.Errorf("StatusMessage = %q, want %q", session.StatusMessage, step.message)
		}
		if session.PairingCode != step.wantCode {
			t.Errorf("after %s PairingCode = %q, want %q", step.status, session.PairingCode, step.wantCode)
		}
		if session.QRCode != step.wantQR {
			t.Errorf("after %s QRCode = %q, want %q", step.status, session.QRCode, step.wantQR)
		}
	}
}

func TestUpdateSessionStatusRejectsUnknownStatus(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateSessionStatus("sess-1", SessionStatus("running"), "", ""); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestListSessionsByOwner(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, tc := range []struct{ id, owner string }{
		{"a", "one@example.com"},
		{"b", "two@example.com"},
		{"c", "one@example.com"},
	} {
		if _, err := store.CreateSession(tc.id, tc.owner); err != nil {
			t.Fatalf("CreateSession(%s) failed: %v", tc.id, err)
		}
	}

	all, err := store.ListSessions("")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	owned, err := store.ListSessions("one@example.com")
	if err != nil {
		t.Fatalf("ListSessions(owner) failed: %v", err)
	}
	if len(owned) != 2 {
		t.Errorf("len(owned) = %d, want 2", len(owned))
	}
}

func TestSetSessionAccountAndDelete(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateSession("sess-1", ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.SetSessionAccount("sess-1", "Alice"); err != nil {
		t.Fatalf("SetSessionAccount failed: %v", err)
	}
	session, _ := store.GetSession("sess-1")
	if session.Account != "Alice" {
		t.Errorf("Account = %q, want Alice", session.Account)
	}

	deleted, err := store.DeleteSession("sess-1")
	if err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if !deleted {
		t.Error("DeleteSession should report true for an existing row")
	}
	deleted, err = store.DeleteSession("sess-1")
	if err != nil {
		t.Fatalf("second DeleteSession failed: %v", err)
	}
	if deleted {
		t.Error("DeleteSession should report false once the row is gone")
	}
}

// TestSessionsPersistAcrossReopen verifies the file-backed database keeps
// rows and does not re-run migrations.
func TestSessionsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatgate.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.UpdateSessionStatus("sess-1", SessionStatusGeneratingCode, "Pairing code ready", "1234-5678"); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	session, err := reopened.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session == nil || session.PairingCode != "1234-5678" {
		t.Errorf("session after reopen = %+v, want pairing code 1234-5678", session)
	}
}
