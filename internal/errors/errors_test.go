package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeStorageNotFound, "session not found"),
			expected: "storage.not_found: session not found",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeSessionConnectFailed, "dial failed", errors.New("connection refused")),
			expected: "session.connect_failed: dial failed (connection refused)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}

	err2 := New(CodeStorageNotFound, "not found")
	if err2.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestToCodeAndMessage_Wrapped(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "coded error", err: InvalidSessionID("../x"), expected: CodeSessionInvalidID},
		{name: "wrapped coded error", err: fmt.Errorf("connect: %w", ConnectFailed("s1", errors.New("boom"))), expected: CodeSessionConnectFailed},
		{name: "plain error", err: errors.New("plain"), expected: CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := ToCodeAndMessage(tt.err); got != tt.expected {
				t.Errorf("code = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestToCodeAndMessage(t *testing.T) {
	code, msg := ToCodeAndMessage(RateLimited("sess-1"))
	if code != CodeInputRateLimited {
		t.Errorf("code = %q, want %q", code, CodeInputRateLimited)
	}
	if msg != "too many connect requests for session sess-1" {
		t.Errorf("message = %q", msg)
	}

	code, msg = ToCodeAndMessage(errors.New("disk full"))
	if code != CodeUnknown || msg != "disk full" {
		t.Errorf("got (%q, %q), want (%q, %q)", code, msg, CodeUnknown, "disk full")
	}

	code, msg = ToCodeAndMessage(nil)
	if code != "" || msg != "" {
		t.Errorf("nil error should produce empty code and message, got (%q, %q)", code, msg)
	}
}

func TestIsCode(t *testing.T) {
	err := NotificationNotFound("n1")
	if !IsCode(err, CodeNotifyNotFound) {
		t.Error("IsCode should match notify.not_found")
	}
	if IsCode(err, CodeStorageNotFound) {
		t.Error("IsCode should not match a different code")
	}
	if !IsCode(fmt.Errorf("reconnect: %w", ConnectFailed("s1", err)), CodeSessionConnectFailed) {
		t.Error("IsCode should see through wrapping")
	}
	if IsCode(nil, CodeUnknown) || IsCode(errors.New("plain"), CodeUnknown) {
		t.Error("IsCode should not match errors without a code")
	}
}
