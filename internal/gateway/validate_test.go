package gateway

import (
	"strings"
	"testing"
)

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"sess-1", true},
		{"user@example.com", true},
		{"team:support main", true},
		{"a_b.c", true},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
		{"", false},
		{"..", false},
		{"a/../b", false},
		{"a/b", false},
		{`a\b`, false},
		{"sess\n1", false},
		{"séance", false},
	}

	for _, tt := range tests {
		if got := ValidSessionID(tt.id); got != tt.want {
			t.Errorf("ValidSessionID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestSanitizePhoneNumber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+1 (555) 010-0000", "15550100000"},
		{"15550100", "15550100"},
		{"tel: 44 20 7946 0000", "442079460000"},
		{"no digits", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := SanitizePhoneNumber(tt.in); got != tt.want {
			t.Errorf("SanitizePhoneNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
