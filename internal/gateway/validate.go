package gateway

import (
	"regexp"
	"strings"
)

// sessionIDPattern allows letters, digits, underscores, hyphens, colons,
// @ signs, dots and spaces. Session IDs end up in file paths on some
// transports, so anything else is rejected.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_@.: -]{1,128}$`)

// ValidSessionID reports whether id is an acceptable session identifier.
// It fails closed: anything that does not match is invalid.
func ValidSessionID(id string) bool {
	if strings.Contains(id, "..") {
		return false
	}
	return sessionIDPattern.MatchString(id)
}

// SanitizePhoneNumber keeps only the digits of a phone number, which is the
// form the pairing request expects.
func SanitizePhoneNumber(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
