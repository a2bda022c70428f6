package logutil

import (
	"regexp"
	"strings"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

const redacted = "[REDACTED]"

var (
	// key=value and "key":"value" forms of common credential fields.
	secretAssignment = regexp.MustCompile(`(?i)("?(?:password|passphrase|private_?key|privatekey|secret|token)"?\s*[:=]\s*)("[^"]*"|[^\s,;}]+)`)
	pemBlock         = regexp.MustCompile(`-----BEGIN [A-Z0-9 ]+-----[\s\S]*?-----END [A-Z0-9 ]+-----`)
)

// RedactSecrets strips credential material from an arbitrary message before it
// is logged or returned to a client. Any literal values passed in secrets are
// replaced as well, so a password echoed back by a remote library never leaks.
func RedactSecrets(msg string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, s, redacted)
	}
	msg = pemBlock.ReplaceAllString(msg, redacted)
	return secretAssignment.ReplaceAllString(msg, "${1}"+redacted)
}

// Mask shows only the last four characters of a value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
