package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder used for sensitive fields in logs.
// Settlement logs must never leak API secrets or signatures.
const RedactedValue = "[REDACTED]"

var redactedKeys = map[string]struct{}{
	"secret":    {},
	"signature": {},
	"apisecret": {},
	"token":     {},
}

// Sensitive reports whether the key names a value that must be masked.
func Sensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactedKeys[normalized]
	return ok
}

// MaskField returns a slog.Attr with the value replaced when the key is
// sensitive. Empty values pass through to avoid log noise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !Sensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
