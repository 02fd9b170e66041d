package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"flow":      {},
	"step":      {},
	"asset":     {},
	"tx":        {},
	"status":    {},
}

// Keys whose values identify a person. They are logged as a short digest so a
// user's lines can be correlated without exposing the id.
var pseudonymousKeys = map[string]struct{}{
	"user":    {},
	"user_id": {},
	"userid":  {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[normalizeKey(key)]
	return ok
}

// RedactionAllowlist returns the sorted log keys emitted without redaction.
func RedactionAllowlist() []string {
	return slices.Sorted(maps.Keys(redactionAllowlist))
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Fingerprint returns a short stable digest of value.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "fp:" + hex.EncodeToString(sum[:4])
}

// MaskField returns an attribute for key that is safe to log: allowlisted keys
// pass through, user identifiers become fingerprints, anything else is redacted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	if _, ok := pseudonymousKeys[normalizeKey(key)]; ok {
		return slog.String(key, Fingerprint(value))
	}
	return slog.String(key, RedactedValue)
}
