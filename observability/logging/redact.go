package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that mark an attribute as secret wherever they appear in the attribute name.
var sensitiveFragments = []string{
	"passphrase",
	"secret",
	"token",
	"authorization",
	"private_key",
	"encrypted_key",
	"sealed",
	"dsn",
}

var payoutAllowlist = map[string]struct{}{
	"job_id":       {},
	"owner_id":     {},
	"recipient_id": {},
	"kind":         {},
	"address":      {},
	"tx_hash":      {},
	"delivery_id":  {},
	"error":        {},
}

// IsSensitive reports whether attributes named key must never reach the log output.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := payoutAllowlist[normalized]; ok {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts value when key is sensitive.
func MaskField(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}

// redactAttr is installed as the handler's ReplaceAttr hook so a secret logged by accident
// is masked before it is encoded. Groups are walked recursively.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		redacted := make([]any, 0, len(members))
		for _, member := range members {
			redacted = append(redacted, redactAttr(member))
		}
		return slog.Group(attr.Key, redacted...)
	}
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}
