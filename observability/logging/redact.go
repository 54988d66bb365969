package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are attribute keys whose values never reach a log line:
// relay bearer tokens, price API keys and RPC URLs, which often embed
// provider keys.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"bearertoken":   {},
	"token":         {},
	"apikey":        {},
	"api_key":       {},
	"rpc":           {},
	"password":      {},
	"secret":        {},
}

// IsSensitive reports whether values logged under key must be masked. Keys
// ending in token, secret or apikey are covered as well.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	for _, suffix := range []string{"token", "secret", "apikey"} {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// MaskValue returns RedactedValue for non-empty values. Empty values are kept
// so a missing secret stays visible in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField logs that a secret is configured without logging the secret.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}

func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) || attr.Value.Kind() == slog.KindGroup {
		return attr
	}
	return slog.String(attr.Key, MaskValue(attr.Value.String()))
}
