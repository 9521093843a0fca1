package logutil

import (
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		a.Value = slog.StringValue(redactedValue)
	}
	return a
}

var sensitiveFragments = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"authorization",
	"private_key",
	"api_key",
	"apikey",
	"dsn",
	"account_key",
}

// isSensitiveKey reports whether values under key must never reach a log
// line. Database DSNs and account credential seeds are included.
func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}
