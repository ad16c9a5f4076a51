package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Placeholder replaces secret config values.
const Placeholder = "***REDACTED***"

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

var sensitiveKeys = []string{"api_key", "apikey", "password", "secret", "token"}

// SetEnabled toggles PII redaction of transcript text.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// SensitiveKey reports whether a config key names a secret.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Value returns a copy of v safe for logging. Maps are walked recursively and
// values under sensitive keys are replaced; empty secrets are kept as-is so
// "not configured" stays visible. Config redaction is independent of SetEnabled.
func Value(v any, key string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = Value(inner, k)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, inner := range val {
			if SensitiveKey(k) && inner != "" {
				out[k] = Placeholder
				continue
			}
			out[k] = inner
		}
		return out
	case string:
		if SensitiveKey(key) && val != "" {
			return Placeholder
		}
		return val
	case nil:
		return nil
	default:
		if SensitiveKey(key) {
			return Placeholder
		}
		return v
	}
}
