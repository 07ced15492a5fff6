package audit

import (
	"strings"
)

const redacted = "***"

// Redact returns a copy of detail with credential-like keys masked at any depth.
func Redact(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		if IsSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch raw := v.(type) {
	case map[string]any:
		return Redact(raw)
	case []any:
		cp := make([]any, len(raw))
		for i, item := range raw {
			cp[i] = redactValue(item)
		}
		return cp
	case map[string]string:
		cp := make(map[string]any, len(raw))
		for k, s := range raw {
			if IsSensitiveKey(k) {
				cp[k] = redacted
			} else {
				cp[k] = s
			}
		}
		return cp
	default:
		return v
	}
}

func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch k {
	case "password",
		"passwd",
		"secret",
		"token",
		"csrf_token",
		"access_token",
		"refresh_token",
		"api_key",
		"apikey",
		"authorization",
		"cookie",
		"session_id",
		"x-api-key",
		"x-csrf-token",
		"admin_key",
		"admin_secret_key",
		"ssn",
		"dob":
		return true
	}
	return strings.HasSuffix(k, "_password") || strings.HasSuffix(k, "_secret") || strings.HasSuffix(k, "_token")
}
