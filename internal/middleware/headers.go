package middleware

import (
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
)

// singletonHeaders may appear at most once; a repeated credential or content type
// is read differently by different parsers.
var singletonHeaders = []string{"Authorization", "Content-Type", "Content-Length", "Origin", "X-Csrf-Token", "X-Api-Key"}

// HeaderChecker is the security-header sanity stage.
type HeaderChecker struct {
	maxCount int
	maxValue int
}

func NewHeaderChecker(cfg config.HeaderConfig) *HeaderChecker {
	h := &HeaderChecker{maxCount: cfg.MaxHeaderCount, maxValue: cfg.MaxHeaderValueBytes}
	if h.maxCount <= 0 {
		h.maxCount = 100
	}
	if h.maxValue <= 0 {
		h.maxValue = 8192
	}
	return h
}

func (h *HeaderChecker) Check(header http.Header) error {
	count := 0
	for name, values := range header {
		count += len(values)
		if strings.ContainsAny(name, "\r\n\x00 ") {
			return headerInvalid("control_characters", name)
		}
		for _, v := range values {
			if len(v) > h.maxValue {
				return headerInvalid("header_too_large", name)
			}
			if strings.ContainsAny(v, "\r\n\x00") {
				return headerInvalid("control_characters", name)
			}
		}
	}
	if count > h.maxCount {
		return headerInvalid("too_many_headers", "")
	}

	for _, name := range singletonHeaders {
		if len(header.Values(name)) > 1 {
			return headerInvalid("duplicate_header", name)
		}
	}

	if xff := header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if !forwardedElementOK(strings.TrimSpace(part)) {
				return headerInvalid("malformed_forwarded_for", "X-Forwarded-For")
			}
		}
	}

	if origin := header.Get("Origin"); origin != "" && origin != "null" {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return headerInvalid("malformed_origin", "Origin")
		}
	}
	return nil
}

// forwardedElementOK accepts what proxies put in X-Forwarded-For: addresses, ip:port pairs,
// "unknown" and obfuscated identifiers. Which hop is trusted is left to gin's ClientIP.
func forwardedElementOK(s string) bool {
	if s == "" {
		return true
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	if _, err := netip.ParseAddrPort(s); err == nil {
		return true
	}
	if len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == ':', r == '_', r == '-', r == '[', r == ']', r == '%':
		default:
			return false
		}
	}
	return true
}

func headerInvalid(reason, name string) error {
	err := apperrors.New(apperrors.ErrSecurityHeaderInvalid, "", nil).WithDetail("reason", reason)
	if name != "" {
		err = err.WithDetail("header", name)
	}
	return err
}

// applyHardening sets the generic response headers every API response carries.
func applyHardening(h http.Header, r *http.Request) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
