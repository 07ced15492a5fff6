package model

import (
	"net/http"
	"strings"
)

// RequestContext is the per-request view the security stages work on.
// It is built once by the orchestrator and not shared across requests.
type RequestContext struct {
	RequestID   string
	Method      string
	Path        string
	Route       string // matched route template, falls back to Path
	Headers     http.Header
	Cookies     map[string]string
	Query       Value
	Body        Value
	BodyTooDeep bool
	ContentType string
	ClientIP    string
	Identity    *Identity
}

// Header returns a header value using canonical (case-insensitive) lookup.
func (r *RequestContext) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

func (r *RequestContext) Cookie(name string) string {
	if r == nil || r.Cookies == nil {
		return ""
	}
	return r.Cookies[name]
}

// RouteID is the stable route identifier used for keys and classification.
func (r *RequestContext) RouteID() string {
	if r.Route != "" {
		return r.Route
	}
	return r.Path
}

func (r *RequestContext) UserAgent() string {
	return r.Header("User-Agent")
}

// IsReadOnlyMethod reports whether the method never mutates state.
func IsReadOnlyMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// BearerToken extracts the credential of an "Authorization: Bearer" header.
func (r *RequestContext) BearerToken() string {
	h := strings.TrimSpace(r.Header("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// PathMatches reports whether path equals one of prefixes or lies below it.
// Matching is by whole segment: "/api/health" covers "/api/health/db" but not "/api/health-check".
func PathMatches(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
