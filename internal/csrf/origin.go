package csrf

import (
	"net/url"
	"strings"

	"github.com/GoPolymarket/shieldgate/internal/model"
)

type originResult int

const (
	originOK originResult = iota
	originMissing
	originMismatch
)

// checkOrigin compares Origin (or, failing that, Referer) with the allow-list.
// An empty allow-list accepts only the request's own host.
func checkOrigin(rc *model.RequestContext, allowed []string) originResult {
	raw := rc.Header("Origin")
	if raw == "" || raw == "null" {
		raw = rc.Header("Referer")
	}
	if raw == "" {
		return originMissing
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return originMismatch
	}
	origin := strings.ToLower(u.Scheme + "://" + u.Host)

	if len(allowed) == 0 {
		host := strings.ToLower(rc.Header("Host"))
		if host == "" {
			host = strings.ToLower(rc.Header("X-Forwarded-Host"))
		}
		if host != "" && strings.EqualFold(u.Host, host) {
			return originOK
		}
		return originMismatch
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimRight(a, "/"), origin) {
			return originOK
		}
	}
	return originMismatch
}
