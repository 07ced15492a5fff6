package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/ratelimit"
)

func writeRateLimitHeaders(h http.Header, d ratelimit.Decision, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(d.Reset).Unix(), 10))
	h.Set("X-RateLimit-Class", string(d.Class))
}
