package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/pkg/metrics"
	"github.com/GoPolymarket/shieldgate/internal/store"
)

// Decision is the outcome of one CheckAndConsume call. A throttled request is a decision,
// not an error.
type Decision struct {
	Allowed    bool
	Class      Class
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// Reset is the time left in the current window.
	Reset    time.Duration
	Degraded bool
}

type Limiter struct {
	store    store.Store
	policy   atomic.Pointer[Policy]
	failOpen bool
	timeout  time.Duration
}

func NewLimiter(st store.Store, policy *Policy, failOpen bool, timeout time.Duration) *Limiter {
	l := &Limiter{store: st, failOpen: failOpen, timeout: timeout}
	if policy == nil {
		policy = DefaultPolicy()
	}
	l.policy.Store(policy)
	return l
}

// SetPolicy swaps the rule table; in-flight requests keep the table they started with.
func (l *Limiter) SetPolicy(p *Policy) {
	if p != nil {
		l.policy.Store(p)
	}
}

func (l *Limiter) Policy() *Policy {
	return l.policy.Load()
}

func (l *Limiter) Classify(method, route string) Rule {
	return l.policy.Load().Classify(method, route)
}

// CheckAndConsume counts one request for (signature, class) in a fixed window that starts at
// the bucket's first request. Requests past the limit are still counted.
func (l *Limiter) CheckAndConsume(ctx context.Context, signature string, class Class, authenticated bool) (Decision, error) {
	rule, ok := l.policy.Load().Rule(class)
	if !ok {
		rule = l.policy.Load().fallback
	}
	limit := rule.Limit(authenticated)
	d := Decision{Class: rule.Class, Limit: limit}

	sctx, cancel := store.WithTimeout(ctx, l.timeout)
	defer cancel()
	count, ttl, err := l.store.Increment(sctx, bucketKey(rule.Class, signature), rule.Window)
	if err != nil {
		if !l.failOpen {
			return d, apperrors.NewDependencyUnavailable("rate_limit_store", err)
		}
		metrics.Degraded.WithLabelValues("rate_limit").Inc()
		logger.WarnThrottled("ratelimit.degraded", "rate limit store unavailable, allowing request", "class", rule.Class, "error", err)
		d.Allowed = true
		d.Remaining = limit
		d.Reset = rule.Window
		d.Degraded = true
		return d, nil
	}

	if ttl <= 0 || ttl > rule.Window {
		ttl = rule.Window
	}
	d.Reset = ttl
	d.Remaining = limit - int(count)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Allowed = count <= int64(limit)
	if !d.Allowed {
		d.RetryAfter = ttl
		metrics.RateLimited.WithLabelValues(string(rule.Class)).Inc()
	}
	return d, nil
}

func bucketKey(class Class, signature string) string {
	return "rl:" + string(class) + ":" + signature
}
