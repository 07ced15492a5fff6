package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(failOpen bool) (*Limiter, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	st := store.NewMemoryStoreWithClock(c.Now)
	return NewLimiter(st, DefaultPolicy(), failOpen, 0), c
}

func TestClassifyPrecedence(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		method string
		route  string
		want   Class
	}{
		{"DELETE", "/api/items/1", ClassCritical},
		{"POST", "/api/admin/users", ClassCritical},
		{"GET", "/api/admin/auth/logs", ClassCritical},
		{"POST", "/API/Auth/Login", ClassAuth},
		{"GET", "/api/auth/check-email", ClassAuth},
		{"POST", "/api/documents/upload", ClassSubmission},
		{"POST", "/api/session/upload", ClassAuth},
		{"GET", "/api/health-questionnaires/templates", ClassReadOnly},
		{"HEAD", "/api/items", ClassReadOnly},
		{"POST", "/api/search", ClassReadOnly},
		{"POST", "/api/gamification/points", ClassDefault},
		{"PUT", "/api/profile", ClassDefault},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Classify(tt.method, tt.route).Class, "%s %s", tt.method, tt.route)
	}
}

func TestPolicyTiers(t *testing.T) {
	p := DefaultPolicy()
	want := map[Class][3]int{
		ClassCritical:   {15, 30, 300},
		ClassAuth:       {20, 40, 120},
		ClassSubmission: {25, 50, 60},
		ClassReadOnly:   {60, 100, 60},
		ClassDefault:    {30, 60, 60},
	}
	for class, tier := range want {
		r, ok := p.Rule(class)
		require.True(t, ok, class)
		assert.Equal(t, tier[0], r.Limit(false), class)
		assert.Equal(t, tier[1], r.Limit(true), class)
		assert.Equal(t, time.Duration(tier[2])*time.Second, r.Window, class)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig([]config.RouteClassConfig{
		{Name: "reports", Keywords: []string{"Report"}, WindowSeconds: 30, Anonymous: 2, Authenticated: 4},
		{Name: "default", WindowSeconds: 10, Anonymous: 1, Authenticated: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, Class("reports"), p.Classify("GET", "/api/reports/daily").Class)
	assert.Equal(t, ClassDefault, p.Classify("GET", "/api/other").Class)
	assert.Equal(t, 10*time.Second, p.Classify("GET", "/api/other").Window)

	_, err = PolicyFromConfig([]config.RouteClassConfig{{Name: "bad", WindowSeconds: 0, Anonymous: 1, Authenticated: 1}})
	assert.Error(t, err)

	p, err = PolicyFromConfig(nil)
	require.NoError(t, err)
	assert.Len(t, p.Rules(), 5)
}

func TestWindowExhaustionProperty(t *testing.T) {
	classes := []Class{ClassCritical, ClassAuth, ClassSubmission, ClassReadOnly, ClassDefault}
	rapid.Check(t, func(t *rapid.T) {
		l, _ := newTestLimiter(true)
		class := rapid.SampledFrom(classes).Draw(t, "class")
		authed := rapid.Bool().Draw(t, "authenticated")
		sig := rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "signature")
		rule, _ := l.Policy().Rule(class)
		limit := rule.Limit(authed)
		n := rapid.IntRange(1, limit).Draw(t, "n")

		for i := 0; i < n; i++ {
			d, err := l.CheckAndConsume(context.Background(), sig, class, authed)
			if err != nil || !d.Allowed {
				t.Fatalf("request %d of %d denied (limit %d)", i+1, n, limit)
			}
		}
		for i := n; i < limit; i++ {
			_, _ = l.CheckAndConsume(context.Background(), sig, class, authed)
		}
		d, err := l.CheckAndConsume(context.Background(), sig, class, authed)
		if err != nil || d.Allowed {
			t.Fatalf("request %d allowed past limit %d", limit+1, limit)
		}
		if d.RetryAfter <= 0 {
			t.Fatalf("retryAfter must be positive, got %v", d.RetryAfter)
		}
	})
}

func TestWindowResetProperty(t *testing.T) {
	classes := []Class{ClassCritical, ClassAuth, ClassSubmission, ClassReadOnly, ClassDefault}
	rapid.Check(t, func(t *rapid.T) {
		l, c := newTestLimiter(true)
		class := rapid.SampledFrom(classes).Draw(t, "class")
		rule, _ := l.Policy().Rule(class)
		limit := rule.Limit(false)

		for i := 0; i <= limit; i++ {
			_, _ = l.CheckAndConsume(context.Background(), "sig", class, false)
		}
		extra := time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(t, "extra"))
		c.Advance(rule.Window + extra)

		d, err := l.CheckAndConsume(context.Background(), "sig", class, false)
		if err != nil || !d.Allowed {
			t.Fatalf("request after window reset denied")
		}
		if d.Remaining != limit-1 {
			t.Fatalf("remaining = %d, want %d", d.Remaining, limit-1)
		}
	})
}

func TestRetryAfterTracksWindowStart(t *testing.T) {
	l, c := newTestLimiter(true)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		d, err := l.CheckAndConsume(ctx, "sig", ClassReadOnly, false)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		c.Advance(500 * time.Millisecond)
	}
	d, err := l.CheckAndConsume(ctx, "sig", ClassReadOnly, false)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
}

func TestSignaturesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(true)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_, _ = l.CheckAndConsume(ctx, "a", ClassCritical, false)
	}
	d, _ := l.CheckAndConsume(ctx, "a", ClassCritical, false)
	assert.False(t, d.Allowed)

	d, _ = l.CheckAndConsume(ctx, "b", ClassCritical, false)
	assert.True(t, d.Allowed)
	d, _ = l.CheckAndConsume(ctx, "a", ClassDefault, false)
	assert.True(t, d.Allowed)
}

type brokenStore struct{ store.Store }

func (brokenStore) Increment(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func TestStoreFailureFailOpen(t *testing.T) {
	l := NewLimiter(brokenStore{}, nil, true, 0)
	d, err := l.CheckAndConsume(context.Background(), "sig", ClassDefault, false)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestStoreFailureFailClosed(t *testing.T) {
	l := NewLimiter(brokenStore{}, nil, false, 0)
	_, err := l.CheckAndConsume(context.Background(), "sig", ClassDefault, false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDependencyUnavailable))
}

func TestSetPolicy(t *testing.T) {
	l, _ := newTestLimiter(true)
	p, err := NewPolicy(nil, Rule{Class: ClassDefault, Window: time.Minute, Anonymous: 1, Authenticated: 1})
	require.NoError(t, err)
	l.SetPolicy(p)

	assert.Equal(t, ClassDefault, l.Classify("DELETE", "/api/admin").Class)
	d, _ := l.CheckAndConsume(context.Background(), "s", ClassDefault, false)
	assert.True(t, d.Allowed)
	d, _ = l.CheckAndConsume(context.Background(), "s", ClassDefault, false)
	assert.False(t, d.Allowed)
}
