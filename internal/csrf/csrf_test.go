package csrf

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSessions struct {
	hashes map[string]string
	err    error
}

func (m *memSessions) CSRFHash(_ context.Context, id string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	h, ok := m.hashes[id]
	return h, ok, nil
}

func (m *memSessions) SetCSRFHash(_ context.Context, id, hash string) error {
	m.hashes[id] = hash
	return nil
}

type fixture struct {
	v        *Validator
	store    *store.MemoryStore
	sig      *signature.Builder
	sessions *memSessions
	clock    *time.Time
}

func newFixture(t *testing.T, mutate func(*config.CSRFConfig)) *fixture {
	t.Helper()
	cfg := config.CSRFConfig{
		ExemptPaths:         []string{"/api/webhooks"},
		AllowedOrigins:      []string{"https://app.example.com"},
		ReplayWindowSeconds: 3600,
		CookieMaxAgeSeconds: 1800,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	now := time.Unix(1_700_000_000, 0)
	f := &fixture{clock: &now, sig: signature.New("test"), sessions: &memSessions{hashes: map[string]string{}}}
	f.store = store.NewMemoryStoreWithClock(func() time.Time { return *f.clock })
	f.v = NewValidator(SettingsFromConfig(cfg, 0), f.store, f.sig, f.sessions)
	return f
}

func postReq(header, cookie string) *model.RequestContext {
	h := http.Header{}
	h.Set("Origin", "https://app.example.com")
	if header != "" {
		h.Set("X-CSRF-Token", header)
	}
	cookies := map[string]string{}
	if cookie != "" {
		cookies["XSRF-TOKEN"] = cookie
	}
	return &model.RequestContext{Method: http.MethodPost, Path: "/api/auth/password", Headers: h, Cookies: cookies}
}

func mustToken(t *testing.T) string {
	t.Helper()
	tok, err := NewToken()
	require.NoError(t, err)
	require.True(t, ValidFormat(tok))
	return tok
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	require.Equal(t, apperrors.ErrCsrfMismatch, appErr.Type)
	require.Equal(t, apperrors.StatusCSRFMismatch, appErr.HTTPStatus)
	return appErr.Details["reason"].(string)
}

func TestBypassStates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	get := postReq("", "")
	get.Method = http.MethodGet
	v, err := f.v.Validate(ctx, get)
	require.NoError(t, err)
	assert.Equal(t, StateReadOnly, v.State)

	exempt := postReq("", "")
	exempt.Path = "/api/webhooks/stripe"
	v, err = f.v.Validate(ctx, exempt)
	require.NoError(t, err)
	assert.Equal(t, StateExempt, v.State)
	assert.True(t, v.Exempt)

	bearer := postReq("", "")
	bearer.Identity = &model.Identity{ID: "u1", Source: model.CredentialBearer}
	v, err = f.v.Validate(ctx, bearer)
	require.NoError(t, err)
	assert.Equal(t, StateBearer, v.State)
}

func TestDoubleSubmitValid(t *testing.T) {
	f := newFixture(t, nil)
	tok := mustToken(t)
	v, err := f.v.Validate(context.Background(), postReq(tok, tok))
	require.NoError(t, err)
	assert.Equal(t, StateStateless, v.State)
	assert.True(t, v.Mutating())
	assert.False(t, v.OriginSoftFail)
}

func TestDoubleSubmitFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := mustToken(t), mustToken(t)

	_, err := f.v.Validate(ctx, postReq(a, b))
	assert.Equal(t, ReasonMismatch, reasonOf(t, err))

	_, err = f.v.Validate(ctx, postReq(a, ""))
	assert.Equal(t, ReasonMissingToken, reasonOf(t, err))

	_, err = f.v.Validate(ctx, postReq("abc", "abc"))
	assert.Equal(t, ReasonBadFormat, reasonOf(t, err))

	upper := "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"
	_, err = f.v.Validate(ctx, postReq(upper, upper))
	assert.Equal(t, ReasonBadFormat, reasonOf(t, err))
}

func TestReplayRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tok := mustToken(t)

	_, err := f.v.Validate(ctx, postReq(tok, tok))
	require.NoError(t, err)

	_, err = f.v.Validate(ctx, postReq(tok, tok))
	assert.Equal(t, ReasonReplayed, reasonOf(t, err))

	*f.clock = f.clock.Add(30 * time.Minute)
	_, err = f.v.Validate(ctx, postReq(tok, tok))
	assert.Equal(t, ReasonReplayed, reasonOf(t, err))

	fresh := mustToken(t)
	_, err = f.v.Validate(ctx, postReq(fresh, fresh))
	assert.NoError(t, err)
}

func TestOriginChecks(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, nil)
	tok := mustToken(t)
	rc := postReq(tok, tok)
	rc.Headers.Set("Origin", "https://evil.example.net")
	_, err := f.v.Validate(ctx, rc)
	assert.Equal(t, ReasonOriginMismatch, reasonOf(t, err))

	tok = mustToken(t)
	rc = postReq(tok, tok)
	rc.Headers.Del("Origin")
	rc.Headers.Set("Referer", "https://app.example.com/settings")
	_, err = f.v.Validate(ctx, rc)
	assert.NoError(t, err)

	tok = mustToken(t)
	rc = postReq(tok, tok)
	rc.Headers.Del("Origin")
	v, err := f.v.Validate(ctx, rc)
	require.NoError(t, err)
	assert.True(t, v.OriginSoftFail)

	strict := newFixture(t, func(c *config.CSRFConfig) { c.StrictOrigin = true })
	tok = mustToken(t)
	rc = postReq(tok, tok)
	rc.Headers.Del("Origin")
	_, err = strict.v.Validate(ctx, rc)
	assert.Equal(t, ReasonOriginMissing, reasonOf(t, err))
}

func TestOriginSameHostWhenNoAllowList(t *testing.T) {
	f := newFixture(t, func(c *config.CSRFConfig) { c.AllowedOrigins = nil })
	tok := mustToken(t)
	rc := postReq(tok, tok)
	rc.Headers.Set("Host", "app.example.com")
	_, err := f.v.Validate(context.Background(), rc)
	assert.NoError(t, err)

	tok = mustToken(t)
	rc = postReq(tok, tok)
	rc.Headers.Set("Host", "api.example.com")
	_, err = f.v.Validate(context.Background(), rc)
	assert.Equal(t, ReasonOriginMismatch, reasonOf(t, err))
}

func TestStatefulSessionToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := &model.Identity{ID: "u1", Source: model.CredentialSession, SessionKey: "s1"}

	rc := postReq("", "")
	rc.Identity = id
	tok, err := f.v.Issue(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, f.sig.TokenDigest(tok), f.sessions.hashes["s1"])

	rc = postReq(tok, "")
	rc.Identity = id
	v, err := f.v.Validate(ctx, rc)
	require.NoError(t, err)
	assert.True(t, v.Stateful)

	next, err := f.v.Issue(ctx, rc)
	require.NoError(t, err)
	other := mustToken(t)
	rc = postReq(other, other)
	rc.Identity = id
	_, err = f.v.Validate(ctx, rc)
	assert.Equal(t, ReasonMismatch, reasonOf(t, err))

	rc = postReq(next, "")
	rc.Identity = id
	_, err = f.v.Validate(ctx, rc)
	assert.NoError(t, err)

	rc = postReq(next, "")
	rc.Identity = &model.Identity{ID: "u1", Source: model.CredentialSession, SessionKey: "unknown"}
	_, err = f.v.Validate(ctx, rc)
	assert.Equal(t, ReasonNoSession, reasonOf(t, err))
}

type failingStore struct{ store.Store }

func (failingStore) PutIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("timeout")
}

func TestStoreFailure(t *testing.T) {
	tok := mustToken(t)
	closed := NewValidator(SettingsFromConfig(config.CSRFConfig{AllowedOrigins: []string{"https://app.example.com"}}, 0), failingStore{}, signature.New("x"), nil)
	_, err := closed.Validate(context.Background(), postReq(tok, tok))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDependencyUnavailable))

	open := NewValidator(SettingsFromConfig(config.CSRFConfig{FailOpen: true, AllowedOrigins: []string{"https://app.example.com"}}, 0), failingStore{}, signature.New("x"), nil)
	v, err := open.Validate(context.Background(), postReq(tok, tok))
	require.NoError(t, err)
	assert.True(t, v.Degraded)
}

func TestCookieAndBootstrap(t *testing.T) {
	f := newFixture(t, func(c *config.CSRFConfig) { c.CookieSecure = true })
	c := f.v.Cookie("abc")
	assert.Equal(t, "XSRF-TOKEN", c.Name)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.True(t, c.Secure)
	assert.False(t, c.HttpOnly)
	assert.Equal(t, 1800, c.MaxAge)

	get := postReq("", "")
	get.Method = http.MethodGet
	assert.True(t, f.v.NeedsBootstrap(get))
	get.Cookies["XSRF-TOKEN"] = mustToken(t)
	assert.False(t, f.v.NeedsBootstrap(get))
}
