package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/shieldgate/internal/audit"
	"github.com/GoPolymarket/shieldgate/internal/auth"
	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/csrf"
	"github.com/GoPolymarket/shieldgate/internal/middleware"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/ratelimit"
	"github.com/GoPolymarket/shieldgate/internal/session"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/store"
	"github.com/GoPolymarket/shieldgate/internal/threat"
)

const testTimeout = 200 * time.Millisecond

func adminConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			AdminKey:       "admin",
			AdminSecretKey: "secret",
		},
	}
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestUpdateStateRequiresAdminSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := adminConfig()
	sig := signature.New("test-secret")
	registry := auth.NewRegistry([]config.IdentityConfig{{ID: "alice", APIKey: "key-alice"}}, sig, nil)
	h := NewIdentityHandler(registry)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	admin := router.Group("/admin/security")
	admin.Use(middleware.AdminMiddleware(cfg))
	admin.PUT("/identities/:id/state", middleware.AdminSecretMiddleware(cfg), h.UpdateState)

	body := map[string]string{"state": "locked"}

	req := jsonRequest(http.MethodPut, "/admin/security/identities/alice/state", body)
	req.Header.Set(middleware.HeaderAdminKey, "admin")
	assert.Equal(t, http.StatusUnauthorized, serve(router, req).Code)

	req = jsonRequest(http.MethodPut, "/admin/security/identities/alice/state", body)
	req.Header.Set(middleware.HeaderAdminKey, "admin")
	req.Header.Set(middleware.HeaderAdminSecretKey, "secret")
	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)

	state, err := registry.GetAccountState(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.AccountLocked, state)

	req = jsonRequest(http.MethodPut, "/admin/security/identities/alice/state", map[string]string{"state": "frozen"})
	req.Header.Set(middleware.HeaderAdminKey, "admin")
	req.Header.Set(middleware.HeaderAdminSecretKey, "secret")
	assert.Equal(t, http.StatusBadRequest, serve(router, req).Code)

	req = jsonRequest(http.MethodPut, "/admin/security/identities/ghost/state", body)
	req.Header.Set(middleware.HeaderAdminKey, "admin")
	req.Header.Set(middleware.HeaderAdminSecretKey, "secret")
	assert.Equal(t, http.StatusNotFound, serve(router, req).Code)
}

func TestCreateIdentityReturnsKeyOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sig := signature.New("test-secret")
	registry := auth.NewRegistry(nil, sig, nil)
	h := NewIdentityHandler(registry)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.POST("/identities", h.Create)
	router.GET("/identities", h.List)
	router.GET("/identities/:id", h.Get)

	rec := serve(router, jsonRequest(http.MethodPost, "/identities", map[string]any{"id": "svc-reports", "roles": []string{"reader"}}))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	key, _ := created["api_key"].(string)
	assert.True(t, strings.HasPrefix(key, "sk-"))
	assert.NotContains(t, created, "KeyHash")

	ident, ok, err := registry.ResolveByCredential(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "svc-reports", ident.ID)

	dup := serve(router, jsonRequest(http.MethodPost, "/identities", map[string]any{"id": "svc-reports"}))
	assert.Equal(t, http.StatusBadRequest, dup.Code)

	list := serve(router, httptest.NewRequest(http.MethodGet, "/identities", nil))
	require.Equal(t, http.StatusOK, list.Code)
	assert.NotContains(t, list.Body.String(), key)

	assert.Equal(t, http.StatusNotFound, serve(router, httptest.NewRequest(http.MethodGet, "/identities/nobody", nil)).Code)
}

func TestListEventsFiltersByQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := audit.NewDispatcher(16, 16)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	alice := "alice"
	for i := 0; i < 3; i++ {
		ev := audit.NewEvent(model.EventRateLimited, model.SeverityLow, nil)
		ev.IdentityID = &alice
		d.Emit(ev)
	}
	d.Emit(audit.NewEvent(model.EventThreatDetected, model.SeverityCritical, nil))

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.GET("/events", NewAuditHandler(d).List)

	var events []model.SecurityEvent
	rec := serve(router, httptest.NewRequest(http.MethodGet, "/events?type=rate_limited&identity_id=alice&limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, model.EventRateLimited, ev.Type)
	}

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/events?type=csrf_failure", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/events?from=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStreamPushesMatchingEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := audit.NewDispatcher(64, 64)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	router := gin.New()
	router.GET("/stream", NewAuditHandler(d).Stream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/stream?type=threat_detected", nil)
	require.NoError(t, err)
	defer conn.Close()

	// the server subscribes after the handshake, so keep emitting until something arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.Emit(audit.NewEvent(model.EventRateLimited, model.SeverityLow, nil))
				d.Emit(audit.NewEvent(model.EventThreatDetected, model.SeverityCritical, map[string]any{"password": "hunter2"}))
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev model.SecurityEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventThreatDetected, ev.Type)
	assert.Equal(t, "***", ev.Detail["password"])
}

func TestHealthReportsDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	router := gin.New()
	router.GET("/ok", NewSystemHandler(SystemOptions{Deps: map[string]Pinger{"redis": up}}).Health)
	router.GET("/bad", NewSystemHandler(SystemOptions{Deps: map[string]Pinger{"redis": up, "postgres": down}}).Health)
	router.GET("/info", NewSystemHandler(SystemOptions{Version: "1.2.3", ReadOnly: func() bool { return true }}).Info)

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/ok", nil)).Code)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/bad", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"redis":"up","postgres":"down"}}`, rec.Body.String())

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/info", nil))
	assert.JSONEq(t, `{"service":"shieldgate","version":"1.2.3","read_only":true}`, rec.Body.String())
}

func TestUnblockClearsClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	kv := store.NewMemoryStore()
	sig := signature.New("test-secret")
	blocks := threat.NewBlockList(kv, config.ThreatConfig{BlockThreshold: 1}, testTimeout)
	ctx := context.Background()

	key := sig.ClientKey("203.0.113.7")
	blocked, err := blocks.RecordViolation(ctx, key)
	require.NoError(t, err)
	require.True(t, blocked)

	h := NewSystemHandler(SystemOptions{Blocks: blocks, ClientKey: sig.ClientKey})
	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.POST("/unblock", h.Unblock)

	assert.Equal(t, http.StatusBadRequest, serve(router, jsonRequest(http.MethodPost, "/unblock", map[string]string{"client_ip": "not-an-ip"})).Code)

	rec := serve(router, jsonRequest(http.MethodPost, "/unblock", map[string]string{"client_ip": "203.0.113.7"}))
	require.Equal(t, http.StatusOK, rec.Code)

	still, _, _, err := blocks.IsBlocked(ctx, key)
	require.NoError(t, err)
	assert.False(t, still)
}

func TestSessionLoginIssuesBoundTokenAndLogoutEndsIt(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secCfg := config.SecurityConfig{
		Secret:      "test-secret",
		PublicPaths: []string{"/api/auth/session"},
		CSRF:        config.CSRFConfig{ExemptPaths: []string{"/api/auth/session"}},
	}
	kv := store.NewMemoryStore()
	sig := signature.New(secCfg.Secret)
	sessions := session.NewStore(kv, sig, time.Hour, testTimeout)
	registry := auth.NewRegistry([]config.IdentityConfig{{ID: "alice", APIKey: "key-alice"}}, sig, nil)
	validator := csrf.NewValidator(csrf.SettingsFromConfig(secCfg.CSRF, testTimeout), kv, sig, sessions)

	pipeline := middleware.NewPipeline(secCfg, middleware.Components{
		Signature: sig,
		Limiter:   ratelimit.NewLimiter(kv, nil, true, testTimeout),
		Resolver:  auth.NewResolver(registry, sessions, config.AuthConfig{}, testTimeout),
		CSRF:      validator,
		Scanner:   threat.NewScanner(threat.SettingsFromConfig(secCfg.Threat, testTimeout), kv, sig),
		Sessions:  session.NewMonitor(sessions, sig, secCfg.Session),
	})
	h := NewSessionHandler(sessions, validator, "", false)

	router := gin.New()
	require.NoError(t, router.SetTrustedProxies(nil))
	api := router.Group("/api", pipeline.Handler())
	api.POST("/auth/session", h.Login)
	api.DELETE("/auth/session", h.Logout)
	api.POST("/profile/update", func(c *gin.Context) {
		sc, _ := middleware.Security(c)
		c.JSON(http.StatusOK, gin.H{"stateful": sc.IsStateful})
	})

	anon := serve(router, httptest.NewRequest(http.MethodPost, "/api/auth/session", nil))
	assert.Equal(t, http.StatusUnauthorized, anon.Code)

	login := httptest.NewRequest(http.MethodPost, "/api/auth/session", nil)
	login.Header.Set("X-API-Key", "key-alice")
	rec := serve(router, login)
	require.Equal(t, http.StatusCreated, rec.Code)

	var sessionID string
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "session_id" {
			sessionID = ck.Value
			assert.True(t, ck.HttpOnly)
		}
	}
	require.NotEmpty(t, sessionID)
	token := rec.Header().Get("X-CSRF-Token")
	require.True(t, csrf.ValidFormat(token))

	update := func(tok string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/profile/update", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-CSRF-Token", tok)
		req.AddCookie(&http.Cookie{Name: "session_id", Value: sessionID})
		return serve(router, req)
	}

	// a token that was never bound to this session is refused
	assert.Equal(t, 419, update(strings.Repeat("c", 64)).Code)

	ok := update(token)
	require.Equal(t, http.StatusOK, ok.Code)
	assert.JSONEq(t, `{"stateful":true}`, ok.Body.String())
	rotated := ok.Header().Get("X-CSRF-Token")
	require.True(t, csrf.ValidFormat(rotated))
	assert.Equal(t, 419, update(token).Code)

	logout := httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil)
	logout.AddCookie(&http.Cookie{Name: "session_id", Value: sessionID})
	require.Equal(t, http.StatusNoContent, serve(router, logout).Code)

	_, found, err := sessions.Lookup(context.Background(), sessions.Key(sessionID))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, http.StatusUnauthorized, update(rotated).Code)
}
