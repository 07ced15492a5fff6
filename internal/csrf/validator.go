package csrf

import (
	"context"
	"net/http"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/pkg/metrics"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/store"
)

// State is where the validation state machine ended.
type State string

const (
	StateReadOnly  State = "read_only"
	StateExempt    State = "exempt"
	StateBearer    State = "bearer"
	StateStateful  State = "stateful"
	StateStateless State = "stateless"
	StateDisabled  State = "disabled"
)

// Failure reasons, also used as metric labels.
const (
	ReasonMissingToken   = "missing_token"
	ReasonBadFormat      = "bad_format"
	ReasonMismatch       = "mismatch"
	ReasonReplayed       = "replayed"
	ReasonOriginMismatch = "origin_mismatch"
	ReasonOriginMissing  = "origin_missing"
	ReasonNoSession      = "no_session"
)

const replayPrefix = "csrf:used:"

// SessionTokens gives access to the token hash bound to a server-side session.
type SessionTokens interface {
	CSRFHash(ctx context.Context, sessionID string) (string, bool, error)
	SetCSRFHash(ctx context.Context, sessionID, hash string) error
}

type Settings struct {
	CookieName     string
	HeaderName     string
	CookieSecure   bool
	CookieDomain   string
	CookieMaxAge   time.Duration
	ReplayWindow   time.Duration
	ExemptPaths    []string
	AllowedOrigins []string
	StrictOrigin   bool
	FailOpen       bool
	StoreTimeout   time.Duration
}

func SettingsFromConfig(c config.CSRFConfig, storeTimeout time.Duration) Settings {
	s := Settings{
		CookieName:     c.CookieName,
		HeaderName:     c.HeaderName,
		CookieSecure:   c.CookieSecure,
		CookieDomain:   c.CookieDomain,
		CookieMaxAge:   time.Duration(c.CookieMaxAgeSeconds) * time.Second,
		ReplayWindow:   time.Duration(c.ReplayWindowSeconds) * time.Second,
		ExemptPaths:    c.ExemptPaths,
		AllowedOrigins: c.AllowedOrigins,
		StrictOrigin:   c.StrictOrigin,
		FailOpen:       c.FailOpen,
		StoreTimeout:   storeTimeout,
	}
	if s.CookieName == "" {
		s.CookieName = "XSRF-TOKEN"
	}
	if s.HeaderName == "" {
		s.HeaderName = "X-CSRF-Token"
	}
	if s.ReplayWindow <= 0 {
		s.ReplayWindow = time.Hour
	}
	if s.CookieMaxAge <= 0 {
		s.CookieMaxAge = 2 * time.Hour
	}
	return s
}

// Verdict describes a passed validation.
type Verdict struct {
	State State
	// Stateful is true when the token is bound to a server-side session.
	Stateful bool
	Exempt   bool
	// OriginSoftFail is set when neither Origin nor Referer was sent and strict mode is off.
	OriginSoftFail bool
	Degraded       bool
}

// Mutating reports whether the request went through token validation.
func (v Verdict) Mutating() bool {
	return v.State == StateStateful || v.State == StateStateless
}

type Validator struct {
	settings Settings
	store    store.Store
	sig      *signature.Builder
	sessions SessionTokens
}

func NewValidator(settings Settings, st store.Store, sig *signature.Builder, sessions SessionTokens) *Validator {
	return &Validator{settings: settings, store: st, sig: sig, sessions: sessions}
}

func (v *Validator) Settings() Settings {
	return v.settings
}

// Validate walks read-only -> exempt -> bearer -> stateful -> stateless. A failed check returns
// a CSRF_MISMATCH error carrying the reason; it is never downgraded to another kind.
func (v *Validator) Validate(ctx context.Context, rc *model.RequestContext) (Verdict, error) {
	switch {
	case model.IsReadOnlyMethod(rc.Method):
		return Verdict{State: StateReadOnly}, nil
	case model.PathMatches(rc.Path, v.settings.ExemptPaths):
		return Verdict{State: StateExempt, Exempt: true}, nil
	case rc.Identity != nil && rc.Identity.Source == model.CredentialBearer,
		rc.Identity == nil && rc.BearerToken() != "":
		return Verdict{State: StateBearer, Exempt: true}, nil
	}

	if rc.Identity != nil && rc.Identity.Source == model.CredentialSession && v.sessions != nil {
		return v.validateStateful(ctx, rc)
	}
	return v.validateStateless(ctx, rc)
}

func (v *Validator) validateStateful(ctx context.Context, rc *model.RequestContext) (Verdict, error) {
	verdict := Verdict{State: StateStateful, Stateful: true}
	token := rc.Header(v.settings.HeaderName)
	if token == "" {
		return verdict, fail(ReasonMissingToken)
	}
	if !ValidFormat(token) {
		return verdict, fail(ReasonBadFormat)
	}

	sctx, cancel := store.WithTimeout(ctx, v.settings.StoreTimeout)
	defer cancel()
	stored, ok, err := v.sessions.CSRFHash(sctx, rc.Identity.SessionKey)
	if err != nil {
		return v.storeFailure(verdict, "session_store", err)
	}
	if !ok || stored == "" {
		return verdict, fail(ReasonNoSession)
	}
	if !equal(v.sig.TokenDigest(token), stored) {
		return verdict, fail(ReasonMismatch)
	}
	return v.finish(ctx, rc, verdict, token)
}

func (v *Validator) validateStateless(ctx context.Context, rc *model.RequestContext) (Verdict, error) {
	verdict := Verdict{State: StateStateless}
	header := rc.Header(v.settings.HeaderName)
	cookie := rc.Cookie(v.settings.CookieName)
	if header == "" || cookie == "" {
		return verdict, fail(ReasonMissingToken)
	}
	if !ValidFormat(header) || !ValidFormat(cookie) {
		return verdict, fail(ReasonBadFormat)
	}
	if !equal(header, cookie) {
		return verdict, fail(ReasonMismatch)
	}
	return v.finish(ctx, rc, verdict, header)
}

// finish runs the origin check and then consumes the token in the replay cache.
func (v *Validator) finish(ctx context.Context, rc *model.RequestContext, verdict Verdict, token string) (Verdict, error) {
	switch checkOrigin(rc, v.settings.AllowedOrigins) {
	case originMismatch:
		return verdict, fail(ReasonOriginMismatch)
	case originMissing:
		if v.settings.StrictOrigin {
			return verdict, fail(ReasonOriginMissing)
		}
		verdict.OriginSoftFail = true
	}

	sctx, cancel := store.WithTimeout(ctx, v.settings.StoreTimeout)
	defer cancel()
	fresh, err := v.store.PutIfAbsent(sctx, replayPrefix+v.sig.TokenDigest(token), "1", v.replayTTL())
	if err != nil {
		return v.storeFailure(verdict, "replay_cache", err)
	}
	if !fresh {
		return verdict, fail(ReasonReplayed)
	}
	return verdict, nil
}

// replayTTL keeps a consumed token on record at least as long as its cookie can live.
func (v *Validator) replayTTL() time.Duration {
	if v.settings.CookieMaxAge > v.settings.ReplayWindow {
		return v.settings.CookieMaxAge
	}
	return v.settings.ReplayWindow
}

func (v *Validator) storeFailure(verdict Verdict, dep string, err error) (Verdict, error) {
	if !v.settings.FailOpen {
		return verdict, apperrors.NewDependencyUnavailable(dep, err)
	}
	metrics.Degraded.WithLabelValues("csrf").Inc()
	logger.WarnThrottled("csrf.degraded", "csrf store unavailable, allowing request", "dependency", dep, "error", err)
	verdict.Degraded = true
	return verdict, nil
}

func fail(reason string) error {
	metrics.CSRFFailures.WithLabelValues(reason).Inc()
	return apperrors.New(apperrors.ErrCsrfMismatch, "", nil).WithDetail("reason", reason)
}

// Issue creates a fresh token. For session-bound requests the session's stored hash is replaced,
// which also retires the previous token.
func (v *Validator) Issue(ctx context.Context, rc *model.RequestContext) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	if rc != nil && rc.Identity != nil && rc.Identity.Source == model.CredentialSession && v.sessions != nil {
		sctx, cancel := store.WithTimeout(ctx, v.settings.StoreTimeout)
		defer cancel()
		if err := v.sessions.SetCSRFHash(sctx, rc.Identity.SessionKey, v.sig.TokenDigest(token)); err != nil {
			return "", err
		}
	}
	return token, nil
}

// NeedsBootstrap reports whether a safe request arrived without a token cookie,
// in which case the response hands one out so the client can make mutating calls.
func (v *Validator) NeedsBootstrap(rc *model.RequestContext) bool {
	return model.IsReadOnlyMethod(rc.Method) && !ValidFormat(rc.Cookie(v.settings.CookieName))
}

// Consumed reports whether token has already been used. A store error reads as not consumed.
func (v *Validator) Consumed(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	sctx, cancel := store.WithTimeout(ctx, v.settings.StoreTimeout)
	defer cancel()
	_, ok, err := v.store.Get(sctx, replayPrefix+v.sig.TokenDigest(token))
	return err == nil && ok
}

// Cookie builds the double-submit cookie. It is readable by scripts so the client can echo it.
func (v *Validator) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     v.settings.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   v.settings.CookieDomain,
		MaxAge:   int(v.settings.CookieMaxAge.Seconds()),
		Secure:   v.settings.CookieSecure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	}
}
