package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/shieldgate/internal/audit"
	"github.com/GoPolymarket/shieldgate/internal/auth"
	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/csrf"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/pkg/metrics"
	"github.com/GoPolymarket/shieldgate/internal/ratelimit"
	"github.com/GoPolymarket/shieldgate/internal/session"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/threat"
)

const (
	stageRequest   = "request"
	stageBlockList = "block_list"
	stageHeaders   = "headers"
	stageRateLimit = "rate_limit"
	stageReadOnly  = "read_only"
	stageAuth      = "auth"
	stageCSRF      = "csrf"
	stageThreat    = "threat"
	stageSession   = "session"
	stageHandler   = "handler"
)

// Components are the stages wired into a Pipeline. A nil stage is skipped.
type Components struct {
	Signature *signature.Builder
	BlockList *threat.BlockList
	Limiter   *ratelimit.Limiter
	Resolver  *auth.Resolver
	CSRF      *csrf.Validator
	Scanner   *threat.Scanner
	Sessions  *session.Monitor
	ReadOnly  *ReadOnlyGuard
	Sink      audit.Sink
}

// Pipeline runs the security stages in order and stops at the first failure:
// block list, header sanity, rate limit, read-only mode, auth, CSRF, threat scan, session integrity.
// Every request produces exactly one security event.
type Pipeline struct {
	sig      *signature.Builder
	blocks   *threat.BlockList
	limiter  *ratelimit.Limiter
	resolver *auth.Resolver
	access   *AccessPolicy
	csrf     *csrf.Validator
	scanner  *threat.Scanner
	sessions *session.Monitor
	headers  *HeaderChecker
	readOnly *ReadOnlyGuard
	sink     audit.Sink

	maxBody  int64
	maxDepth int
}

func NewPipeline(cfg config.SecurityConfig, comp Components) *Pipeline {
	p := &Pipeline{
		sig:      comp.Signature,
		blocks:   comp.BlockList,
		limiter:  comp.Limiter,
		resolver: comp.Resolver,
		access:   NewAccessPolicy(cfg),
		csrf:     comp.CSRF,
		scanner:  comp.Scanner,
		sessions: comp.Sessions,
		headers:  NewHeaderChecker(cfg.Headers),
		readOnly: comp.ReadOnly,
		sink:     comp.Sink,
		maxBody:  cfg.Threat.MaxBodyBytes,
		maxDepth: cfg.Threat.MaxDepth,
	}
	if p.sig == nil {
		p.sig = signature.New(cfg.Secret)
	}
	if p.sink == nil {
		p.sink = discardSink{}
	}
	if cfg.RateLimit.Disabled {
		p.limiter = nil
	}
	if cfg.Threat.Disabled {
		p.scanner = nil
	}
	if cfg.CSRF.Disabled {
		p.csrf = nil
	}
	if cfg.Session.Disabled {
		p.sessions = nil
	}
	if p.maxBody <= 0 {
		p.maxBody = 1 << 20
	}
	if p.maxDepth <= 0 {
		p.maxDepth = 32
	}
	return p
}

type discardSink struct{}

func (discardSink) Emit(*model.SecurityEvent) {}

func (p *Pipeline) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		t := newTrace(c)
		hw := &hookWriter{ResponseWriter: c.Writer}
		hw.before = func(status int) { p.respond(c, t, status) }
		c.Writer = hw

		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic while serving request",
					"panic", r,
					"path", c.Request.URL.Path,
					"request_id", t.requestID,
					"stack", string(debug.Stack()))
				p.fail(c, t, apperrors.New(apperrors.ErrInternal, "", fmt.Errorf("panic: %v", r)))
			}
		}()

		if err := p.guard(c, t); err != nil {
			p.fail(c, t, err)
			return
		}

		t.stage = stageHandler
		c.Next()
		p.finish(c, t, hw)
	}
}

func (p *Pipeline) guard(c *gin.Context, t *trace) error {
	ctx := c.Request.Context()

	t.stage = stageRequest
	rc := newRequestContext(c, t.requestID)
	t.rc = rc
	clientKey := p.sig.ClientKey(rc.ClientIP)

	if p.blocks != nil {
		t.stage = stageBlockList
		done := p.timer(stageBlockList)
		blocked, remaining, degraded, err := p.blocks.IsBlocked(ctx, clientKey)
		done()
		if err != nil {
			return err
		}
		if degraded {
			t.degrade(stageBlockList)
		}
		if blocked {
			return apperrors.New(apperrors.ErrClientBlocked, "", nil).
				WithDetail("retry_after", int64((remaining+time.Second-1)/time.Second))
		}
	}

	t.stage = stageHeaders
	if err := p.headers.Check(c.Request.Header); err != nil {
		return err
	}

	// Credentials are resolved ahead of the rate limiter so the bucket and tier follow the caller.
	// A resolution error is held back until the auth stage.
	var resolveErr error
	if p.resolver != nil {
		done := p.timer(stageAuth)
		res, err := p.resolver.Resolve(ctx, rc)
		done()
		resolveErr = err
		t.identity = res.Identity
		if res.Degraded {
			t.degrade(stageAuth)
		}
		if err == nil {
			rc.Identity = res.Identity
		}
	}
	t.signature = p.sig.BuildSignature(rc)

	if p.limiter != nil {
		t.stage = stageRateLimit
		rule := p.limiter.Classify(rc.Method, rc.RouteID())
		done := p.timer(stageRateLimit)
		d, err := p.limiter.CheckAndConsume(ctx, t.signature, rule.Class, rc.Identity != nil)
		done()
		if err != nil {
			return err
		}
		t.decision = &d
		if d.Degraded {
			t.degrade(stageRateLimit)
		}
		if !d.Allowed {
			return apperrors.NewRateLimited(d.RetryAfter).WithDetail("route_class", string(d.Class))
		}
	}

	t.stage = stageReadOnly
	if err := p.readOnly.Check(rc.Method); err != nil {
		return err
	}

	t.stage = stageAuth
	if err := p.access.Authorize(rc, resolveErr); err != nil {
		return err
	}
	if resolveErr != nil {
		t.identity = nil
		t.set("auth_fallback", "anonymous")
	}

	verdict := csrf.Verdict{State: csrf.StateDisabled}
	t.verdict = &verdict
	if p.csrf != nil {
		t.stage = stageCSRF
		done := p.timer(stageCSRF)
		v, err := p.csrf.Validate(ctx, rc)
		done()
		verdict = v
		if err != nil {
			return err
		}
		if v.Degraded {
			t.degrade(stageCSRF)
		}
	}

	if p.scanner != nil {
		t.stage = stageThreat
		if !p.scanner.Bypass(rc) {
			if err := loadBody(c, rc, p.maxBody, p.maxDepth); err != nil {
				return err
			}
		}
		done := p.timer(stageThreat)
		out, err := p.scanner.Scan(ctx, rc)
		done()
		t.scan = out
		if err != nil {
			return err
		}
		if out.Degraded {
			t.degrade(stageThreat)
		}
		if out.Critical {
			p.recordViolation(ctx, t, clientKey)
			return apperrors.New(apperrors.ErrThreatDetected, "", nil)
		}
		if medium := out.Medium(); len(medium) > 0 {
			logger.Warn("medium severity payload allowed",
				"request_id", t.requestID,
				"pattern", medium[0].PatternID,
				"source", medium[0].Source,
				"findings", len(medium))
		}
	}

	if p.sessions != nil {
		t.stage = stageSession
		done := p.timer(stageSession)
		chk, err := p.sessions.Verify(ctx, rc)
		done()
		t.check = chk
		if err != nil {
			return err
		}
		if chk.Degraded {
			t.degrade(stageSession)
		}
	}

	attachSecurity(c, &SecurityContext{
		Identity:   rc.Identity,
		Signature:  t.signature,
		IsStateful: rc.Identity != nil && rc.Identity.Source == model.CredentialSession,
		CSRFExempt: verdict.Exempt,
		RequestID:  t.requestID,
	})
	return nil
}

func (p *Pipeline) timer(stage string) func() {
	start := time.Now()
	return func() {
		metrics.StageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (p *Pipeline) recordViolation(ctx context.Context, t *trace, clientKey string) {
	if p.blocks == nil {
		return
	}
	blocked, err := p.blocks.RecordViolation(ctx, clientKey)
	if err != nil {
		logger.WarnThrottled("blocklist.record", "could not record threat violation", "error", err)
		return
	}
	if blocked {
		t.set("client_blocked", true)
	}
}

// fail renders err (unless the handler already wrote a response) and emits the failure event.
func (p *Pipeline) fail(c *gin.Context, t *trace, err error) {
	appErr := toAppError(err)
	metrics.Decisions.WithLabelValues(t.stage, string(appErr.Type)).Inc()
	logAppError(c, appErr)
	if c.Writer.Written() {
		c.Abort()
	} else {
		renderError(c, appErr)
	}

	detail := map[string]any{"error": string(appErr.Type)}
	for k, v := range appErr.Details {
		detail[k] = v
	}
	if appErr.Cause != nil && appErr.HTTPStatus >= 500 {
		detail["cause"] = appErr.Cause.Error()
	}
	typ, severity := failureEvent(t.stage, appErr)
	t.emit(c, p.sink, typ, severity, detail)
}

func (p *Pipeline) finish(c *gin.Context, t *trace, hw *hookWriter) {
	if len(c.Errors) > 0 && !c.Writer.Written() {
		p.fail(c, t, c.Errors.Last().Err)
		return
	}
	// gin writes the status of an empty response through its own writer, so headers go out now.
	hw.fire()
	metrics.Decisions.WithLabelValues("complete", "OK").Inc()
	typ, severity := t.successEvent()
	t.emit(c, p.sink, typ, severity, nil)
}

// respond adds the response headers right before the status line is written.
func (p *Pipeline) respond(c *gin.Context, t *trace, status int) {
	h := c.Writer.Header()
	h.Set(HeaderRequestID, t.requestID)
	applyHardening(h, c.Request)
	if t.decision != nil {
		writeRateLimitHeaders(h, *t.decision, time.Now())
	}
	if t.rc != nil && t.rc.Identity != nil {
		h.Set("Cache-Control", "no-store")
	}
	if status >= 400 || !p.shouldIssueToken(c.Request.Context(), t) {
		return
	}
	token, err := p.csrf.Issue(c.Request.Context(), t.rc)
	if err != nil {
		logger.WarnThrottled("csrf.issue", "csrf token rotation failed", "error", err)
		return
	}
	h.Set(p.csrf.Settings().HeaderName, token)
	h.Add("Set-Cookie", p.csrf.Cookie(token).String())
}

// shouldIssueToken rotates after a validated mutating request and bootstraps a token for safe
// requests whose cookie is missing or spent. Session-bound tokens only rotate on mutation.
func (p *Pipeline) shouldIssueToken(ctx context.Context, t *trace) bool {
	if p.csrf == nil || t.verdict == nil || t.rc == nil {
		return false
	}
	if t.verdict.Mutating() {
		return true
	}
	if t.verdict.State != csrf.StateReadOnly {
		return false
	}
	if t.rc.Identity != nil && t.rc.Identity.Source == model.CredentialSession {
		return false
	}
	if p.csrf.NeedsBootstrap(t.rc) {
		return true
	}
	return p.csrf.Consumed(ctx, t.rc.Cookie(p.csrf.Settings().CookieName))
}
