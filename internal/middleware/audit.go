package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/GoPolymarket/shieldgate/internal/audit"
	"github.com/GoPolymarket/shieldgate/internal/csrf"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/ratelimit"
	"github.com/GoPolymarket/shieldgate/internal/session"
	"github.com/GoPolymarket/shieldgate/internal/threat"
)

const HeaderRequestID = "X-Request-ID"

// trace accumulates what the stages observed so that exactly one event can be built
// for the request, whichever way it ends.
type trace struct {
	start     time.Time
	requestID string
	stage     string
	rc        *model.RequestContext
	identity  *model.Identity // also set for account-state failures
	signature string

	decision *ratelimit.Decision
	verdict  *csrf.Verdict
	scan     threat.Outcome
	check    session.Check
	degraded []string
	extra    map[string]any
	emitted  bool
}

func newTrace(c *gin.Context) *trace {
	reqID := c.GetHeader(HeaderRequestID)
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.New().String()
	}
	return &trace{start: time.Now(), requestID: reqID, extra: map[string]any{}}
}

func (t *trace) degrade(stage string) {
	t.degraded = append(t.degraded, stage)
}

func (t *trace) set(key string, value any) {
	t.extra[key] = value
}

// emit builds and hands off the request's event. Later calls are no-ops.
func (t *trace) emit(c *gin.Context, sink audit.Sink, typ model.EventType, severity model.Severity, detail map[string]any) {
	if t.emitted || sink == nil {
		return
	}
	t.emitted = true

	if detail == nil {
		detail = map[string]any{}
	}
	for k, v := range t.extra {
		detail[k] = v
	}
	detail["stage"] = t.stage
	if len(t.degraded) > 0 {
		detail["degraded"] = t.degraded
	}
	if t.decision != nil {
		detail["route_class"] = string(t.decision.Class)
		detail["rate_remaining"] = t.decision.Remaining
	}
	if t.verdict != nil {
		detail["csrf_state"] = string(t.verdict.State)
		if t.verdict.OriginSoftFail {
			detail["origin_soft_fail"] = true
		}
	}
	if t.check.Outcome != "" && t.check.Outcome != session.OutcomeSkipped {
		detail["session_outcome"] = string(t.check.Outcome)
		detail["session_mismatches"] = t.check.MismatchCount
	}
	if len(t.scan.Findings) > 0 {
		detail["threats"] = findingsDetail(t.scan.Findings)
	}
	if t.rc != nil && t.rc.BodyTooDeep {
		detail["body_too_deep"] = true
	}

	ev := audit.NewEvent(typ, severity, detail)
	ev.RequestID = t.requestID
	ev.Signature = t.signature
	ev.Method = c.Request.Method
	ev.Path = c.Request.URL.Path
	ev.ClientIP = c.ClientIP()
	ev.StatusCode = c.Writer.Status()
	ev.LatencyMs = time.Since(t.start).Milliseconds()
	if t.identity != nil {
		id := t.identity.ID
		ev.IdentityID = &id
	}
	sink.Emit(ev)
}

func findingsDetail(findings []model.ThreatScanResult) []any {
	out := make([]any, 0, len(findings))
	for _, f := range findings {
		out = append(out, map[string]any{
			"source":   string(f.Source),
			"field":    f.Field,
			"pattern":  f.PatternID,
			"category": f.Category,
			"severity": string(f.Severity),
			"excerpt":  f.Excerpt,
		})
	}
	return out
}

// failureEvent maps the error that ended the request to its event type and severity.
func failureEvent(stage string, e *apperrors.AppError) (model.EventType, model.Severity) {
	switch e.Type {
	case apperrors.ErrRateLimited:
		return model.EventRateLimited, model.SeverityLow
	case apperrors.ErrCsrfMismatch:
		return model.EventCSRFFailure, model.SeverityHigh
	case apperrors.ErrThreatDetected:
		return model.EventThreatDetected, model.SeverityCritical
	case apperrors.ErrClientBlocked:
		return model.EventSuspiciousActivity, model.SeverityHigh
	case apperrors.ErrSecurityHeaderInvalid:
		return model.EventSuspiciousActivity, model.SeverityMedium
	case apperrors.ErrUnauthenticated:
		if stage == stageSession {
			return model.EventSessionInvalidated, model.SeverityHigh
		}
		return model.EventAuthFailure, model.SeverityMedium
	case apperrors.ErrAccountLocked, apperrors.ErrAccountSuspended:
		return model.EventAuthFailure, model.SeverityHigh
	case apperrors.ErrInsufficientPrivilege, apperrors.ErrAccountInactive:
		return model.EventAuthFailure, model.SeverityMedium
	case apperrors.ErrReadOnly, apperrors.ErrInvalidRequest, apperrors.ErrNotFound:
		return model.EventRequestRejected, model.SeverityLow
	default:
		return model.EventInternalError, model.SeverityHigh
	}
}

// successEvent picks the type for a request that reached the handler.
func (t *trace) successEvent() (model.EventType, model.Severity) {
	if len(t.scan.Medium()) > 0 || t.check.Outcome == session.OutcomeMismatch {
		return model.EventSuspiciousActivity, model.SeverityMedium
	}
	if t.rc != nil && t.rc.Identity != nil {
		return model.EventAuthSuccess, model.SeverityInfo
	}
	return model.EventRequestAllowed, model.SeverityInfo
}
