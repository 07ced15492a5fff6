package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/GoPolymarket/shieldgate/internal/model"
)

// severityByType is the default severity when a stage does not pick one.
var severityByType = map[model.EventType]model.Severity{
	model.EventAuthSuccess:        model.SeverityInfo,
	model.EventRequestAllowed:     model.SeverityInfo,
	model.EventAuthFailure:        model.SeverityMedium,
	model.EventRateLimited:        model.SeverityLow,
	model.EventCSRFFailure:        model.SeverityHigh,
	model.EventThreatDetected:     model.SeverityHigh,
	model.EventSessionInvalidated: model.SeverityHigh,
	model.EventSuspiciousActivity: model.SeverityMedium,
	model.EventRequestRejected:    model.SeverityLow,
	model.EventInternalError:      model.SeverityHigh,
}

func DefaultSeverity(t model.EventType) model.Severity {
	if s, ok := severityByType[t]; ok {
		return s
	}
	return model.SeverityInfo
}

// NewEvent stamps an id and timestamp and redacts the detail map.
func NewEvent(t model.EventType, severity model.Severity, detail map[string]any) *model.SecurityEvent {
	if severity == "" {
		severity = DefaultSeverity(t)
	}
	if detail == nil {
		detail = map[string]any{}
	}
	return &model.SecurityEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Detail:    Redact(detail),
	}
}
