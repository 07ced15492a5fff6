package model

import (
	"time"
)

type EventType string

const (
	EventAuthSuccess        EventType = "auth_success"
	EventAuthFailure        EventType = "auth_failure"
	EventCSRFFailure        EventType = "csrf_failure"
	EventRateLimited        EventType = "rate_limited"
	EventThreatDetected     EventType = "threat_detected"
	EventSessionInvalidated EventType = "session_invalidated"
	EventSuspiciousActivity EventType = "suspicious_activity"
	// EventRequestAllowed closes out an anonymous request that passed every stage.
	EventRequestAllowed EventType = "request_allowed"
	// EventRequestRejected covers refusals that are not security findings (read-only mode, malformed body).
	EventRequestRejected EventType = "request_rejected"
	// EventInternalError records a request aborted by an unexpected failure.
	EventInternalError EventType = "internal_error"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is the single audit record emitted for a request. It is written once and never mutated
// after Emit; the detail map must already be redacted.
type SecurityEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id"`
	Signature  string         `json:"signature"`
	IdentityID *string        `json:"identity_id"`
	Severity   Severity       `json:"severity"`
	Method     string         `json:"method"`
	Path       string         `json:"path"`
	ClientIP   string         `json:"client_ip"`
	StatusCode int            `json:"status_code"`
	LatencyMs  int64          `json:"latency_ms"`
	Detail     map[string]any `json:"detail"`
}
