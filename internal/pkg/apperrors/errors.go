package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ErrorType string

const (
	ErrUnauthenticated       ErrorType = "UNAUTHENTICATED"
	ErrInsufficientPrivilege ErrorType = "INSUFFICIENT_PRIVILEGE"
	ErrAccountLocked         ErrorType = "ACCOUNT_LOCKED"
	ErrAccountInactive       ErrorType = "ACCOUNT_INACTIVE"
	ErrAccountSuspended      ErrorType = "ACCOUNT_SUSPENDED"
	ErrCsrfMismatch          ErrorType = "CSRF_MISMATCH"
	ErrRateLimited           ErrorType = "RATE_LIMITED"
	ErrThreatDetected        ErrorType = "THREAT_DETECTED"
	ErrClientBlocked         ErrorType = "CLIENT_BLOCKED"
	ErrSecurityHeaderInvalid ErrorType = "SECURITY_HEADER_INVALID"
	ErrDependencyUnavailable ErrorType = "DEPENDENCY_UNAVAILABLE"
	ErrReadOnly              ErrorType = "READ_ONLY"
	ErrInvalidRequest        ErrorType = "INVALID_REQUEST"
	ErrNotFound              ErrorType = "NOT_FOUND"
	ErrInternal              ErrorType = "INTERNAL_ERROR"
)

// StatusCSRFMismatch is the non-standard "page expired" status used for CSRF failures.
const StatusCSRFMismatch = 419

// AppError is the standard error struct for the application.
// Only Type, Message and Details are ever serialized to clients.
type AppError struct {
	Type       ErrorType      `json:"error"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Cause      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a client-safe hint and returns the same error for chaining.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(errType ErrorType, msg string, cause error) *AppError {
	if msg == "" {
		msg = defaultMessage(errType)
	}
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: StatusFor(errType),
	}
}

func NewRateLimited(retryAfter time.Duration) *AppError {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return New(ErrRateLimited, "", nil).WithDetail("retry_after", secs)
}

func NewInsufficientPrivilege(permission string) *AppError {
	return New(ErrInsufficientPrivilege, "", nil).WithDetail("required_permission", permission)
}

func NewDependencyUnavailable(dependency string, cause error) *AppError {
	return New(ErrDependencyUnavailable, "", cause).WithDetail("dependency", dependency)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	// The cause keeps the detail for logs; the client only sees the generic message.
	return New(ErrInternal, "", err)
}

// Is reports whether err carries the given kind.
func Is(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

// StatusFor maps every kind to exactly one HTTP status.
func StatusFor(t ErrorType) int {
	switch t {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrInsufficientPrivilege, ErrAccountInactive, ErrAccountSuspended, ErrClientBlocked:
		return http.StatusForbidden
	case ErrAccountLocked:
		return http.StatusLocked
	case ErrCsrfMismatch:
		return StatusCSRFMismatch
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrThreatDetected, ErrSecurityHeaderInvalid, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrDependencyUnavailable, ErrReadOnly:
		return http.StatusServiceUnavailable
	case ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func defaultMessage(t ErrorType) string {
	switch t {
	case ErrUnauthenticated:
		return "Authentication is required."
	case ErrInsufficientPrivilege:
		return "You do not have permission to perform this action."
	case ErrAccountLocked:
		return "This account is locked."
	case ErrAccountInactive:
		return "This account is not active."
	case ErrAccountSuspended:
		return "This account is suspended."
	case ErrCsrfMismatch:
		return "The CSRF token is missing, invalid or expired. Refresh and retry."
	case ErrRateLimited:
		return "Too many requests. Retry later."
	case ErrThreatDetected:
		return "The request was rejected because it contains a disallowed payload."
	case ErrClientBlocked:
		return "Requests from this client are temporarily blocked."
	case ErrSecurityHeaderInvalid:
		return "The request headers are malformed."
	case ErrDependencyUnavailable:
		return "A required security dependency is unavailable. Retry later."
	case ErrReadOnly:
		return "The service is in read-only mode."
	case ErrInvalidRequest:
		return "The request is invalid."
	case ErrNotFound:
		return "Not found."
	default:
		return "An internal error occurred."
	}
}
