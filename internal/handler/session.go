package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/shieldgate/internal/csrf"
	"github.com/GoPolymarket/shieldgate/internal/middleware"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/session"
)

// SessionHandler exchanges an API key for a server-side session and ends it again.
type SessionHandler struct {
	sessions     *session.Store
	csrf         *csrf.Validator
	cookieName   string
	cookieSecure bool
}

func NewSessionHandler(sessions *session.Store, validator *csrf.Validator, cookieName string, cookieSecure bool) *SessionHandler {
	if cookieName == "" {
		cookieName = "session_id"
	}
	return &SessionHandler{sessions: sessions, csrf: validator, cookieName: cookieName, cookieSecure: cookieSecure}
}

// Login needs an identity resolved from an API key. The response carries the session cookie and
// a CSRF token bound to the new session.
func (h *SessionHandler) Login(c *gin.Context) {
	sc, ok := middleware.Security(c)
	if !ok || sc.Identity == nil || sc.Identity.Source != model.CredentialAPIKey {
		c.Error(apperrors.New(apperrors.ErrUnauthenticated, "an API key is required to open a session", nil).
			WithDetail("reason", "missing_credentials"))
		return
	}

	ctx := c.Request.Context()
	raw, rec, err := h.sessions.Create(ctx, sc.Identity.ID)
	if err != nil {
		c.Error(apperrors.NewDependencyUnavailable("session_store", err))
		return
	}

	bound := *sc.Identity
	bound.Source = model.CredentialSession
	bound.SessionKey = rec.ID
	token, err := h.csrf.Issue(ctx, &model.RequestContext{Method: c.Request.Method, Identity: &bound})
	if err != nil {
		_ = h.sessions.End(ctx, rec.ID)
		c.Error(apperrors.NewDependencyUnavailable("session_store", err))
		return
	}

	http.SetCookie(c.Writer, h.sessionCookie(raw, int(h.sessions.TTL().Seconds())))
	http.SetCookie(c.Writer, h.csrf.Cookie(token))
	c.Header(h.csrf.Settings().HeaderName, token)

	logger.Info("session opened", "identity_id", bound.ID, "request_id", sc.RequestID)
	c.JSON(http.StatusCreated, gin.H{
		"identity_id": bound.ID,
		"expires_in":  int(h.sessions.TTL().Seconds()),
	})
}

// Logout ends the caller's session and clears its fingerprint record.
func (h *SessionHandler) Logout(c *gin.Context) {
	sc, ok := middleware.Security(c)
	if !ok || sc.Identity == nil || !sc.IsStateful {
		c.Error(apperrors.New(apperrors.ErrUnauthenticated, "no active session", nil).
			WithDetail("reason", "missing_credentials"))
		return
	}
	if err := h.sessions.End(c.Request.Context(), sc.Identity.SessionKey); err != nil {
		c.Error(apperrors.NewDependencyUnavailable("session_store", err))
		return
	}
	http.SetCookie(c.Writer, h.sessionCookie("", -1))
	logger.Info("session closed", "identity_id", sc.Identity.ID, "request_id", sc.RequestID)
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   h.cookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
