package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/shieldgate/internal/model"
)

const ContextSecurityKey = "security"

// SecurityContext is what the pipeline hands to downstream handlers.
type SecurityContext struct {
	Identity   *model.Identity
	Signature  string
	IsStateful bool
	CSRFExempt bool
	RequestID  string
}

type securityCtxKey struct{}

// Security returns the security context attached by the pipeline.
func Security(c *gin.Context) (*SecurityContext, bool) {
	v, ok := c.Get(ContextSecurityKey)
	if !ok {
		return nil, false
	}
	sc, ok := v.(*SecurityContext)
	return sc, ok
}

// SecurityFrom reads the security context from a plain context.Context, for code below the HTTP layer.
func SecurityFrom(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(securityCtxKey{}).(*SecurityContext)
	return sc, ok
}

func attachSecurity(c *gin.Context, sc *SecurityContext) {
	c.Set(ContextSecurityKey, sc)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), securityCtxKey{}, sc))
}
