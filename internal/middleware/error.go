package middleware

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error, unless a response
// has already been written.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only handle if there are errors
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := toAppError(c.Errors.Last().Err)
		logAppError(c, appErr)
		renderError(c, appErr)
	}
}

// Recovery turns a panic into an INTERNAL_ERROR response. The process keeps serving.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		appErr := apperrors.New(apperrors.ErrInternal, "", fmt.Errorf("panic: %v", recovered))
		logAppError(c, appErr)
		if !c.Writer.Written() {
			renderError(c, appErr)
		}
		c.Abort()
	})
}

func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		// Unknown error, wrap as Internal
		appErr = apperrors.Wrap(err)
	}
	return appErr
}

func logAppError(c *gin.Context, appErr *apperrors.AppError) {
	logFields := []any{
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"code", appErr.Type,
		"client_ip", c.ClientIP(),
	}

	if appErr.HTTPStatus >= 500 {
		logger.LogError(c.Request.Context(), appErr, "Internal Server Error", logFields...)
	} else {
		logger.Debug(appErr.Message, logFields...)
	}
}

// renderError writes the JSON error body. A retry_after detail is mirrored into Retry-After.
func renderError(c *gin.Context, appErr *apperrors.AppError) {
	if secs, ok := appErr.Details["retry_after"].(int64); ok {
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
}
