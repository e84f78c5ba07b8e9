// internal/middleware/recovery_middleware.go
package middleware

import (
	"net/http"

	"zapfy-billing/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	xerrors "zapfy-billing/internal/pkg/errors"
)

// RecoveryMiddleware converts a handler panic into a 500 with a domain reason
// code. A panic while applying a webhook must still produce a response the
// rail treats as retriable.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"),
				)
				response.Error(c, http.StatusInternalServerError, "internal server error", xerrors.ErrInternal)
			}
		}()
		c.Next()
	}
}
