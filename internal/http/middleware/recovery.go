package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recovery answers a handler panic with 500 and records it on the request
// span. Installed before Logger, it still sees the fields Logger put on the
// request context because the panic unwinds through Logger first.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			ctx := c.Request.Context()

			span := trace.SpanFromContext(ctx)
			span.RecordError(fmt.Errorf("panic: %v", r))
			span.SetStatus(codes.Error, "handler panic")

			slog.ErrorContext(ctx, "panic recovered in http handler",
				"panic", r,
				"method", c.Request.Method,
				"route", c.FullPath(),
				"stack", string(debug.Stack()))

			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}()
		c.Next()
	}
}
