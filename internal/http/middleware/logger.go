package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/issuesync/common/logger"
)

// Logger tags each request context with the http component, and with the
// activity id on activity routes, then logs one line per request. When no
// span is active a trace id sent in traceHeader links the request to the
// caller's trace. /health is logged at debug level.
func Logger(traceHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()

		fields := logger.LogFields{Component: "issuesync.http"}
		if id := c.Param("id"); id != "" && strings.HasSuffix(route, "/activities/:id") {
			fields.ActivityID = logger.Ptr(id)
		}
		ctx := logger.WithLogFields(c.Request.Context(), fields)

		var callerTrace string
		if traceHeader != "" {
			callerTrace = c.GetHeader(traceHeader)
		}
		if callerTrace != "" && !trace.SpanFromContext(ctx).SpanContext().IsValid() {
			sc := logger.StartSpanFromTraceID(ctx, callerTrace, "http "+route, trace.WithSpanKind(trace.SpanKindServer))
			defer sc.End()
			ctx = sc.Context()
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if callerTrace != "" {
			attrs = append(attrs, "caller_trace_id", callerTrace)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			slog.ErrorContext(ctx, "request failed", attrs...)
		case status >= 400:
			slog.WarnContext(ctx, "request rejected", attrs...)
		case route == "/health":
			slog.DebugContext(ctx, "request", attrs...)
		default:
			slog.InfoContext(ctx, "request", attrs...)
		}
	}
}
