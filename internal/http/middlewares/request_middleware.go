package middlewares

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// RequestID honors an inbound X-Request-Id or mints one, and echoes it back
// so clients can quote it when they file a problem.
func RequestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader(requestIDHeader)

		if id == "" {
			id = uuid.NewString()
		}

		ctx.Writer.Header().Set(requestIDHeader, id)
		ctx.Set(CtxRequestID, id)

		ctx.Next()
	}
}

// RequestLogger writes one structured line per request after it finishes.
// Handlers that resolve a task id stash it on the context and it rides along.
func RequestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		route := ctx.FullPath()
		if route == "" {
			// unrouted requests (404s) have no pattern
			route = ctx.Request.URL.Path
		}

		method := ctx.Request.Method

		ctx.Next()

		reqID, _ := ctx.Get(CtxRequestID)

		attrs := []any{
			"method", method,
			"route", route,
			"status", ctx.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		}

		if taskID, ok := ctx.Get(CtxTaskID); ok {
			if s, ok := taskID.(string); ok && s != "" {
				attrs = append(attrs, "task_id", s)
			}
		}

		slog.Default().InfoContext(ctx.Request.Context(), "http_request", attrs...)
	}
}
