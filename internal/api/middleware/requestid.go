package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/fleetrail/fleetrail/pkg/telemetry/correlation"
)

// RequestID stamps every request with a correlation ID, honoring an
// inbound X-Request-ID from trusted proxies. Remote trace identifiers
// are propagated onto the request context when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := correlation.ContextWithCorrelationID(c.Request.Context(), c.GetHeader("X-Request-ID"))
		ctx, id := correlation.EnsureCorrelationID(ctx)
		ctx = correlation.ContextWithRemoteSpan(ctx, c.GetHeader("X-Trace-ID"), c.GetHeader("X-Span-ID"))
		c.Request = c.Request.WithContext(ctx)

		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}
