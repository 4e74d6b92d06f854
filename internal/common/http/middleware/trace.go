package middleware

import (
	"context"
	"strings"

	"autojudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
)

// TraceContextMiddleware puts trace and request ids on the request context
// and echoes them in the response headers. Missing ids are generated. The
// user id is set by UserAuthMiddleware, never taken from a header.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = propagate(c, ctx, traceIDHeader, contextkey.TraceID)
		ctx = propagate(c, ctx, requestIDHeader, contextkey.RequestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func propagate(c *gin.Context, ctx context.Context, header string, key any) context.Context {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" {
		id = uuid.NewString()
	}
	c.Writer.Header().Set(header, id)
	return context.WithValue(ctx, key, id)
}
