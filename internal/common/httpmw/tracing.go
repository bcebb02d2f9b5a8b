package httpmw

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/adsproject/ads/internal/common/tracing"
)

// Tracing wraps each request in a span named "<METHOD> <route>". Upgrade
// requests are left alone, and when no exporter endpoint is configured the
// tracer is a no-op provider so this costs nothing.
func Tracing() gin.HandlerFunc {
	tracer := tracing.Tracer("gateway")

	return func(c *gin.Context) {
		if isUpgrade(c.Request) {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route)
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPResponseStatusCodeKey.Int(c.Writer.Status()),
		)
		if c.Writer.Status() >= 500 {
			span.SetStatus(codes.Error, route)
		}
		span.End()
	}
}
