package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/pkg/logger"
)

// Observability returns a Gin middleware that integrates Prometheus metrics and OpenTelemetry tracing.
// For each HTTP request it continues the inbound W3C trace context, starts a server span and records
// the request duration labelled with the route template, method and status code.
// Either collaborator may be nil.
// Observability 返回一个集成了 Prometheus 指标和 OpenTelemetry 跟踪的 Gin 中间件。
func Observability(metrics *monitoring.Metrics, tracer *monitoring.TracingManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		if tracer != nil {
			ctx := tracer.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
			ctx, span := tracer.StartSpan(ctx, method+" "+c.FullPath(),
				attribute.String("http.method", method),
				attribute.String("atlas.trace_id", TraceID(c)),
			)
			defer span.End()
			c.Request = c.Request.WithContext(ctx)
			defer func() {
				status := c.Writer.Status()
				span.SetAttributes(
					attribute.Int("http.status_code", status),
					attribute.String("http.client_ip", c.ClientIP()),
				)
				if status >= 500 {
					span.SetStatus(codes.Error, "server error")
				}
			}()
		}

		if metrics != nil {
			metrics.ActiveRequestsInc(method)
			defer metrics.ActiveRequestsDec(method)
		}

		c.Next()

		if metrics != nil {
			// Use the route template for low-cardinality labels.
			path := c.FullPath()
			if path == "" {
				path = "not_found"
			}
			metrics.ObserveRequest(path, method, c.Writer.Status(), time.Since(start))
		}
	}
}

// AccessLog logs one line per request.
func AccessLog(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			log.Warn(c.Request.Context(), "Request processed", fields...)
			return
		}
		log.Info(c.Request.Context(), "Request processed", fields...)
	}
}
