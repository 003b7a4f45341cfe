// Package middleware contains the gin middleware shared by the auth server and the gateway.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/utils"
)

// maxTraceIDLength caps inbound trace ids; longer values are replaced.
const maxTraceIDLength = 64

// Trace reuses the inbound X-Trace-Id or generates one, then stores it in the gin
// context, the request context, the request headers (so a forwarded request carries
// it) and the response headers. It must be the first middleware in the chain.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader(constants.HeaderTraceID))
		if traceID == "" || len(traceID) > maxTraceIDLength {
			traceID = utils.NewTraceID()
		}
		c.Set(constants.GinKeyTraceID, traceID)
		c.Request.Header.Set(constants.HeaderTraceID, traceID)
		c.Request = c.Request.WithContext(utils.WithTraceID(c.Request.Context(), traceID))
		c.Header(constants.HeaderTraceID, traceID)
		c.Next()
	}
}

// TraceID returns the trace id assigned by Trace.
func TraceID(c *gin.Context) string {
	if id := c.GetString(constants.GinKeyTraceID); id != "" {
		return id
	}
	return utils.TraceIDFromContext(c.Request.Context())
}

// Abort writes the error envelope for err and stops the chain.
func Abort(c *gin.Context, err error) {
	status, body := dto.Fail(err, TraceID(c))
	c.AbortWithStatusJSON(status, body)
}

// OK writes a success envelope.
func OK(c *gin.Context, data interface{}) {
	c.JSON(200, dto.Success(data, TraceID(c)))
}
