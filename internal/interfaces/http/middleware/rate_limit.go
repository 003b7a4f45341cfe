package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/infrastructure/ratelimit"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
)

// KeyFunc derives the bucket name of a request.
type KeyFunc func(c *gin.Context) string

// ClientIPKey buckets requests by client address under scope.
func ClientIPKey(scope string) KeyFunc {
	return func(c *gin.Context) string {
		return scope + ":" + c.ClientIP()
	}
}

// RateLimit creates a new rate limiting middleware. Limiter errors fail open.
func RateLimit(limiter ratelimit.Limiter, rule ratelimit.Rule, key KeyFunc, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		bucket := key(c)
		res, err := limiter.Allow(c.Request.Context(), bucket, rule)
		if err != nil {
			log.Warn(c.Request.Context(), "rate limiter failed", logger.String("key", bucket), logger.Error(err))
			c.Next()
			return
		}

		c.Header(constants.HeaderRateLimitLimit, strconv.FormatInt(res.Limit, 10))
		c.Header(constants.HeaderRateLimitRemaining, strconv.FormatInt(res.Remaining, 10))
		if !res.Allowed {
			seconds := int64(res.RetryAfter.Seconds())
			if res.RetryAfter%time.Second != 0 {
				seconds++
			}
			c.Header(constants.HeaderRetryAfter, strconv.FormatInt(seconds, 10))
			log.Warn(c.Request.Context(), "rate limit exceeded", logger.String("key", bucket))
			Abort(c, errors.ErrRateLimited())
			return
		}
		c.Next()
	}
}
