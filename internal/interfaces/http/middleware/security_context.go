package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/authctx"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
	"github.com/turtacn/atlas/pkg/utils"
)

// Authenticator resolves a bearer token to its principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Principal, error)
}

// SecurityContext binds a request-scoped authctx.Holder, authenticates the bearer token
// and stores the principal in it. The holder is cleared when the chain unwinds, including
// on panic.
func SecurityContext(auth Authenticator, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		holder, release := authctx.Scope(c)
		defer release()

		token := utils.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
		if token == "" {
			Abort(c, errors.ErrTokenMissing())
			return
		}
		principal, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			log.Info(c.Request.Context(), "request authentication failed",
				logger.String("path", c.Request.URL.Path), logger.Error(err))
			Abort(c, err)
			return
		}
		if err := holder.Set(principal); err != nil {
			Abort(c, errors.ErrSystem().WithCause(err))
			return
		}
		c.Next()
	}
}
