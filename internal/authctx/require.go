package authctx

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/pkg/constants"
	apperrors "github.com/turtacn/atlas/pkg/errors"
)

// Logic combines several required roles or permissions.
type Logic int

const (
	// And requires every listed value
	And Logic = iota
	// Or requires at least one listed value
	Or
)

// RequireRoles rejects requests whose principal lacks the roles. With no principal bound
// the request is rejected as unauthenticated.
func RequireRoles(logic Logic, roles ...string) gin.HandlerFunc {
	return require("role", roles, func(p *models.Principal) bool {
		if logic == Or {
			return p.HasAnyRole(roles...)
		}
		return p.HasAllRoles(roles...)
	})
}

// RequirePermissions rejects requests whose principal lacks the permissions.
func RequirePermissions(logic Logic, permissions ...string) gin.HandlerFunc {
	return require("permission", permissions, func(p *models.Principal) bool {
		if logic == Or {
			return p.HasAnyPermission(permissions...)
		}
		return p.HasAllPermissions(permissions...)
	})
}

func require(kind string, values []string, check func(*models.Principal) bool) gin.HandlerFunc {
	message := "missing required " + kind + ": " + strings.Join(values, ",")
	return func(c *gin.Context) {
		p, ok := Principal(c)
		if !ok {
			abort(c, apperrors.ErrTokenMissing())
			return
		}
		if !check(p) {
			abort(c, apperrors.ErrPermissionDenied(message))
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	status, res := dto.Fail(err, c.GetString(constants.GinKeyTraceID))
	c.AbortWithStatusJSON(status, res)
}
