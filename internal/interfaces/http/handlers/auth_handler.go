// Package handlers contains the gin handlers of the auth server.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/internal/application/service"
	"github.com/turtacn/atlas/internal/authctx"
	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
	"github.com/turtacn/atlas/pkg/utils"
)

// AuthHandler handles HTTP requests for authentication.
type AuthHandler struct {
	authService service.AuthAppService
	logger      logger.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService service.AuthAppService, log logger.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		logger:      log.WithComponent("auth-handler"),
	}
}

// Login handles POST /login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, errors.ErrInvalidRequest("malformed login request").WithCause(err))
		return
	}

	result, err := h.authService.Login(c.Request.Context(), &req, c.ClientIP())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.OK(c, result)
}

// Logout handles POST /logout. The token comes from the Authorization header.
func (h *AuthHandler) Logout(c *gin.Context) {
	token := utils.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
	result, err := h.authService.Logout(c.Request.Context(), token)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.OK(c, result)
}

// Introspect handles POST /introspect. An unreadable body is an inactive token, not an error.
func (h *AuthHandler) Introspect(c *gin.Context) {
	var req dto.IntrospectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug(c.Request.Context(), "unreadable introspection request", logger.Error(err))
		middleware.OK(c, dto.Inactive())
		return
	}
	middleware.OK(c, h.authService.Introspect(c.Request.Context(), req.Token))
}

// Me echoes the principal bound by the security-context middleware.
func (h *AuthHandler) Me(c *gin.Context) {
	principal, ok := authctx.Principal(c)
	if !ok {
		middleware.Abort(c, errors.ErrTokenMissing())
		return
	}
	middleware.OK(c, principal)
}
