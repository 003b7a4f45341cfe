package gateway

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/authctx"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
	"github.com/turtacn/atlas/pkg/utils"
)

// AuthFilter admits whitelisted requests and requests carrying a token the checker
// accepts. Every other request is rejected with the same 401 envelope.
type AuthFilter struct {
	whitelist *WhitelistHolder
	checker   TokenChecker
	metrics   *monitoring.Metrics
	log       logger.Logger
}

// NewAuthFilter creates the filter. metrics may be nil.
func NewAuthFilter(whitelist *WhitelistHolder, checker TokenChecker, metrics *monitoring.Metrics, log logger.Logger) *AuthFilter {
	return &AuthFilter{
		whitelist: whitelist,
		checker:   checker,
		metrics:   metrics,
		log:       log.WithComponent("gateway-auth"),
	}
}

// Handle is the gin middleware.
func (f *AuthFilter) Handle(c *gin.Context) {
	// 客户端不能伪造身份头
	for _, h := range constants.PrincipalHeaders {
		c.Request.Header.Del(h)
	}

	// "." and ".." segments would let a path match one pattern and name another
	// resource once an upstream resolves them
	if hasDotSegment(c.Request.URL.Path) || hasDotSegment(c.Request.URL.RawPath) {
		f.reject(c, ReasonMalformedPath, nil)
		return
	}

	if f.whitelist.Load().Match(c.Request.URL.Path) {
		c.Next()
		return
	}

	token := utils.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
	if token == "" {
		f.reject(c, ReasonMissingToken, nil)
		return
	}
	principal, err := f.checker.Check(c.Request.Context(), token)
	if err != nil {
		f.reject(c, ReasonOf(err), err)
		return
	}

	holder, release := authctx.Scope(c)
	defer release()
	if err := holder.Set(principal); err != nil {
		f.reject(c, ReasonInternal, err)
		return
	}
	writePrincipalHeaders(c, principal)
	c.Next()
}

func (f *AuthFilter) reject(c *gin.Context, reason string, cause error) {
	fields := []logger.Field{
		logger.String("reason", reason),
		logger.String("path", c.Request.URL.Path),
		logger.String("client_ip", c.ClientIP()),
	}
	if cause != nil {
		fields = append(fields, logger.Error(cause))
	}
	f.log.Info(c.Request.Context(), "request rejected", fields...)
	if f.metrics != nil {
		f.metrics.RecordGatewayRejection(reason)
	}
	middleware.Abort(c, errors.ErrTokenRejected())
}

// hasDotSegment checks the decoded path, so %2e%2e and %2F separators are covered.
// Backslashes count as separators as well.
func hasDotSegment(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func writePrincipalHeaders(c *gin.Context, p *models.Principal) {
	h := c.Request.Header
	h.Set(constants.HeaderUserID, strconv.FormatInt(p.SubjectID, 10))
	h.Set(constants.HeaderUserName, p.SubjectName)
	h.Set(constants.HeaderUserRoles, strings.Join(p.Roles, ","))
	h.Set(constants.HeaderUserPermissions, strings.Join(p.Permissions, ","))
}
