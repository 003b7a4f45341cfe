package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	atlaserrors "github.com/turtacn/atlas/pkg/errors"
)

// PublicKey handles GET /public-key with the PEM key of the current signing epoch.
func (h *AuthHandler) PublicKey(c *gin.Context) {
	result, err := h.authService.PublicKey(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.OK(c, result)
}

// JWKS handles GET /jwks. The key set is written bare, as RFC 7517 clients expect,
// with a content ETag so pollers can revalidate cheaply.
func (h *AuthHandler) JWKS(c *gin.Context) {
	body, err := json.Marshal(h.authService.JWKS(c.Request.Context()))
	if err != nil {
		middleware.Abort(c, atlaserrors.ErrSystem().WithCause(err))
		return
	}
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`

	c.Header("Cache-Control", "public, max-age=300")
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
