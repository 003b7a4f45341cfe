package gateway

import (
	"strings"
	"sync/atomic"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/config"
)

// CORSHolder serves the active CORS policy. Store swaps the policy without
// rebuilding the engine.
type CORSHolder struct {
	handler atomic.Pointer[gin.HandlerFunc]
}

// NewCORSHolder builds the initial policy.
func NewCORSHolder(cfg config.CORSConfig) (*CORSHolder, error) {
	h := &CORSHolder{}
	if err := h.Store(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

// Store validates cfg and publishes it. An invalid cfg leaves the previous policy active.
func (h *CORSHolder) Store(cfg config.CORSConfig) error {
	cc := toCORSConfig(cfg)
	if err := cc.Validate(); err != nil {
		return err
	}
	handler := cors.New(cc)
	h.handler.Store(&handler)
	return nil
}

// Handler is the gin middleware delegating to the active policy.
func (h *CORSHolder) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		(*h.handler.Load())(c)
	}
}

func toCORSConfig(cfg config.CORSConfig) cors.Config {
	cc := cors.Config{
		AllowMethods:     splitList(cfg.AllowedMethods),
		AllowHeaders:     splitList(cfg.AllowedHeaders),
		ExposeHeaders:    splitList(cfg.ExposedHeaders),
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	origins := splitList(cfg.AllowedOrigins)
	switch {
	case len(origins) == 1 && origins[0] == "*" && cfg.AllowCredentials:
		// a literal "*" is not valid with credentials; echo the request origin
		cc.AllowOriginFunc = func(string) bool { return true }
	case len(origins) == 1 && origins[0] == "*":
		cc.AllowAllOrigins = true
	default:
		cc.AllowOrigins = origins
	}
	if len(cc.AllowMethods) == 0 {
		cc.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	}
	return cc
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
