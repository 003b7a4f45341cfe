package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
)

// readinessTimeout bounds one round of dependency checks.
const readinessTimeout = 2 * time.Second

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks map[string]Pinger
	log    logger.Logger
}

// NewHealthHandler creates a new HealthHandler. checks may be empty.
func NewHealthHandler(checks map[string]Pinger, log logger.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, log: log}
}

// HealthCheck is the liveness probe: the process is serving.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	middleware.OK(c, gin.H{"status": "UP"})
}

// ReadinessCheck reports whether every dependency answers.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	checks := h.performChecks(ctx)
	for name, status := range checks {
		if status != "ok" {
			h.log.Warn(ctx, "readiness check failed", logger.String("dependency", name), logger.String("status", status))
			ae := errors.ErrSystemUnavailable("not ready")
			c.JSON(http.StatusServiceUnavailable, &dto.Result{
				Code:      ae.Code(),
				Message:   ae.Message(),
				Data:      checks,
				Timestamp: time.Now().UnixMilli(),
				TraceID:   middleware.TraceID(c),
			})
			return
		}
	}
	middleware.OK(c, checks)
}

func (h *HealthHandler) performChecks(ctx context.Context) map[string]string {
	var wg sync.WaitGroup
	var mu sync.Mutex
	checks := make(map[string]string, len(h.checks))

	wg.Add(len(h.checks))
	for name, p := range h.checks {
		go func(name string, p Pinger) {
			defer wg.Done()
			status := "ok"
			if err := p.Ping(ctx); err != nil {
				status = "error: " + err.Error()
			}
			mu.Lock()
			checks[name] = status
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return checks
}
