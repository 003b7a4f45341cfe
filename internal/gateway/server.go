// Package gateway is the enforcement point in front of the upstream services:
// trace, CORS, admission and routing, in that order.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/gateway/routing"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/interfaces/http/handlers"
	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/logger"
)

// ServerDeps groups the collaborators of the gateway server.
type ServerDeps struct {
	Auth     *AuthFilter
	CORS     *CORSHolder
	Routes   *routing.Engine
	Health   *handlers.HealthHandler
	Metrics  *monitoring.Metrics
	Tracer   *monitoring.TracingManager
	Gatherer prometheus.Gatherer
}

// Server 网关 HTTP 服务器
type Server struct {
	engine *gin.Engine
	config config.ServerConfig
	logger logger.Logger
	server *http.Server
}

// NewServer builds the gateway engine. /health, /ready and /metrics are served
// locally; every other request goes through admission and routing.
func NewServer(cfg config.ServerConfig, log logger.Logger, deps ServerDeps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: gin.New(),
		config: cfg,
		logger: log.WithComponent("gateway-server"),
	}

	if err := s.engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		s.logger.Warn(context.Background(), "invalid trusted proxies, forwarded headers ignored", logger.Error(err))
		_ = s.engine.SetTrustedProxies(nil)
	}

	s.engine.Use(middleware.Trace())
	s.engine.Use(middleware.Recovery(s.logger))
	s.engine.Use(middleware.AccessLog(s.logger))
	s.engine.Use(middleware.Observability(deps.Metrics, deps.Tracer))
	s.engine.Use(deps.CORS.Handler())

	if deps.Health != nil {
		s.engine.GET(constants.PathHealth, deps.Health.HealthCheck)
		s.engine.GET(constants.PathReady, deps.Health.ReadinessCheck)
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.engine.GET(constants.PathMetrics, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.engine.NoRoute(deps.Auth.Handle, deps.Routes.Handle)
	return s
}

// Engine exposes the gin engine, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:           s.config.Addr(),
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Starting gateway", logger.String("address", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(shutdownCtx, "gateway forced to shutdown", err)
		return err
	}
	s.logger.Info(context.Background(), "gateway stopped")
	return nil
}
