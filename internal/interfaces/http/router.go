package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/interfaces/http/handlers"
	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	"github.com/turtacn/atlas/pkg/constants"
	atlaserrors "github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
)

// RouterDeps groups the collaborators of the auth server router.
type RouterDeps struct {
	AuthHandler   *handlers.AuthHandler
	HealthHandler *handlers.HealthHandler

	// SecurityContext authenticates the bearer token of protected routes
	SecurityContext gin.HandlerFunc
	// LoginLimiter guards POST /login; nil disables it
	LoginLimiter gin.HandlerFunc

	Metrics  *monitoring.Metrics
	Tracer   *monitoring.TracingManager
	Gatherer prometheus.Gatherer
}

// Router HTTP 路由器
type Router struct {
	engine *gin.Engine
	config config.ServerConfig
	logger logger.Logger
	deps   RouterDeps
	server *http.Server
}

// NewRouter 创建路由器并注册全部路由
func NewRouter(cfg config.ServerConfig, log logger.Logger, deps RouterDeps) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := &Router{
		engine: gin.New(),
		config: cfg,
		logger: log.WithComponent("http-router"),
		deps:   deps,
	}
	if err := r.engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		r.logger.Warn(context.Background(), "invalid trusted proxies, forwarded headers ignored", logger.Error(err))
		_ = r.engine.SetTrustedProxies(nil)
	}
	r.setupRoutes()
	return r
}

// Engine exposes the gin engine, mainly for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 全局中间件：trace 必须最先执行
	r.engine.Use(middleware.Trace())
	r.engine.Use(middleware.Recovery(r.logger))
	r.engine.Use(middleware.AccessLog(r.logger))
	r.engine.Use(middleware.Observability(r.deps.Metrics, r.deps.Tracer))

	r.engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", constants.HeaderAuthorization, constants.HeaderTraceID},
		ExposeHeaders:   []string{constants.HeaderTraceID, constants.HeaderRateLimitLimit, constants.HeaderRateLimitRemaining},
		MaxAge:          12 * time.Hour,
	}))

	// 健康检查路由（不需要认证）
	r.engine.GET(constants.PathHealth, r.deps.HealthHandler.HealthCheck)
	r.engine.GET(constants.PathReady, r.deps.HealthHandler.ReadinessCheck)

	gatherer := r.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.engine.GET(constants.PathMetrics, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if r.config.EnablePprof {
		pprof.Register(r.engine)
	}

	auth := r.engine.Group(constants.AuthAPIPrefix)
	{
		login := []gin.HandlerFunc{r.deps.AuthHandler.Login}
		if r.deps.LoginLimiter != nil {
			login = append([]gin.HandlerFunc{r.deps.LoginLimiter}, login...)
		}
		auth.POST(constants.PathLogin, login...)
		auth.POST(constants.PathLogout, r.deps.AuthHandler.Logout)
		auth.GET(constants.PathPublicKey, r.deps.AuthHandler.PublicKey)
		auth.POST(constants.PathIntrospect, r.deps.AuthHandler.Introspect)
		auth.GET(constants.PathJWKS, r.deps.AuthHandler.JWKS)
		auth.GET(constants.PathMe, r.deps.SecurityContext, r.deps.AuthHandler.Me)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		middleware.Abort(c, atlaserrors.ErrRouteNotFound())
	})
}

// Run serves until ctx is cancelled, then shuts down within the configured timeout.
func (r *Router) Run(ctx context.Context) error {
	r.server = &http.Server{
		Addr:           r.config.Addr(),
		Handler:        r.engine,
		ReadTimeout:    r.config.ReadTimeout,
		WriteTimeout:   r.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info(ctx, "Starting HTTP server", logger.String("address", r.server.Addr))
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	r.logger.Info(context.Background(), "Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.config.ShutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error(shutdownCtx, "Server forced to shutdown", err)
		return err
	}
	r.logger.Info(context.Background(), "HTTP server stopped")
	return nil
}
