// Command gateway runs the atlas enforcement gateway in front of the upstream services.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/internal/gateway"
	"github.com/turtacn/atlas/internal/gateway/routing"
	"github.com/turtacn/atlas/internal/infrastructure/crypto"
	"github.com/turtacn/atlas/internal/infrastructure/events"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/infrastructure/persistence/redis"
	"github.com/turtacn/atlas/internal/infrastructure/ratelimit"
	"github.com/turtacn/atlas/internal/interfaces/http/handlers"
	"github.com/turtacn/atlas/pkg/logger"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Atlas enforcement gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config.yaml")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, v, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateGateway(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	gw := cfg.Atlas.Gateway

	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	tracer, err := monitoring.NewTracingManager(&cfg.Tracing, appLogger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)
	domainMetrics := monitoring.NewMetricsAdapter(metrics)

	// Redis backs route rate limiting and, in local mode, the blacklist lookup.
	// The gateway starts without it; both consumers fail open.
	var (
		limiter ratelimit.Limiter
		buckets *ratelimit.RedisRateLimiter
		store   service.RevocationStore
		checks  = map[string]handlers.Pinger{}
	)
	redisConn := redis.NewRedisConnection(&cfg.Redis, appLogger)
	if err := redisConn.Connect(ctx); err != nil {
		appLogger.Warn(ctx, "redis unavailable, rate limiting and blacklist checks disabled", logger.Error(err))
	} else {
		defer redisConn.Close()
		buckets = ratelimit.NewRedisRateLimiter(redisConn.Client(), appLogger)
		limiter = buckets
		store = redis.NewRevocationStore(redisConn.Client(), cfg.Redis.OperationTimeout, domainMetrics, appLogger)
		checks["redis"] = handlers.PingFunc(redisConn.Ping)
	}

	upstreamClient := &http.Client{}
	var checker gateway.TokenChecker
	switch gw.Auth.Mode {
	case config.GatewayAuthModeLocal:
		var keys service.KeySource = gateway.NewRemoteKeySource(gw.Auth.IssuerURL, gw.Auth.KeyFetchTimeout, gw.Auth.KeyCacheTTL, upstreamClient, appLogger)
		if gw.Auth.KeySource == config.GatewayKeySourceJWKS {
			keys = gateway.NewJWKSKeySource(gw.Auth.IssuerURL, gw.Auth.KeyFetchTimeout, gw.Auth.KeyCacheTTL, upstreamClient, appLogger)
		}
		var blacklist service.RevocationStore
		if gw.Auth.CheckBlacklist {
			blacklist = store
		}
		checker = gateway.NewLocalChecker(crypto.NewJWTVerifier(keys), blacklist, domainMetrics)
	default:
		checker = gateway.NewIntrospectChecker(
			gateway.NewIntrospectionClient(gw.Auth.IssuerURL, gw.Auth.IntrospectionTimeout, upstreamClient, domainMetrics))
	}

	routes := routing.NewEngine(routing.NewCompiler(limiter, metrics, appLogger), gw.UpstreamTimeout, metrics, appLogger,
		routing.WithTracer(tracer))
	routes.Load(ctx, gw.Routes)
	whitelist := gateway.NewWhitelistHolder(gw.Whitelist)
	cors, err := gateway.NewCORSHolder(gw.CORS)
	if err != nil {
		return fmt.Errorf("invalid cors policy: %w", err)
	}

	watcher := config.NewWatcher(v, appLogger)
	watcher.Subscribe(gateway.NewRefresher(routes, whitelist, cors, appLogger).OnChange)
	if v.ConfigFileUsed() != "" {
		watcher.Start()
	}

	server := gateway.NewServer(cfg.Server, appLogger, gateway.ServerDeps{
		Auth:     gateway.NewAuthFilter(whitelist, checker, metrics, appLogger),
		CORS:     cors,
		Routes:   routes,
		Health:   handlers.NewHealthHandler(checks, appLogger),
		Metrics:  metrics,
		Tracer:   tracer,
		Gatherer: registry,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if buckets != nil {
		g.Go(func() error { return buckets.RunJanitor(gctx, time.Minute, 10*time.Minute) })
	}
	if cfg.Kafka.Enabled && cfg.Kafka.ConsumeRevocations && store != nil {
		consumer := events.NewRevocationConsumer(cfg.Kafka, store, appLogger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	appLogger.Info(ctx, "gateway started",
		logger.String("http", cfg.Server.Addr()),
		logger.String("auth_mode", gw.Auth.Mode),
		logger.Int("routes", routes.Table().Len()),
	)
	err = g.Wait()
	appLogger.Info(context.Background(), "gateway stopped")
	return err
}
