// Command auth-server runs the atlas token issuer: login, logout, introspection and
// key publication over HTTP, plus the gRPC health service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appservice "github.com/turtacn/atlas/internal/application/service"
	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/internal/infrastructure/crypto"
	"github.com/turtacn/atlas/internal/infrastructure/events"
	"github.com/turtacn/atlas/internal/infrastructure/identity"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/atlas/internal/infrastructure/persistence/redis"
	"github.com/turtacn/atlas/internal/infrastructure/ratelimit"
	grpcserver "github.com/turtacn/atlas/internal/interfaces/grpc"
	httpserver "github.com/turtacn/atlas/internal/interfaces/http"
	"github.com/turtacn/atlas/internal/interfaces/http/handlers"
	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	"github.com/turtacn/atlas/pkg/logger"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:          "auth-server",
		Short:        "Atlas token issuer",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config.yaml")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("auth-server: %v", err)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, _, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateAuthServer(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

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

	// Signing keys
	var vaultClient crypto.VaultClient
	if cfg.JWT.VaultPath != "" {
		if vaultClient, err = crypto.NewVaultClient(&cfg.Vault, appLogger); err != nil {
			return err
		}
	}
	ring, err := crypto.LoadKeyRing(ctx, &cfg.JWT, vaultClient, appLogger)
	if err != nil {
		return err
	}
	issuer := crypto.NewJWTIssuer(ring, cfg.JWT.TTL, cfg.JWT.Issuer, appLogger)
	verifier := crypto.NewJWTVerifier(ring)

	// Redis
	redisConn := redis.NewRedisConnection(&cfg.Redis, appLogger)
	if err := redisConn.Connect(ctx); err != nil {
		return err
	}
	defer redisConn.Close()
	store := redis.NewRevocationStore(redisConn.Client(), cfg.Redis.OperationTimeout, domainMetrics, appLogger)

	checks := map[string]handlers.Pinger{"redis": handlers.PingFunc(redisConn.Ping)}

	// Identity
	var provider service.IdentityProvider
	switch cfg.Identity.Provider {
	case config.IdentityProviderPostgres:
		db, err := postgres.NewDBConnection(ctx, &cfg.Database, appLogger)
		if err != nil {
			return err
		}
		defer db.Close()
		provider = postgres.NewSubjectRepository(db.Pool(), appLogger)
		checks["database"] = handlers.PingFunc(db.Ping)
	default:
		subjects := cfg.Identity.Subjects
		if cfg.Identity.SubjectsFile != "" {
			extra, err := identity.LoadSubjectsFile(cfg.Identity.SubjectsFile)
			if err != nil {
				return err
			}
			subjects = append(subjects, extra...)
		}
		static, err := identity.NewStaticProvider(subjects)
		if err != nil {
			return err
		}
		provider = static
	}

	// Events
	var publisher service.EventPublisher = events.NoopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Kafka, appLogger)
	}
	defer publisher.Close()

	authService := appservice.NewAuthAppService(
		provider, identity.BcryptVerifier{}, issuer, verifier, store, ring, domainMetrics, appLogger,
		appservice.WithEventPublisher(publisher),
	)

	deps := httpserver.RouterDeps{
		AuthHandler:     handlers.NewAuthHandler(authService, appLogger),
		HealthHandler:   handlers.NewHealthHandler(checks, appLogger),
		SecurityContext: middleware.SecurityContext(authService, appLogger),
		Metrics:         metrics,
		Tracer:          tracer,
		Gatherer:        registry,
	}
	limiter := ratelimit.NewRedisRateLimiter(redisConn.Client(), appLogger)
	if rl := cfg.Server.LoginRateLimit; rl.Enabled {
		deps.LoginLimiter = middleware.RateLimit(limiter,
			ratelimit.Rule{ReplenishRate: rl.ReplenishRate, BurstCapacity: rl.BurstCapacity},
			middleware.ClientIPKey("login"), appLogger)
	}
	router := httpserver.NewRouter(cfg.Server, appLogger, deps)

	grpcChecks := make(map[string]grpcserver.Check, len(checks))
	for name, p := range checks {
		grpcChecks[name] = p.Ping
	}
	var (
		grpcLimiter ratelimit.Limiter
		grpcRule    ratelimit.Rule
	)
	if rl := cfg.Server.GRPCRateLimit; rl.Enabled {
		grpcLimiter = limiter
		grpcRule = ratelimit.Rule{ReplenishRate: rl.ReplenishRate, BurstCapacity: rl.BurstCapacity}
	}
	grpcServer := grpcserver.NewServer(grpcserver.NewInterceptorChain(appLogger, grpcLimiter, grpcRule), grpcChecks, appLogger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return limiter.RunJanitor(gctx, time.Minute, 10*time.Minute) })
	if cfg.Server.GRPCPort > 0 {
		g.Go(func() error { return grpcServer.Serve(gctx, cfg.Server.GRPCPort) })
	}
	if cfg.Kafka.Enabled && cfg.Kafka.ConsumeRevocations {
		consumer := events.NewRevocationConsumer(cfg.Kafka, store, appLogger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	appLogger.Info(ctx, "auth-server started",
		logger.String("http", cfg.Server.Addr()),
		logger.Int("grpc_port", cfg.Server.GRPCPort),
		logger.KeyID(ring.Current().KeyID),
	)
	err = g.Wait()
	appLogger.Info(context.Background(), "auth-server stopped")
	return err
}
