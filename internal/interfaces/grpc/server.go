// Package grpc serves the issuer's gRPC surface: the standard health service,
// wrapped in the trace, recovery, logging, rate limit and error interceptors.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/turtacn/atlas/pkg/logger"
)

const (
	// ServiceName is the health service name reported for the issuer.
	ServiceName = "atlas.auth.v1.AuthService"

	healthCheckMethod = "/grpc.health.v1.Health/Check"

	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Server 是 issuer 的 gRPC 服务器
type Server struct {
	server   *grpc.Server
	health   *health.Server
	checks   map[string]Check
	interval time.Duration
	log      logger.Logger

	mu      sync.Mutex
	serving bool
}

// NewServer registers the health service and the reflection service on a new grpc.Server.
// checks drive the reported serving status; an empty map always reports SERVING.
func NewServer(chain *InterceptorChain, checks map[string]Check, log logger.Logger) *Server {
	srv := grpc.NewServer(chain.ServerOptions()...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &Server{
		server:   srv,
		health:   hs,
		checks:   checks,
		interval: defaultProbeInterval,
		log:      log.WithComponent("grpc-server"),
	}
	s.setServing(true)
	return s
}

// GRPCServer exposes the underlying server so callers can register more services.
func (s *Server) GRPCServer() *grpc.Server {
	return s.server
}

// Serve listens on port until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %d: %w", port, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info(gctx, "Starting gRPC server", logger.String("address", lis.Addr().String()))
		return s.server.Serve(lis)
	})
	g.Go(func() error {
		s.probeLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		s.server.GracefulStop()
		s.log.Info(context.Background(), "gRPC server stopped")
		return nil
	})
	return g.Wait()
}

func (s *Server) probeLoop(ctx context.Context) {
	if len(s.checks) == 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe runs every check once and updates the reported status.
func (s *Server) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		healthy = true
	)
	for name, check := range s.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			if err := check(ctx); err != nil {
				s.log.Warn(ctx, "dependency check failed", logger.String("dependency", name), logger.Error(err))
				mu.Lock()
				healthy = false
				mu.Unlock()
			}
		}(name, check)
	}
	wg.Wait()
	s.setServing(healthy)
	return healthy
}

func (s *Server) setServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serving = serving
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
