// Package redis provides the shared-cache connection and the revocation store built on it.
// It supports standalone, cluster, and sentinel deployment modes with connection pooling.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/pkg/logger"
)

// ConnectionMode defines Redis deployment mode
type ConnectionMode string

const (
	// ModeStandalone represents single Redis instance
	ModeStandalone ConnectionMode = "standalone"
	// ModeCluster represents Redis cluster mode
	ModeCluster ConnectionMode = "cluster"
	// ModeSentinel represents Redis sentinel mode for high availability
	ModeSentinel ConnectionMode = "sentinel"
)

// RedisConnection manages Redis client lifecycle and health monitoring.
type RedisConnection struct {
	config *config.RedisConfig
	client redis.UniversalClient
	logger logger.Logger
}

// NewRedisConnection creates a new Redis connection manager instance.
//
// Parameters:
//   - cfg: Redis configuration
//   - log: Logger instance
//
// Returns:
//   - *RedisConnection: connection manager, not yet connected
func NewRedisConnection(cfg *config.RedisConfig, log logger.Logger) *RedisConnection {
	return &RedisConnection{
		config: cfg,
		logger: log.WithComponent("redis"),
	}
}

// NewRedisConnectionFromClient wraps an existing client. It is used by tests and tools.
func NewRedisConnectionFromClient(client redis.UniversalClient, log logger.Logger) *RedisConnection {
	return &RedisConnection{
		config: &config.RedisConfig{Mode: string(ModeStandalone)},
		client: client,
		logger: log.WithComponent("redis"),
	}
}

// Connect establishes the Redis connection based on the configured mode and verifies it with PING.
func (rc *RedisConnection) Connect(ctx context.Context) error {
	if rc.client != nil {
		rc.logger.Warn(ctx, "Redis connection already initialized")
		return nil
	}

	client, err := rc.newClient()
	if err != nil {
		rc.logger.Error(ctx, "Failed to establish Redis connection", err,
			logger.String("mode", rc.config.Mode),
		)
		return fmt.Errorf("redis connection failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		rc.logger.Error(ctx, "Redis ping failed", err)
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	rc.client = client
	rc.logger.Info(ctx, "Redis connection established successfully",
		logger.String("mode", rc.config.Mode),
		logger.Strings("addresses", rc.config.Addresses),
		logger.Int("pool_size", rc.config.PoolSize),
	)
	return nil
}

func (rc *RedisConnection) newClient() (redis.UniversalClient, error) {
	if len(rc.config.Addresses) == 0 {
		return nil, fmt.Errorf("redis addresses not configured")
	}

	switch ConnectionMode(rc.config.Mode) {
	case ModeStandalone, "":
		return redis.NewClient(&redis.Options{
			Addr:         rc.config.Addresses[0],
			Password:     rc.config.Password,
			DB:           rc.config.DB,
			PoolSize:     rc.config.PoolSize,
			MinIdleConns: rc.config.MinIdleConns,
			DialTimeout:  rc.config.DialTimeout,
		}), nil
	case ModeCluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        rc.config.Addresses,
			Password:     rc.config.Password,
			PoolSize:     rc.config.PoolSize,
			MinIdleConns: rc.config.MinIdleConns,
			DialTimeout:  rc.config.DialTimeout,
		}), nil
	case ModeSentinel:
		if rc.config.MasterName == "" {
			return nil, fmt.Errorf("sentinel master name not configured")
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    rc.config.MasterName,
			SentinelAddrs: rc.config.Addresses,
			Password:      rc.config.Password,
			DB:            rc.config.DB,
			PoolSize:      rc.config.PoolSize,
			MinIdleConns:  rc.config.MinIdleConns,
			DialTimeout:   rc.config.DialTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported Redis mode: %s", rc.config.Mode)
	}
}

// Client returns the Redis client, or nil before Connect.
func (rc *RedisConnection) Client() redis.UniversalClient {
	return rc.client
}

// Ping checks Redis server connectivity.
func (rc *RedisConnection) Ping(ctx context.Context) error {
	if rc.client == nil {
		return fmt.Errorf("redis connection not initialized")
	}
	return rc.client.Ping(ctx).Err()
}

// HealthCheck reports connectivity, latency and pool statistics.
func (rc *RedisConnection) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	if rc.client == nil {
		return nil, fmt.Errorf("redis connection not initialized")
	}

	health := make(map[string]interface{})
	start := time.Now()
	err := rc.client.Ping(ctx).Err()
	health["connected"] = err == nil
	health["latency_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		health["error"] = err.Error()
		return health, err
	}

	stats := rc.client.PoolStats()
	health["total_conns"] = stats.TotalConns
	health["idle_conns"] = stats.IdleConns
	health["pool_timeouts"] = stats.Timeouts
	return health, nil
}

// Close gracefully closes the connection.
func (rc *RedisConnection) Close() error {
	if rc.client == nil {
		return nil
	}
	if err := rc.client.Close(); err != nil {
		rc.logger.Error(context.Background(), "Failed to close Redis connection", err)
		return err
	}
	rc.client = nil
	rc.logger.Info(context.Background(), "Redis connection closed successfully")
	return nil
}
