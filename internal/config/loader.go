package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/turtacn/atlas/pkg/constants"
)

// EnvPrefix is the prefix of environment overrides, e.g. ATLAS_REDIS_PASSWORD.
const EnvPrefix = "ATLAS"

// setDefaults registers a default for every key so env overrides work without a file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", constants.DefaultShutdownTimeout.String())
	v.SetDefault("server.enable_pprof", false)
	v.SetDefault("server.login_rate_limit.enabled", true)
	v.SetDefault("server.login_rate_limit.replenish_rate", 1.0)
	v.SetDefault("server.login_rate_limit.burst_capacity", 10)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.grpc_rate_limit.enabled", false)
	v.SetDefault("server.grpc_rate_limit.replenish_rate", 50.0)
	v.SetDefault("server.grpc_rate_limit.burst_capacity", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.operation_timeout", constants.DefaultRedisOperationTimeout.String())

	v.SetDefault("jwt.algorithm", string(constants.DefaultJWTAlgorithm))
	v.SetDefault("jwt.ttl", constants.DefaultTokenTTL.String())
	v.SetDefault("jwt.issuer", constants.DefaultIssuer)

	v.SetDefault("vault.timeout", "5s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("identity.provider", IdentityProviderStatic)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.revocation_topic", "atlas.token.revocations")
	v.SetDefault("kafka.audit_topic", "atlas.auth.audit")
	v.SetDefault("kafka.group_id", "atlas")
	v.SetDefault("kafka.origin", "default")
	v.SetDefault("kafka.write_timeout", "2s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "atlas")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("atlas.gateway.auth.mode", GatewayAuthModeIntrospect)
	v.SetDefault("atlas.gateway.auth.issuer_url", "http://localhost:8080")
	v.SetDefault("atlas.gateway.auth.introspection_timeout", constants.DefaultIntrospectionTimeout.String())
	v.SetDefault("atlas.gateway.auth.key_fetch_timeout", constants.DefaultKeyFetchTimeout.String())
	v.SetDefault("atlas.gateway.auth.key_cache_ttl", constants.DefaultKeyCacheTTL.String())
	v.SetDefault("atlas.gateway.auth.check_blacklist", true)
	v.SetDefault("atlas.gateway.auth.key_source", GatewayKeySourcePublicKey)
	v.SetDefault("atlas.gateway.upstream_timeout", constants.DefaultUpstreamTimeout.String())
	v.SetDefault("atlas.gateway.whitelist.enabled", true)
	v.SetDefault("atlas.gateway.cors.allowed_origins", "*")
	v.SetDefault("atlas.gateway.cors.allowed_methods", "GET,POST,PUT,DELETE,OPTIONS")
	v.SetDefault("atlas.gateway.cors.allowed_headers", "*")
	v.SetDefault("atlas.gateway.cors.allow_credentials", true)
	v.SetDefault("atlas.gateway.cors.max_age", "1h")
}

// NewViper builds a viper instance with defaults, the config file and env overrides applied.
// When configFile is empty, config.yaml is searched in the working directory, ./configs
// and /etc/atlas; a missing file is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/atlas/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Decode unmarshals the current viper state.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig loads the configuration from file and environment variables.
func LoadConfig(configFile string) (*Config, *viper.Viper, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}
