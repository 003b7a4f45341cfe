package config

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
)

// Config holds the configuration of both atlas processes. Each process validates
// only the sections it uses.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Database DatabaseConfig `mapstructure:"database"`
	Identity IdentityConfig `mapstructure:"identity"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Atlas    AtlasConfig    `mapstructure:"atlas"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnablePprof     bool          `mapstructure:"enable_pprof"`
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For is believed.
	// Empty means the peer address is the client address.
	TrustedProxies []string `mapstructure:"trusted_proxies"`

	LoginRateLimit RateLimitConfig `mapstructure:"login_rate_limit"`
	// GRPCRateLimit applies to every unary gRPC call, keyed by peer address
	GRPCRateLimit RateLimitConfig `mapstructure:"grpc_rate_limit"`
}

// RateLimitConfig is a token bucket per client address.
type RateLimitConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ReplenishRate float64 `mapstructure:"replenish_rate"`
	BurstCapacity int64   `mapstructure:"burst_capacity"`
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	Mode             string        `mapstructure:"mode"`
	Addresses        []string      `mapstructure:"addresses"`
	MasterName       string        `mapstructure:"master_name"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	PoolSize         int           `mapstructure:"pool_size"`
	MinIdleConns     int           `mapstructure:"min_idle_conns"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type JWTConfig struct {
	Algorithm      string        `mapstructure:"algorithm"`
	TTL            time.Duration `mapstructure:"ttl"`
	Issuer         string        `mapstructure:"issuer"`
	KeyID          string        `mapstructure:"key_id"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	// VaultPath, when set, takes precedence over the PEM file paths.
	VaultPath string `mapstructure:"vault_path"`
	// RetiredPublicKeys are PEM files of earlier epochs that still verify.
	RetiredPublicKeys []string `mapstructure:"retired_public_keys"`
}

type VaultConfig struct {
	Address string        `mapstructure:"address"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// IdentityConfig selects the subject lookup backend.
type IdentityConfig struct {
	Provider string          `mapstructure:"provider"` // static | postgres
	Subjects []StaticSubject `mapstructure:"subjects"`
	// SubjectsFile is a YAML list of additional static subjects
	SubjectsFile string `mapstructure:"subjects_file"`
}

// StaticSubject declares a subject for the static identity provider.
type StaticSubject struct {
	UserID       int64    `mapstructure:"user_id" yaml:"user_id"`
	Username     string   `mapstructure:"username" yaml:"username"`
	PasswordHash string   `mapstructure:"password_hash" yaml:"password_hash"`
	Nickname     string   `mapstructure:"nickname" yaml:"nickname"`
	Email        string   `mapstructure:"email" yaml:"email"`
	Phone        string   `mapstructure:"phone" yaml:"phone"`
	Status       string   `mapstructure:"status" yaml:"status"`
	Roles        []string `mapstructure:"roles" yaml:"roles"`
	Permissions  []string `mapstructure:"permissions" yaml:"permissions"`
}

type KafkaConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	Brokers            []string `mapstructure:"brokers"`
	RevocationTopic    string   `mapstructure:"revocation_topic"`
	AuditTopic         string   `mapstructure:"audit_topic"`
	GroupID            string   `mapstructure:"group_id"`
	ConsumeRevocations bool     `mapstructure:"consume_revocations"`

	// Origin names this region; consumers skip events they published themselves.
	Origin       string        `mapstructure:"origin"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// AtlasConfig is the namespace the configuration-change source reports keys under.
type AtlasConfig struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
}

// GatewayConfig holds the enforcer settings. Routes, Whitelist and CORS are hot-reloadable.
type GatewayConfig struct {
	Auth            GatewayAuthConfig `mapstructure:"auth"`
	UpstreamTimeout time.Duration     `mapstructure:"upstream_timeout"`
	Routes          []RouteConfig     `mapstructure:"routes"`
	Whitelist       WhitelistConfig   `mapstructure:"whitelist"`
	CORS            CORSConfig        `mapstructure:"cors"`
}

// GatewayAuthConfig selects how non-whitelisted requests are verified.
type GatewayAuthConfig struct {
	Mode                 string        `mapstructure:"mode"` // introspect | local
	IssuerURL            string        `mapstructure:"issuer_url"`
	IntrospectionTimeout time.Duration `mapstructure:"introspection_timeout"`
	KeyFetchTimeout      time.Duration `mapstructure:"key_fetch_timeout"`
	KeyCacheTTL          time.Duration `mapstructure:"key_cache_ttl"`
	// KeySource picks the issuer endpoint local mode reads keys from: public_key | jwks
	KeySource string `mapstructure:"key_source"`
	// CheckBlacklist makes local mode consult the shared revocation store.
	CheckBlacklist bool `mapstructure:"check_blacklist"`
}

// RouteConfig is one raw route entry. Predicates and filters use Name=arg1,arg2 syntax.
type RouteConfig struct {
	ID         string   `mapstructure:"id"`
	URI        string   `mapstructure:"uri"`
	Predicates []string `mapstructure:"predicates"`
	Filters    []string `mapstructure:"filters"`
}

type WhitelistConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Paths   []string `mapstructure:"paths"`
}

type CORSConfig struct {
	AllowedOrigins   string        `mapstructure:"allowed_origins"`
	AllowedMethods   string        `mapstructure:"allowed_methods"`
	AllowedHeaders   string        `mapstructure:"allowed_headers"`
	ExposedHeaders   string        `mapstructure:"exposed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

const (
	GatewayAuthModeIntrospect = "introspect"
	GatewayAuthModeLocal      = "local"

	GatewayKeySourcePublicKey = "public_key"
	GatewayKeySourceJWKS      = "jwks"

	IdentityProviderStatic   = "static"
	IdentityProviderPostgres = "postgres"
)

// ValidateAuthServer checks the settings the issuer cannot start without.
// A missing signing key source is a configuration error and fails the boot.
func (c *Config) ValidateAuthServer() error {
	var err error
	err = multierr.Append(err, c.validateCommon())
	if c.JWT.TTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("jwt.ttl must be positive, got %s", c.JWT.TTL))
	}
	if c.JWT.Algorithm != "RS256" {
		err = multierr.Append(err, fmt.Errorf("jwt.algorithm %q is not supported", c.JWT.Algorithm))
	}
	if c.JWT.VaultPath == "" && c.JWT.PrivateKeyPath == "" {
		err = multierr.Append(err, fmt.Errorf("jwt.private_key_path or jwt.vault_path is required"))
	}
	if rl := c.Server.GRPCRateLimit; rl.Enabled && (rl.ReplenishRate <= 0 || rl.BurstCapacity <= 0) {
		err = multierr.Append(err, fmt.Errorf("server.grpc_rate_limit needs a positive replenish_rate and burst_capacity"))
	}
	if c.JWT.VaultPath != "" && c.Vault.Address == "" {
		err = multierr.Append(err, fmt.Errorf("vault.address is required when jwt.vault_path is set"))
	}
	switch c.Identity.Provider {
	case IdentityProviderStatic:
	case IdentityProviderPostgres:
		if c.Database.Host == "" {
			err = multierr.Append(err, fmt.Errorf("database.host is required for the postgres identity provider"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("identity.provider %q is not supported", c.Identity.Provider))
	}
	return err
}

// ValidateGateway checks the enforcer settings. Individual route entries are not
// validated here; the routing compiler skips bad entries instead of failing the boot.
func (c *Config) ValidateGateway() error {
	var err error
	err = multierr.Append(err, c.validateCommon())
	g := c.Atlas.Gateway
	switch g.Auth.Mode {
	case GatewayAuthModeIntrospect, GatewayAuthModeLocal:
	default:
		err = multierr.Append(err, fmt.Errorf("atlas.gateway.auth.mode %q is not supported", g.Auth.Mode))
	}
	switch g.Auth.KeySource {
	case "", GatewayKeySourcePublicKey, GatewayKeySourceJWKS:
	default:
		err = multierr.Append(err, fmt.Errorf("atlas.gateway.auth.key_source %q is not supported", g.Auth.KeySource))
	}
	if g.Auth.IssuerURL == "" {
		err = multierr.Append(err, fmt.Errorf("atlas.gateway.auth.issuer_url is required"))
	}
	if g.Auth.IntrospectionTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("atlas.gateway.auth.introspection_timeout must be positive"))
	}
	return err
}

func (c *Config) validateCommon() error {
	var err error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	for _, p := range c.Server.TrustedProxies {
		if _, _, cidrErr := net.ParseCIDR(p); cidrErr != nil && net.ParseIP(p) == nil {
			err = multierr.Append(err, fmt.Errorf("server.trusted_proxies entry %q is neither an IP nor a CIDR", p))
		}
	}
	if len(c.Redis.Addresses) == 0 {
		err = multierr.Append(err, fmt.Errorf("redis.addresses must not be empty"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		err = multierr.Append(err, fmt.Errorf("kafka.brokers must not be empty when kafka is enabled"))
	}
	return err
}
