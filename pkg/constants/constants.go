// Package constants defines system-wide constants shared by the auth server and the gateway.
package constants

import "time"

// ================================================================================
// Token Constants
// ================================================================================

// TokenType represents the type advertised to clients alongside a token.
type TokenType string

const (
	// TokenTypeBearer is the only token type issued by the auth server.
	TokenTypeBearer TokenType = "Bearer"
)

// JWTAlgorithm represents the signing algorithm for JWT tokens.
type JWTAlgorithm string

const (
	// AlgorithmRS256 is RSA PKCS#1 v1.5 with SHA-256.
	AlgorithmRS256 JWTAlgorithm = "RS256"
)

// DefaultJWTAlgorithm is the algorithm used for token signing.
const DefaultJWTAlgorithm = AlgorithmRS256

const (
	// DefaultTokenTTL is the lifetime of an access token when jwt.ttl is unset.
	DefaultTokenTTL = 2 * time.Hour

	// DefaultIssuer is the iss claim written into every token.
	DefaultIssuer = "atlas-auth"

	// DefaultRSAKeySize is the modulus size used by atlas-admin key generation.
	DefaultRSAKeySize = 2048
)

// JWT claim names.
const (
	ClaimUserID      = "userId"
	ClaimUsername    = "username"
	ClaimRoles       = "roles"
	ClaimPermissions = "permissions"
	HeaderKeyID      = "kid"
)

// ================================================================================
// Cache Key Prefixes
// ================================================================================

const (
	// SessionKeyPrefix prefixes session records, keyed by subject id.
	SessionKeyPrefix = "session:"

	// BlacklistKeyPrefix prefixes revoked token ids.
	BlacklistKeyPrefix = "token:blacklist:"

	// RateLimitKeyPrefix prefixes gateway rate limit windows.
	RateLimitKeyPrefix = "gateway:ratelimit:"
)

// ================================================================================
// HTTP Header Constants
// ================================================================================

const (
	HeaderAuthorization = "Authorization"
	HeaderTraceID       = "X-Trace-Id"
	HeaderContentType   = "Content-Type"

	// Principal headers attached by the gateway to forwarded requests.
	HeaderUserID          = "X-User-Id"
	HeaderUserName        = "X-User-Name"
	HeaderUserRoles       = "X-User-Roles"
	HeaderUserPermissions = "X-User-Permissions"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRetryAfter         = "Retry-After"

	BearerPrefix = "Bearer "
)

// PrincipalHeaders lists every header the gateway owns on forwarded requests.
var PrincipalHeaders = []string{HeaderUserID, HeaderUserName, HeaderUserRoles, HeaderUserPermissions}

// ================================================================================
// API Paths
// ================================================================================

const (
	AuthAPIPrefix      = "/api/v1/auth"
	PathLogin          = "/login"
	PathLogout         = "/logout"
	PathPublicKey      = "/public-key"
	PathIntrospect     = "/introspect"
	PathJWKS           = "/jwks"
	PathMe             = "/me"
	PathHealth         = "/health"
	PathReady          = "/ready"
	PathMetrics        = "/metrics"
	IntrospectEndpoint = AuthAPIPrefix + PathIntrospect
	PublicKeyEndpoint  = AuthAPIPrefix + PathPublicKey
	JWKSEndpoint       = AuthAPIPrefix + PathJWKS
)

// ================================================================================
// Logging Constants
// ================================================================================

// LogLevel represents the severity level of log messages.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey represents keys used in context.Context.
type ContextKey string

const (
	// ContextKeyTraceID carries the X-Trace-Id value of the current request.
	ContextKeyTraceID ContextKey = "trace_id"

	// ContextKeyAuthHolder carries the request-scoped authentication holder.
	ContextKeyAuthHolder ContextKey = "auth_holder"
)

// Gin context keys.
const (
	GinKeyTraceID    = "trace_id"
	GinKeyAuthHolder = "auth_holder"
	GinKeyRouteID    = "route_id"
)

// ================================================================================
// Timeouts
// ================================================================================

const (
	DefaultRedisOperationTimeout = 500 * time.Millisecond
	DefaultIntrospectionTimeout  = 2 * time.Second
	DefaultKeyFetchTimeout       = 2 * time.Second
	DefaultKeyCacheTTL           = 10 * time.Minute
	DefaultUpstreamTimeout       = 30 * time.Second
	DefaultShutdownTimeout       = 10 * time.Second
)
