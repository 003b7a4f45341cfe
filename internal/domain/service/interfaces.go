package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/turtacn/atlas/internal/domain/models"
)

// IssueRequest describes the subject a token is issued for. SubjectID and SubjectName are
// required; nil Roles or Permissions are issued as empty lists.
// IssueRequest 描述令牌签发的主体。SubjectID 与 SubjectName 为必填；nil 的角色或权限按空列表签发。
type IssueRequest struct {
	SubjectID   int64
	SubjectName string
	Roles       []string
	Permissions []string
}

// TokenIssuer signs access tokens with the current key epoch.
// TokenIssuer 使用当前密钥周期签发访问令牌。
type TokenIssuer interface {
	// Issue signs a new token and returns the compact form plus its decoded copy.
	// A signing failure means the key material is unusable and is not retried.
	// Issue 签发新令牌并返回紧凑形式及其解码副本。签名失败意味着密钥材料不可用，不会重试。
	Issue(ctx context.Context, req IssueRequest) (*models.SignedToken, error)

	// TTL returns the process-wide token lifetime.
	// TTL 返回进程级的令牌有效期。
	TTL() time.Duration
}

// TokenVerifier checks structure, signature and expiry of a compact token, in that order.
// Every failure is returned as a *TokenError.
// TokenVerifier 依次检查紧凑令牌的结构、签名与过期时间。所有失败均以 *TokenError 返回。
type TokenVerifier interface {
	Parse(tokenString string) (*models.Token, error)
}

// KeySource resolves the public key of a key epoch.
// KeySource 解析某个密钥周期的公钥。
type KeySource interface {
	// PublicKey returns the key for kid, or ErrUnknownKey.
	PublicKey(kid string) (*rsa.PublicKey, error)
}

// ErrUnknownKey is returned by a KeySource that has no key for the requested kid.
var ErrUnknownKey = errors.New("unknown key id")

// RevocationStore keeps the session and blacklist keyspaces in the shared cache.
// RevocationStore 在共享缓存中维护会话与黑名单两个键空间。
//
//go:generate mockery --name RevocationStore --output mocks --outpkg mocks
type RevocationStore interface {
	// SaveSession overwrites the subject's session unconditionally.
	// SaveSession 无条件覆盖主体的会话。
	SaveSession(ctx context.Context, session *models.Session, ttl time.Duration) error

	// GetSession returns the subject's session or ErrSessionNotFound.
	// GetSession 返回主体的会话，或 ErrSessionNotFound。
	GetSession(ctx context.Context, userID int64) (*models.Session, error)

	// DeleteSession removes the subject's session. Failures are logged and swallowed.
	// DeleteSession 删除主体的会话。失败仅记录日志，不向上返回。
	DeleteSession(ctx context.Context, userID int64)

	// AddToBlacklist revokes tokenID for ttl. Re-adding an existing entry is a no-op success.
	// AddToBlacklist 在 ttl 内撤销 tokenID。重复添加已存在的条目视为成功的空操作。
	AddToBlacklist(ctx context.Context, tokenID string, userID int64, ttl time.Duration) error

	// IsBlacklisted reports whether tokenID is revoked. It fails open: when the cache
	// cannot be reached the answer is false.
	// IsBlacklisted 报告 tokenID 是否已撤销。缓存不可达时返回 false（失败放行）。
	IsBlacklisted(ctx context.Context, tokenID string) bool
}

// ErrSessionNotFound is returned by GetSession when no session is stored.
var ErrSessionNotFound = errors.New("session not found")

// IdentityProvider looks up subjects and their authorities.
// IdentityProvider 查询主体及其权限。
//
//go:generate mockery --name IdentityProvider --output mocks --outpkg mocks
type IdentityProvider interface {
	// FindByUsername returns the subject or ErrSubjectNotFound.
	FindByUsername(ctx context.Context, username string) (*models.Subject, error)

	// Authorities returns the roles and permissions of the subject.
	Authorities(ctx context.Context, userID int64) (*models.Authorities, error)
}

// ErrSubjectNotFound is returned by an IdentityProvider for unknown usernames.
var ErrSubjectNotFound = errors.New("subject not found")

// EventPublisher emits revocation and audit events. Publishing is best-effort.
// EventPublisher 发布撤销与审计事件。发布为尽力而为。
//
//go:generate mockery --name EventPublisher --output mocks --outpkg mocks
type EventPublisher interface {
	PublishRevocation(ctx context.Context, event models.RevocationEvent) error
	PublishAudit(ctx context.Context, event models.AuditEvent) error
	Close() error
}

// PasswordVerifier compares a plaintext password with a stored hash.
type PasswordVerifier interface {
	Verify(hash, password string) bool
}
