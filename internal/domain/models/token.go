// Package models defines the domain models shared by the atlas auth server and gateway.
// This file contains the Token domain model.
package models

import (
	"time"
)

// Token is the decoded view of a signed access token. It is immutable once signed;
// revocation is tracked externally and never embedded.
// Token 是已签名访问令牌的解码视图。签名后不可变；撤销状态在外部跟踪，从不嵌入令牌。
type Token struct {
	// TokenID is the jti claim, a random UUID unique across all issued tokens.
	// TokenID 是 jti 声明，一个在所有已签发令牌中唯一的随机 UUID。
	TokenID string `json:"tokenId"`

	// SubjectID identifies the subject to whom the token was issued.
	// SubjectID 标识令牌签发给的主体。
	SubjectID int64 `json:"subjectId"`

	// SubjectName is the login name of the subject.
	// SubjectName 是主体的登录名。
	SubjectName string `json:"subjectName"`

	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`

	// IssuedAt and ExpiresAt are whole seconds; ExpiresAt - IssuedAt equals the configured TTL.
	// IssuedAt 与 ExpiresAt 精确到秒；两者之差等于配置的 TTL。
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// KeyID names the key epoch that signed the token.
	// KeyID 标识签名该令牌的密钥周期。
	KeyID string `json:"keyId"`

	// Raw is the compact serialized form presented by clients.
	// Raw 是客户端提交的紧凑序列化形式。
	Raw string `json:"-"`
}

// SignedToken pairs the compact token with its decoded copy.
type SignedToken struct {
	Compact string
	Token   *Token
}

// RemainingLifetime returns how long the token stays valid after now. Zero or less means expired.
func (t *Token) RemainingLifetime(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// IsExpired reports whether now is at or past the expiry instant.
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TokenFromClaims builds the decoded view from verified claims.
func TokenFromClaims(c *Claims, keyID, raw string) *Token {
	t := &Token{
		TokenID:     c.ID,
		SubjectID:   c.UserID,
		SubjectName: c.Username,
		Roles:       nonNil(c.Roles),
		Permissions: nonNil(c.Permissions),
		KeyID:       keyID,
		Raw:         raw,
	}
	if c.IssuedAt != nil {
		t.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		t.ExpiresAt = c.ExpiresAt.Time
	}
	return t
}

// Principal converts the token into the request-scoped principal.
func (t *Token) Principal() *Principal {
	return &Principal{
		SubjectID:   t.SubjectID,
		SubjectName: t.SubjectName,
		Roles:       nonNil(t.Roles),
		Permissions: nonNil(t.Permissions),
		TokenID:     t.TokenID,
		ExpiresAt:   t.ExpiresAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
