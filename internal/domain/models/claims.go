package models

import "github.com/golang-jwt/jwt/v5"

// Claims represents the JWT claims carried by every atlas access token.
// It embeds the standard jwt.RegisteredClaims (jti, iat, exp, iss) and adds the subject fields.
// Claims 代表 atlas 访问令牌携带的 JWT 声明。
// 它嵌入了标准的 jwt.RegisteredClaims（jti、iat、exp、iss），并添加了主体字段。
type Claims struct {
	jwt.RegisteredClaims
	// UserID is the identifier of the authenticated subject.
	// UserID 是已认证主体的标识符。
	UserID int64 `json:"userId"`
	// Username is the login name of the subject.
	// Username 是主体的登录名。
	Username string `json:"username"`
	// Roles granted to the subject at issuance time. Never nil once issued.
	// 签发时授予主体的角色。签发后永不为 nil。
	Roles []string `json:"roles"`
	// Permissions granted to the subject at issuance time. Never nil once issued.
	// 签发时授予主体的权限。签发后永不为 nil。
	Permissions []string `json:"permissions"`
}

// TokenID returns the jti claim.
func (c *Claims) TokenID() string {
	return c.ID
}
