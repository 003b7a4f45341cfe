package dto

import "time"

// LoginRequest 登录请求 DTO
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserInfo 登录响应中的用户概要
type UserInfo struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Email    string `json:"email,omitempty"`
}

// LoginResponse 登录响应 DTO
type LoginResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"tokenType"`
	ExpiresIn int64    `json:"expiresIn"`
	User      UserInfo `json:"user"`
}

// IntrospectRequest 令牌内省请求 DTO
type IntrospectRequest struct {
	Token string `json:"token"`
}

// IntrospectResponse 令牌内省响应 DTO。active=false 时其余字段均为空。
type IntrospectResponse struct {
	Active      bool       `json:"active"`
	UserID      int64      `json:"userId,omitempty"`
	Username    string     `json:"username,omitempty"`
	Roles       []string   `json:"roles,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	TokenID     string     `json:"tokenId,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Inactive 返回统一的非活跃结果
func Inactive() *IntrospectResponse {
	return &IntrospectResponse{Active: false}
}

// PublicKeyResponse 公钥响应 DTO
type PublicKeyResponse struct {
	Algorithm    string `json:"algorithm"`
	PublicKeyPEM string `json:"publicKeyPem"`
	KeyID        string `json:"keyId"`
}

// LogoutResponse 登出响应 DTO
type LogoutResponse struct {
	TokenID string `json:"tokenId"`
}
