package models

import "time"

// Session is the per-subject login record. One session exists per subject; a new
// login overwrites the previous one without invalidating the earlier token.
// Session 是每个主体的登录记录。每个主体只有一个会话；新登录会覆盖旧会话，但不会使旧令牌失效。
type Session struct {
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	TokenID   string    `json:"token"`
	LoginTime time.Time `json:"loginTime"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BlacklistEntry marks a token id as revoked until ExpiresAt.
// BlacklistEntry 将令牌 ID 标记为已撤销，直到 ExpiresAt。
type BlacklistEntry struct {
	TokenID   string    `json:"tokenId"`
	UserID    int64     `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RevocationEvent is published on logout so peer regions can converge their blacklists.
type RevocationEvent struct {
	TokenID   string    `json:"tokenId"`
	UserID    int64     `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Origin    string    `json:"origin"`
	TraceID   string    `json:"traceId,omitempty"`
}

// AuditEventType enumerates the authentication events written to the audit stream.
type AuditEventType string

const (
	AuditLoginSucceeded AuditEventType = "login.succeeded"
	AuditLoginFailed    AuditEventType = "login.failed"
	AuditLogout         AuditEventType = "logout"
)

// AuditEvent records an authentication outcome.
type AuditEvent struct {
	Type      AuditEventType `json:"type"`
	UserID    int64          `json:"userId,omitempty"`
	Username  string         `json:"username,omitempty"`
	TokenID   string         `json:"tokenId,omitempty"`
	Code      string         `json:"code,omitempty"`
	ClientIP  string         `json:"clientIp,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
