package models

import "time"

// Principal is the authenticated caller of a single request.
// Principal 是单个请求的已认证调用方。
type Principal struct {
	SubjectID   int64     `json:"userId"`
	SubjectName string    `json:"username"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	TokenID     string    `json:"tokenId,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	return contains(p.Roles, role)
}

// HasPermission reports whether the principal holds permission.
func (p *Principal) HasPermission(permission string) bool {
	return contains(p.Permissions, permission)
}

// HasAnyRole reports whether at least one of roles is held. An empty list is satisfied.
func (p *Principal) HasAnyRole(roles ...string) bool {
	return len(roles) == 0 || containsAny(p.Roles, roles)
}

// HasAllRoles reports whether every one of roles is held.
func (p *Principal) HasAllRoles(roles ...string) bool {
	return containsAll(p.Roles, roles)
}

// HasAnyPermission reports whether at least one of permissions is held. An empty list is satisfied.
func (p *Principal) HasAnyPermission(permissions ...string) bool {
	return len(permissions) == 0 || containsAny(p.Permissions, permissions)
}

// HasAllPermissions reports whether every one of permissions is held.
func (p *Principal) HasAllPermissions(permissions ...string) bool {
	return containsAll(p.Permissions, permissions)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsAny(set, want []string) bool {
	for _, w := range want {
		if contains(set, w) {
			return true
		}
	}
	return false
}

func containsAll(set, want []string) bool {
	for _, w := range want {
		if !contains(set, w) {
			return false
		}
	}
	return true
}
