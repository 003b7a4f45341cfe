package models

// SubjectStatus is the lifecycle state of an account.
// SubjectStatus 是账户的生命周期状态。
type SubjectStatus string

const (
	SubjectStatusActive   SubjectStatus = "ACTIVE"
	SubjectStatusInactive SubjectStatus = "INACTIVE"
	SubjectStatusLocked   SubjectStatus = "LOCKED"
	SubjectStatusDeleted  SubjectStatus = "DELETED"
)

// IsValid reports whether s is one of the known statuses.
func (s SubjectStatus) IsValid() bool {
	switch s {
	case SubjectStatusActive, SubjectStatusInactive, SubjectStatusLocked, SubjectStatusDeleted:
		return true
	}
	return false
}

// Subject is the account returned by the identity provider.
// Subject 是身份提供方返回的账户。
type Subject struct {
	UserID       int64         `json:"userId"`
	Username     string        `json:"username"`
	Nickname     string        `json:"nickname,omitempty"`
	Email        string        `json:"email,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	Avatar       string        `json:"avatar,omitempty"`
	Status       SubjectStatus `json:"status"`
	PasswordHash string        `json:"-"`
}

// Authorities are the roles and permissions granted to a subject.
// Authorities 是授予主体的角色和权限。
type Authorities struct {
	UserID      int64    `json:"userId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// EmptyAuthorities returns a value with non-nil, empty lists.
func EmptyAuthorities(userID int64) *Authorities {
	return &Authorities{UserID: userID, Roles: []string{}, Permissions: []string{}}
}
