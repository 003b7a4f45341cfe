// Package identity holds the config-backed identity provider and the bcrypt password check.
package identity

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
)

type staticEntry struct {
	subject     models.Subject
	authorities models.Authorities
}

// StaticProvider serves subjects declared under identity.subjects. It is immutable after construction.
type StaticProvider struct {
	byName map[string]*staticEntry
	byID   map[int64]*staticEntry
}

var _ service.IdentityProvider = (*StaticProvider)(nil)

// NewStaticProvider validates the declared subjects and indexes them by username and id.
func NewStaticProvider(subjects []config.StaticSubject) (*StaticProvider, error) {
	p := &StaticProvider{
		byName: make(map[string]*staticEntry, len(subjects)),
		byID:   make(map[int64]*staticEntry, len(subjects)),
	}
	for i, s := range subjects {
		if s.Username == "" || s.UserID == 0 {
			return nil, fmt.Errorf("identity.subjects[%d]: user_id and username are required", i)
		}
		status := models.SubjectStatus(strings.ToUpper(s.Status))
		if s.Status == "" {
			status = models.SubjectStatusActive
		}
		if !status.IsValid() {
			return nil, fmt.Errorf("identity.subjects[%d]: unknown status %q", i, s.Status)
		}
		if _, dup := p.byName[s.Username]; dup {
			return nil, fmt.Errorf("identity.subjects[%d]: duplicate username %q", i, s.Username)
		}
		if _, dup := p.byID[s.UserID]; dup {
			return nil, fmt.Errorf("identity.subjects[%d]: duplicate user_id %d", i, s.UserID)
		}

		e := &staticEntry{
			subject: models.Subject{
				UserID:       s.UserID,
				Username:     s.Username,
				Nickname:     s.Nickname,
				Email:        s.Email,
				Phone:        s.Phone,
				Status:       status,
				PasswordHash: s.PasswordHash,
			},
			authorities: *models.EmptyAuthorities(s.UserID),
		}
		e.authorities.Roles = append(e.authorities.Roles, s.Roles...)
		e.authorities.Permissions = append(e.authorities.Permissions, s.Permissions...)
		p.byName[s.Username] = e
		p.byID[s.UserID] = e
	}
	return p, nil
}

func (p *StaticProvider) FindByUsername(_ context.Context, username string) (*models.Subject, error) {
	e, ok := p.byName[username]
	if !ok {
		return nil, service.ErrSubjectNotFound
	}
	s := e.subject
	return &s, nil
}

func (p *StaticProvider) Authorities(_ context.Context, userID int64) (*models.Authorities, error) {
	e, ok := p.byID[userID]
	if !ok {
		return nil, service.ErrSubjectNotFound
	}
	a := models.Authorities{
		UserID:      userID,
		Roles:       append([]string{}, e.authorities.Roles...),
		Permissions: append([]string{}, e.authorities.Permissions...),
	}
	return &a, nil
}

// BcryptVerifier implements service.PasswordVerifier.
type BcryptVerifier struct{}

func (BcryptVerifier) Verify(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword hashes a password with the default bcrypt cost.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
