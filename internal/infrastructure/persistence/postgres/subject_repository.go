package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/logger"
)

const (
	findByUsernameSQL = `
		SELECT id, username, password_hash, nickname, email, phone, avatar, status
		FROM atlas_users
		WHERE username = $1`

	rolesSQL = `
		SELECT role FROM atlas_user_roles
		WHERE user_id = $1
		ORDER BY role`

	permissionsSQL = `
		SELECT DISTINCT rp.permission
		FROM atlas_role_permissions rp
		JOIN atlas_user_roles ur ON ur.role = rp.role
		WHERE ur.user_id = $1
		ORDER BY rp.permission`
)

// SubjectRepository is the postgres-backed identity provider.
type SubjectRepository struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

var _ service.IdentityProvider = (*SubjectRepository)(nil)

// NewSubjectRepository creates the repository over an open pool.
func NewSubjectRepository(pool *pgxpool.Pool, log logger.Logger) *SubjectRepository {
	return &SubjectRepository{pool: pool, logger: log.WithComponent("subject-repository")}
}

func (r *SubjectRepository) FindByUsername(ctx context.Context, username string) (*models.Subject, error) {
	var (
		s                              models.Subject
		status                         string
		nickname, email, phone, avatar *string
	)
	err := r.pool.QueryRow(ctx, findByUsernameSQL, username).Scan(
		&s.UserID, &s.Username, &s.PasswordHash, &nickname, &email, &phone, &avatar, &status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrSubjectNotFound
	}
	if err != nil {
		r.logger.Error(ctx, "Failed to query subject", err, logger.Username(username))
		return nil, fmt.Errorf("query subject: %w", err)
	}
	s.Nickname = deref(nickname)
	s.Email = deref(email)
	s.Phone = deref(phone)
	s.Avatar = deref(avatar)
	s.Status = models.SubjectStatus(status)
	return &s, nil
}

func (r *SubjectRepository) Authorities(ctx context.Context, userID int64) (*models.Authorities, error) {
	roles, err := r.strings(ctx, rolesSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	perms, err := r.strings(ctx, permissionsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	return &models.Authorities{UserID: userID, Roles: roles, Permissions: perms}, nil
}

func (r *SubjectRepository) strings(ctx context.Context, sql string, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
