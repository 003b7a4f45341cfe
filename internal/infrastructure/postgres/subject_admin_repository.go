// Package postgres holds the gorm-based subject administration used by atlas-admin. It owns the
// schema that the pgx SubjectRepository reads.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/logger"
)

// UserRecord maps atlas_users.
type UserRecord struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"size:64;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:128;not null"`
	Nickname     string `gorm:"size:64"`
	Email        string `gorm:"size:128"`
	Phone        string `gorm:"size:32"`
	Avatar       string `gorm:"size:256"`
	Status       string `gorm:"size:16;not null;default:ACTIVE"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UserRecord) TableName() string { return "atlas_users" }

// UserRoleRecord maps atlas_user_roles.
type UserRoleRecord struct {
	UserID int64  `gorm:"primaryKey"`
	Role   string `gorm:"primaryKey;size:64"`
}

func (UserRoleRecord) TableName() string { return "atlas_user_roles" }

// RolePermissionRecord maps atlas_role_permissions.
type RolePermissionRecord struct {
	Role       string `gorm:"primaryKey;size:64"`
	Permission string `gorm:"primaryKey;size:128"`
}

func (RolePermissionRecord) TableName() string { return "atlas_role_permissions" }

func (u *UserRecord) toSubject() *models.Subject {
	return &models.Subject{
		UserID:       u.ID,
		Username:     u.Username,
		Nickname:     u.Nickname,
		Email:        u.Email,
		Phone:        u.Phone,
		Avatar:       u.Avatar,
		Status:       models.SubjectStatus(u.Status),
		PasswordHash: u.PasswordHash,
	}
}

// NewUser describes an account to create.
type NewUser struct {
	Username     string
	PasswordHash string
	Nickname     string
	Email        string
	Phone        string
}

// SubjectAdminRepository creates accounts, changes their status and grants authorities.
type SubjectAdminRepository struct {
	db     *gorm.DB
	logger logger.Logger
}

// OpenGorm opens a gorm handle over the configured postgres database.
func OpenGorm(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// NewSubjectAdminRepository wraps db.
func NewSubjectAdminRepository(db *gorm.DB, log logger.Logger) *SubjectAdminRepository {
	return &SubjectAdminRepository{db: db, logger: log.WithComponent("subject-admin")}
}

// Migrate creates or updates the identity tables.
func (r *SubjectAdminRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&UserRecord{}, &UserRoleRecord{}, &RolePermissionRecord{})
}

// CreateUser inserts an ACTIVE account.
func (r *SubjectAdminRepository) CreateUser(ctx context.Context, u NewUser) (*models.Subject, error) {
	if u.Username == "" || u.PasswordHash == "" {
		return nil, fmt.Errorf("username and password hash are required")
	}
	rec := &UserRecord{
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Nickname:     u.Nickname,
		Email:        u.Email,
		Phone:        u.Phone,
		Status:       string(models.SubjectStatusActive),
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		r.logger.Error(ctx, "Failed to create user", err, logger.Username(u.Username))
		return nil, fmt.Errorf("create user: %w", err)
	}
	r.logger.Info(ctx, "User created", logger.Username(u.Username), logger.UserID(rec.ID))
	return rec.toSubject(), nil
}

// FindByUsername returns the account or service.ErrSubjectNotFound.
func (r *SubjectAdminRepository) FindByUsername(ctx context.Context, username string) (*models.Subject, error) {
	var rec UserRecord
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, service.ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return rec.toSubject(), nil
}

// SetStatus changes the account status.
func (r *SubjectAdminRepository) SetStatus(ctx context.Context, username string, status models.SubjectStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown status %q", status)
	}
	res := r.db.WithContext(ctx).Model(&UserRecord{}).
		Where("username = ?", username).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return service.ErrSubjectNotFound
	}
	r.logger.Info(ctx, "User status changed", logger.Username(username), logger.String("status", string(status)))
	return nil
}

// GrantRole assigns role to the account. Granting an existing role is a no-op.
func (r *SubjectAdminRepository) GrantRole(ctx context.Context, username, role string) error {
	s, err := r.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserRoleRecord{UserID: s.UserID, Role: role}).Error
}

// GrantPermission attaches permission to role. Granting an existing pair is a no-op.
func (r *SubjectAdminRepository) GrantPermission(ctx context.Context, role, permission string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RolePermissionRecord{Role: role, Permission: permission}).Error
}

// Authorities mirrors the read path of the pgx repository so admins can inspect grants.
func (r *SubjectAdminRepository) Authorities(ctx context.Context, userID int64) (*models.Authorities, error) {
	out := models.EmptyAuthorities(userID)
	if err := r.db.WithContext(ctx).Model(&UserRoleRecord{}).
		Where("user_id = ?", userID).Order("role").
		Pluck("role", &out.Roles).Error; err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&RolePermissionRecord{}).
		Distinct("atlas_role_permissions.permission").
		Joins("JOIN atlas_user_roles ON atlas_user_roles.role = atlas_role_permissions.role").
		Where("atlas_user_roles.user_id = ?", userID).
		Order("atlas_role_permissions.permission").
		Pluck("atlas_role_permissions.permission", &out.Permissions).Error; err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	return out, nil
}

// ListUsers returns every account ordered by id.
func (r *SubjectAdminRepository) ListUsers(ctx context.Context) ([]*models.Subject, error) {
	var recs []UserRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]*models.Subject, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toSubject())
	}
	return out, nil
}
