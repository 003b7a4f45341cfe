package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/logger"
)

func setupRepo(t *testing.T) *SubjectAdminRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	repo := NewSubjectAdminRepository(db, logger.NewNoopLogger())
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func TestSubjectAdmin_CreateAndFind(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	created, err := repo.CreateUser(ctx, NewUser{Username: "admin", PasswordHash: "$2a$hash", Email: "a@example.com"})
	require.NoError(t, err)
	assert.NotZero(t, created.UserID)
	assert.Equal(t, models.SubjectStatusActive, created.Status)

	found, err := repo.FindByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, created.UserID, found.UserID)
	assert.Equal(t, "$2a$hash", found.PasswordHash)

	_, err = repo.CreateUser(ctx, NewUser{Username: "admin", PasswordHash: "x"})
	assert.Error(t, err)

	_, err = repo.FindByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, service.ErrSubjectNotFound)
}

func TestSubjectAdmin_SetStatus(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	_, err := repo.CreateUser(ctx, NewUser{Username: "ops", PasswordHash: "h"})
	require.NoError(t, err)

	require.NoError(t, repo.SetStatus(ctx, "ops", models.SubjectStatusLocked))
	s, err := repo.FindByUsername(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.SubjectStatusLocked, s.Status)

	assert.Error(t, repo.SetStatus(ctx, "ops", "FROZEN"))
	assert.ErrorIs(t, repo.SetStatus(ctx, "ghost", models.SubjectStatusActive), service.ErrSubjectNotFound)
}

func TestSubjectAdmin_GrantsAreIdempotent(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	u, err := repo.CreateUser(ctx, NewUser{Username: "admin", PasswordHash: "h"})
	require.NoError(t, err)

	require.NoError(t, repo.GrantRole(ctx, "admin", "admin"))
	require.NoError(t, repo.GrantRole(ctx, "admin", "admin"))
	require.NoError(t, repo.GrantRole(ctx, "admin", "auditor"))
	require.NoError(t, repo.GrantPermission(ctx, "admin", "user:write"))
	require.NoError(t, repo.GrantPermission(ctx, "admin", "user:read"))
	require.NoError(t, repo.GrantPermission(ctx, "auditor", "user:read"))

	auth, err := repo.Authorities(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "auditor"}, auth.Roles)
	assert.Equal(t, []string{"user:read", "user:write"}, auth.Permissions)

	assert.ErrorIs(t, repo.GrantRole(ctx, "ghost", "admin"), service.ErrSubjectNotFound)

	users, err := repo.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}
