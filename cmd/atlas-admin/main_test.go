package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/infrastructure/postgres"
	"github.com/turtacn/atlas/pkg/logger"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useSQLite(t *testing.T) *postgres.SubjectAdminRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	repo := postgres.NewSubjectAdminRepository(db, logger.NewNoopLogger())
	require.NoError(t, repo.Migrate(context.Background()))

	prev := adminRepo
	adminRepo = func(context.Context, *rootOptions) (*postgres.SubjectAdminRepository, error) {
		return repo, nil
	}
	t.Cleanup(func() { adminRepo = prev })
	return repo
}

func TestKeyGenerateAndJWK(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "key", "generate", "--kid", "k-test", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "kid: k-test")

	info, err := os.Stat(filepath.Join(dir, "private.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err = execute(t, "key", "jwk", "--public-key", filepath.Join(dir, "public.pem"))
	require.NoError(t, err)

	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Alg string `json:"alg"`
			Use string `json:"use"`
		} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RSA", set.Keys[0].Kty)
	assert.Equal(t, "RS256", set.Keys[0].Alg)
	assert.Equal(t, "sig", set.Keys[0].Use)
	assert.NotEmpty(t, set.Keys[0].Kid)
}

func TestKeyJWK_RequiresInput(t *testing.T) {
	_, err := execute(t, "key", "jwk")
	assert.Error(t, err)

	_, err = execute(t, "key", "jwk", "--public-key", filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestUserCommands(t *testing.T) {
	repo := useSQLite(t)
	ctx := context.Background()

	out, err := execute(t, "user", "create", "--username", "alice", "--password", "s3cret-pw", "--email", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "created user alice")

	s, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pw", s.PasswordHash)

	_, err = execute(t, "user", "grant", "--username", "alice", "--role", "admin")
	require.NoError(t, err)
	_, err = execute(t, "role", "grant", "--role", "admin", "--permission", "user:write")
	require.NoError(t, err)

	auth, err := repo.Authorities(ctx, s.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, auth.Roles)
	assert.Equal(t, []string{"user:write"}, auth.Permissions)

	_, err = execute(t, "user", "status", "--username", "alice", "--status", "locked")
	require.NoError(t, err)
	s, err = repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SubjectStatusLocked, s.Status)

	_, err = execute(t, "user", "status", "--username", "alice", "--status", "frozen")
	assert.Error(t, err)

	out, err = execute(t, "user", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "LOCKED")
}

func TestUserCreate_RequiresCredentials(t *testing.T) {
	useSQLite(t)
	_, err := execute(t, "user", "create", "--username", "bob")
	assert.Error(t, err)

	_, err = execute(t, "user", "create", "--username", "bob", "--password", "long-enough", "--email", "not-an-email")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email must be a valid email address")
}
