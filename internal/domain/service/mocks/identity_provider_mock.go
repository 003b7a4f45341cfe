package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/atlas/internal/domain/models"
)

type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) FindByUsername(ctx context.Context, username string) (*models.Subject, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subject), args.Error(1)
}

func (m *MockIdentityProvider) Authorities(ctx context.Context, userID int64) (*models.Authorities, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Authorities), args.Error(1)
}
