package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/atlas/internal/domain/models"
)

type MockRevocationStore struct {
	mock.Mock
}

func (m *MockRevocationStore) SaveSession(ctx context.Context, session *models.Session, ttl time.Duration) error {
	args := m.Called(ctx, session, ttl)
	return args.Error(0)
}

func (m *MockRevocationStore) GetSession(ctx context.Context, userID int64) (*models.Session, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *MockRevocationStore) DeleteSession(ctx context.Context, userID int64) {
	m.Called(ctx, userID)
}

func (m *MockRevocationStore) AddToBlacklist(ctx context.Context, tokenID string, userID int64, ttl time.Duration) error {
	args := m.Called(ctx, tokenID, userID, ttl)
	return args.Error(0)
}

func (m *MockRevocationStore) IsBlacklisted(ctx context.Context, tokenID string) bool {
	args := m.Called(ctx, tokenID)
	return args.Bool(0)
}
