package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/atlas/internal/domain/models"
)

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishRevocation(ctx context.Context, event models.RevocationEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishAudit(ctx context.Context, event models.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}
