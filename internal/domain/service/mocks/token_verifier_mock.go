package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/turtacn/atlas/internal/domain/models"
)

type MockTokenVerifier struct {
	mock.Mock
}

func (m *MockTokenVerifier) Parse(tokenString string) (*models.Token, error) {
	args := m.Called(tokenString)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Token), args.Error(1)
}
