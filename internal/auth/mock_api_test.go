package auth_test

import (
	"context"

	"go-chat-client/internal/auth"

	"github.com/stretchr/testify/mock"
)

// MockAPI is a testify mock of the auth endpoint.
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) Register(ctx context.Context, req auth.RegisterRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockAPI) Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(auth.LoginResponse), args.Error(1)
}
