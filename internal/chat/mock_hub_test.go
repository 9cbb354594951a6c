package chat_test

import (
	"context"

	"go-chat-client/internal/credential"
	"go-chat-client/internal/realtime"

	"github.com/stretchr/testify/mock"
)

// MockHub is a testify mock of the hub connection. Subscribe is not mocked;
// tests that start the client use a real manager.
type MockHub struct {
	mock.Mock
}

func (m *MockHub) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockHub) Stop() { m.Called() }

func (m *MockHub) State() realtime.State {
	return m.Called().Get(0).(realtime.State)
}

func (m *MockHub) Subscribe() *realtime.Subscription {
	panic("MockHub does not support Subscribe")
}

func (m *MockHub) JoinRoom(ctx context.Context, identity credential.Identity, roomName string) error {
	return m.Called(ctx, identity, roomName).Error(0)
}

func (m *MockHub) LeaveRoom(ctx context.Context, identity credential.Identity, roomName string) error {
	return m.Called(ctx, identity, roomName).Error(0)
}

func (m *MockHub) SendMessage(ctx context.Context, identity credential.Identity, body, roomName string) error {
	return m.Called(ctx, identity, body, roomName).Error(0)
}
