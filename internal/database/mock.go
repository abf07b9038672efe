package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-collab/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockNotificationRepository struct {
	mock.Mock
}

func (m *MockNotificationRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockNotificationRepository) CreateNotification(ctx context.Context, n types.Notification) (types.Notification, error) {
	args := m.Called(ctx, n)
	if fn, ok := args.Get(0).(func(context.Context, types.Notification) types.Notification); ok {
		return fn(ctx, n), args.Error(1)
	}
	return args.Get(0).(types.Notification), args.Error(1)
}
func (m *MockNotificationRepository) GetNotification(ctx context.Context, id string) (types.Notification, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Notification), args.Error(1)
}
func (m *MockNotificationRepository) ListNotifications(ctx context.Context, userId string, unreadOnly bool, limit int) ([]types.Notification, error) {
	args := m.Called(ctx, userId, unreadOnly, limit)
	if ns, ok := args.Get(0).([]types.Notification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNotificationRepository) CountUnread(ctx context.Context, userId string) (int, error) {
	args := m.Called(ctx, userId)
	return args.Int(0), args.Error(1)
}
func (m *MockNotificationRepository) MarkRead(ctx context.Context, id, userId string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, userId, at)
	return args.Bool(0), args.Error(1)
}
func (m *MockNotificationRepository) MarkAllRead(ctx context.Context, userId string, at time.Time) (int, error) {
	args := m.Called(ctx, userId, at)
	return args.Int(0), args.Error(1)
}
func (m *MockNotificationRepository) GetPreferences(ctx context.Context, userId string) (types.NotificationPreferences, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(types.NotificationPreferences), args.Error(1)
}
func (m *MockNotificationRepository) UpsertPreferences(ctx context.Context, prefs types.NotificationPreferences) (types.NotificationPreferences, error) {
	args := m.Called(ctx, prefs)
	return args.Get(0).(types.NotificationPreferences), args.Error(1)
}

var _ NotificationRepository = (*MockNotificationRepository)(nil)
