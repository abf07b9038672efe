package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-collab/internal/types"
)

type NotificationRepository interface {
	Ping() error
	CreateNotification(ctx context.Context, n types.Notification) (types.Notification, error)
	GetNotification(ctx context.Context, id string) (types.Notification, error)
	ListNotifications(ctx context.Context, userId string, unreadOnly bool, limit int) ([]types.Notification, error)
	CountUnread(ctx context.Context, userId string) (int, error)
	// MarkRead reports whether an unread row owned by userId was changed.
	MarkRead(ctx context.Context, id, userId string, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, userId string, at time.Time) (int, error)
	GetPreferences(ctx context.Context, userId string) (types.NotificationPreferences, error)
	UpsertPreferences(ctx context.Context, prefs types.NotificationPreferences) (types.NotificationPreferences, error)
}

var _ NotificationRepository = (*DBConn)(nil)
