package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newSQLiteRepo(t *testing.T) *database.DBConn {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "hub.db")
	require.NoError(t, database.Migrate(database.DriverSQLite, dsn))
	db, err := database.NewDatabaseConnection(database.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUnreadCountAfterReads(t *testing.T) {
	db := newSQLiteRepo(t)
	h, _, _ := newTestHub(t, withDB(db))
	ctx := context.Background()

	c := connect(t, h, "u1")
	const created, read = 7, 3

	ids := make([]string, 0, created)
	for i := 0; i < created; i++ {
		n, err := h.Deliver(ctx, types.Notification{
			UserId: "u1",
			Type:   types.NotificationTaskAssigned,
			Title:  fmt.Sprintf("assigned %d", i),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, n.Id, "expected delivery to assign an id")
		ids = append(ids, n.Id)
	}

	count, err := h.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, created, count)

	for _, id := range ids[:read] {
		_, err := h.MarkNotificationRead(ctx, c, id)
		require.NoError(t, err)
	}
	// marking twice changes nothing
	unread, err := h.MarkNotificationRead(ctx, c, ids[0])
	require.NoError(t, err)
	assert.Equal(t, created-read, unread)

	count, err = h.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, created-read, count)

	stored, err := db.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, created-read, stored, "expected the counter to agree with storage")

	changed, err := h.MarkAllNotificationsRead(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, created-read, changed)

	count, err = h.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)

	pushed := eventsOf(c, events.TypeNotificationReceived)
	assert.Len(t, pushed, created, "expected every delivery to be pushed live")
}

func TestDeliverPushesToEveryDevice(t *testing.T) {
	db := newSQLiteRepo(t)
	h, _, _ := newTestHub(t, withDB(db))
	ctx := context.Background()

	phone := connect(t, h, "u1")
	laptop := connect(t, h, "u1")
	other := connect(t, h, "u2")

	n, err := h.Deliver(ctx, types.Notification{
		UserId:    "u1",
		Type:      types.NotificationCommentMentioned,
		Title:     "You were mentioned",
		Message:   "in T1",
		ActionUrl: "/tasks/T1",
	})
	require.NoError(t, err)

	for _, c := range []*Client{phone, laptop} {
		got := eventsOf(c, events.TypeNotificationReceived)
		require.Len(t, got, 1)
		assert.Equal(t, "user:u1:notifications", got[0].GroupKey)
		payload := got[0].Payload.(events.NotificationReceived)
		assert.Equal(t, n.Id, payload.NotificationId)
		assert.Equal(t, "/tasks/T1", payload.ActionUrl)
	}
	assert.Empty(t, eventsOf(other, events.TypeNotificationReceived))
}

func TestDeliverToOfflineUserIsStored(t *testing.T) {
	db := newSQLiteRepo(t)
	h, _, _ := newTestHub(t, withDB(db))
	ctx := context.Background()

	n, err := h.Deliver(ctx, types.Notification{UserId: "away", Type: "custom", Title: "hello"})
	require.NoError(t, err)

	stored, err := db.GetNotification(ctx, n.Id)
	require.NoError(t, err)
	assert.False(t, stored.IsRead)

	count, err := h.UnreadCount(ctx, "away")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeliverRespectsPreferences(t *testing.T) {
	db := newSQLiteRepo(t)
	h, _, _ := newTestHub(t, withDB(db))
	ctx := context.Background()

	prefs := types.DefaultNotificationPreferences("u1")
	prefs.TaskAssignedEnabled = false
	_, err := db.UpsertPreferences(ctx, prefs)
	require.NoError(t, err)

	c := connect(t, h, "u1")
	_, err = h.Deliver(ctx, types.Notification{UserId: "u1", Type: types.NotificationTaskAssigned, Title: "muted"})
	require.NoError(t, err)
	_, err = h.Deliver(ctx, types.Notification{UserId: "u1", Type: types.NotificationStatusChanged, Title: "loud"})
	require.NoError(t, err)

	got := eventsOf(c, events.TypeNotificationReceived)
	require.Len(t, got, 1)
	assert.Equal(t, "loud", got[0].Payload.(events.NotificationReceived).Title)

	count, err := h.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "expected muted notifications to still be stored")
}

func TestDeliverFailsClosed(t *testing.T) {
	repo := &database.MockNotificationRepository{}
	defer repo.AssertExpectations(t)
	repo.On("CountUnread", mock.Anything, "u1").Return(4, nil).Once()
	repo.On("CreateNotification", mock.Anything, mock.Anything).
		Return(types.Notification{}, errors.New("disk full")).Once()

	h, _, _ := newTestHub(t, withDB(repo))
	ctx := context.Background()
	c := connect(t, h, "u1")

	count, err := h.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 4, count)

	_, err = h.Deliver(ctx, types.Notification{UserId: "u1", Type: "custom", Title: "lost"})
	assert.Error(t, err)
	assert.Empty(t, eventsOf(c, events.TypeNotificationReceived), "expected nothing to be pushed when persistence fails")

	count, err = h.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, count, "expected the counter to be unchanged")

	repo.AssertNotCalled(t, "GetPreferences", mock.Anything, mock.Anything)
}

func TestDeliverValidation(t *testing.T) {
	h, _, _ := newTestHub(t)

	_, err := h.Deliver(context.Background(), types.Notification{UserId: "u1", Title: "no type"})
	assert.ErrorIs(t, err, ErrInvalidNotification)
}

func TestMarkReadStorageFailure(t *testing.T) {
	repo := &database.MockNotificationRepository{}
	defer repo.AssertExpectations(t)
	repo.On("CountUnread", mock.Anything, "u1").Return(2, nil).Once()
	repo.On("MarkRead", mock.Anything, "n1", "u1", mock.Anything).Return(false, errors.New("timeout")).Once()
	repo.On("MarkAllRead", mock.Anything, "u1", mock.Anything).Return(0, errors.New("timeout")).Once()
	repo.On("MarkRead", mock.Anything, "n2", "u1", mock.Anything).Return(true, nil).Once()

	h, _, _ := newTestHub(t, withDB(repo))
	ctx := context.Background()
	c := connect(t, h, "u1")

	_, err := h.UnreadCount(ctx, "u1")
	require.NoError(t, err)

	_, err = h.MarkNotificationRead(ctx, c, "n1")
	assert.Error(t, err)
	_, err = h.MarkAllNotificationsRead(ctx, c)
	assert.Error(t, err)

	count, err := h.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "expected failed writes to leave the counter alone")

	unread, err := h.MarkNotificationRead(ctx, c, "n2")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestCountersOnlyCachedForConnectedUsers(t *testing.T) {
	db := newSQLiteRepo(t)
	h, _, _ := newTestHub(t, withDB(db))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		userId := fmt.Sprintf("offline-%d", i)
		_, err := h.Deliver(ctx, types.Notification{UserId: userId, Type: "custom", Title: "hello"})
		require.NoError(t, err)

		count, err := h.UnreadCount(ctx, userId)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}
	assert.Zero(t, h.notifications.cached(), "expected no counters for users without connections")

	// storage changes made elsewhere are visible to users without connections
	_, err := db.MarkAllRead(ctx, "offline-0", time.Now())
	require.NoError(t, err)
	count, err := h.UnreadCount(ctx, "offline-0")
	require.NoError(t, err)
	assert.Zero(t, count)

	c := connect(t, h, "u1")
	_, err = h.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.notifications.cached())

	require.NoError(t, h.Disconnect(c.Id()))
	assert.Zero(t, h.notifications.cached(), "expected the counter to be dropped with the last connection")
}
