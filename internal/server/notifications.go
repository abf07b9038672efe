package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/npezzotti/go-collab/pkg/protocol"
	"go.uber.org/zap"
)

var ErrInvalidNotification = errors.New("invalid notification")

// unreadCounter caches a user's unread count. It is seeded from storage on
// first use and afterwards only adjusted after a successful storage write.
type unreadCounter struct {
	mu     sync.Mutex
	loaded bool
	count  int
	// refs counts in-flight calls; guarded by notifier.mu.
	refs int
}

type notifier struct {
	db         database.NotificationRepository
	dispatcher *Dispatcher
	stats      stats.StatsProvider
	log        *zap.Logger
	// connected reports whether the user has a live connection. Counters are
	// only cached for connected users.
	connected func(userId string) bool
	mu        sync.Mutex
	counters  map[string]*unreadCounter
}

func newNotifier(db database.NotificationRepository, d *Dispatcher, connected func(string) bool, su stats.StatsProvider, log *zap.Logger) *notifier {
	return &notifier{
		db:         db,
		dispatcher: d,
		stats:      su,
		log:        log.Named("notifications"),
		connected:  connected,
		counters:   make(map[string]*unreadCounter),
	}
}

// acquire returns the user's counter locked. Callers must release it.
func (n *notifier) acquire(userId string) *unreadCounter {
	n.mu.Lock()
	c, ok := n.counters[userId]
	if !ok {
		c = &unreadCounter{}
		n.counters[userId] = c
	}
	c.refs++
	n.mu.Unlock()

	c.mu.Lock()
	return c
}

func (n *notifier) release(userId string, c *unreadCounter) {
	c.mu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	c.refs--
	n.evictLocked(userId, c)
}

// evictLocked drops an idle counter of a user without connections. n.mu must
// be held.
func (n *notifier) evictLocked(userId string, c *unreadCounter) {
	if c.refs > 0 || n.counters[userId] != c {
		return
	}
	if !n.connected(userId) {
		delete(n.counters, userId)
	}
}

// forget is called after the user's last connection closed. A counter still
// in use is dropped by its last release.
func (n *notifier) forget(userId string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.counters[userId]; ok {
		n.evictLocked(userId, c)
	}
}

func (n *notifier) cached() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.counters)
}

// seed must be called with c.mu held.
func (n *notifier) seed(ctx context.Context, userId string, c *unreadCounter) error {
	if c.loaded {
		return nil
	}
	count, err := n.db.CountUnread(ctx, userId)
	if err != nil {
		return fmt.Errorf("count unread: %w", err)
	}
	c.count, c.loaded = count, true
	return nil
}

// deliver persists the notification and then pushes it to every connection of
// the recipient. Nothing is pushed when the write fails.
func (n *notifier) deliver(ctx context.Context, rec types.Notification) (types.Notification, error) {
	if rec.UserId == "" || rec.Type == "" || rec.Title == "" {
		return types.Notification{}, fmt.Errorf("%w: user_id, type and title are required", ErrInvalidNotification)
	}
	if rec.Id == "" {
		rec.Id = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = protocol.Now()
	}
	rec.IsRead = false
	rec.ReadAt = nil

	c := n.acquire(rec.UserId)
	defer n.release(rec.UserId, c)

	saved, err := n.db.CreateNotification(ctx, rec)
	if err != nil {
		n.log.Error("persist notification",
			zap.String("user_id", rec.UserId),
			zap.String("type", rec.Type),
			zap.Error(err))
		return types.Notification{}, fmt.Errorf("persist notification: %w", err)
	}
	if c.loaded {
		c.count++
	}

	prefs, err := n.db.GetPreferences(ctx, rec.UserId)
	if err != nil {
		n.log.Warn("load notification preferences, using defaults",
			zap.String("user_id", rec.UserId), zap.Error(err))
		prefs = types.DefaultNotificationPreferences(rec.UserId)
	}
	if !prefs.Allows(saved.Type) {
		n.log.Debug("live push disabled by preferences",
			zap.String("user_id", saved.UserId), zap.String("type", saved.Type))
		return saved, nil
	}

	pushed := n.dispatcher.Publish(mustEnvelope(events.TypeNotificationReceived, events.NotificationReceived{
		NotificationId: saved.Id,
		Type:           saved.Type,
		Title:          saved.Title,
		Message:        saved.Message,
		ActionUrl:      saved.ActionUrl,
		CreatedAt:      saved.CreatedAt,
	}), events.NotificationsGroup(saved.UserId).Key())
	if pushed > 0 {
		n.stats.Incr(stats.NumNotificationsDelivered)
	}

	return saved, nil
}

func (n *notifier) unreadCount(ctx context.Context, userId string) (int, error) {
	c := n.acquire(userId)
	defer n.release(userId, c)

	if err := n.seed(ctx, userId, c); err != nil {
		return 0, err
	}
	return c.count, nil
}

// markRead marks one notification of userId read and returns the new unread
// count. Marking an already read or foreign notification changes nothing.
func (n *notifier) markRead(ctx context.Context, userId, id string) (int, error) {
	c := n.acquire(userId)
	defer n.release(userId, c)

	changed, err := n.db.MarkRead(ctx, id, userId, protocol.Now())
	if err != nil {
		return 0, fmt.Errorf("mark notification read: %w", err)
	}

	if !c.loaded {
		// storage already reflects the write
		if err := n.seed(ctx, userId, c); err != nil {
			return 0, err
		}
		return c.count, nil
	}

	if changed && c.count > 0 {
		c.count--
	}
	return c.count, nil
}

func (n *notifier) markAllRead(ctx context.Context, userId string) (int, error) {
	c := n.acquire(userId)
	defer n.release(userId, c)

	changed, err := n.db.MarkAllRead(ctx, userId, protocol.Now())
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}

	c.count, c.loaded = 0, true
	return changed, nil
}

func mustEnvelope(t events.Type, p events.Payload) events.Envelope {
	env, err := events.New(t, p)
	if err != nil {
		panic(err)
	}
	return env
}
