// Package server implements the realtime hub: live connections, the groups
// they subscribe to, presence, typing indicators, event fan-out and live
// notification delivery.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/authz"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/npezzotti/go-collab/pkg/protocol"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized       = errors.New("not authorized to join group")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrNotJoined          = errors.New("group not joined")
	ErrShuttingDown       = errors.New("hub is shutting down")
	ErrInvalidGroup       = events.ErrInvalidGroup
)

const defaultEntityType = "task"

type Hub struct {
	log           *zap.Logger
	settings      config.HubSettings
	authz         authz.Authorizer
	forgetAuthz   func(userId string)
	stats         stats.StatsProvider
	registry      *registry
	groups        *groupManager
	presence      *presenceStore
	typing        *typingTracker
	dispatcher    *Dispatcher
	notifications *notifier
	sweeper       *presenceSweeper
	ctx           context.Context
	cancel        context.CancelFunc
	pumps         sync.WaitGroup
	closing       atomic.Bool
}

func NewHub(logger *zap.Logger, db database.NotificationRepository, authorizer authz.Authorizer, su stats.StatsProvider, settings config.HubSettings) *Hub {
	if authorizer == nil {
		authorizer = authz.AllowAll{}
	}
	for _, name := range stats.Metrics {
		su.RegisterMetric(name)
	}

	logger = logger.Named("hub")
	groups := newGroupManager(su, logger)
	dispatcher := newDispatcher(groups, su, logger)
	presence := newPresenceStore(settings.StalenessWindow, dispatcher, su, logger)
	reg := newRegistry(su)
	ctx, cancel := context.WithCancel(context.Background())

	forget := func(string) {}
	if f, ok := authorizer.(interface{ Forget(string) }); ok {
		forget = f.Forget
	}

	return &Hub{
		log:           logger,
		settings:      settings,
		authz:         authz.SelfNotifications(authorizer),
		forgetAuthz:   forget,
		stats:         su,
		registry:      reg,
		groups:        groups,
		presence:      presence,
		typing:        newTypingTracker(settings.TypingTTL, dispatcher, logger),
		dispatcher:    dispatcher,
		notifications: newNotifier(db, dispatcher, reg.connected, su, logger),
		sweeper:       newPresenceSweeper(presence, settings.SweepInterval, logger),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the presence staleness sweep.
func (h *Hub) Start() {
	h.sweeper.Start()
}

func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Connect registers a new connection for user and subscribes it to the user's
// notification group. conn may be nil for connections driven in process.
func (h *Hub) Connect(user types.User, conn *websocket.Conn) (*Client, error) {
	if h.closing.Load() {
		return nil, ErrShuttingDown
	}
	if user.Id == "" {
		return nil, errors.New("connection without user id")
	}

	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	c := newClient(id, user, conn, h)
	h.registry.add(c)
	if err := h.attach(c, events.NotificationsGroup(user.Id), nil); err != nil {
		h.disconnect(c)
		return nil, err
	}

	h.log.Info("connection opened",
		zap.String("conn_id", c.id),
		zap.String("user_id", user.Id),
		zap.String("user_name", user.Username))
	return c, nil
}

// Serve runs the websocket pumps of c until the connection closes.
func (h *Hub) Serve(c *Client) {
	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		c.Write()
	}()
	go func() {
		defer h.pumps.Done()
		c.Read()
	}()
}

// Disconnect closes the connection and removes it from every group and
// presence record before returning.
func (h *Hub) Disconnect(connectionId string) error {
	c, ok := h.registry.get(connectionId)
	if !ok {
		return ErrConnectionNotFound
	}
	h.disconnect(c)
	return nil
}

func (h *Hub) disconnect(c *Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	held := c.groups
	workspaceIds := c.workspaceIdsLocked()
	c.groups = make(map[string]events.Group)
	c.mu.Unlock()

	// views are cleared while the workspace records still hold c
	for key, g := range held {
		if g.Kind == events.KindViewers {
			h.groups.leave(c, key)
			h.leaveView(c, workspaceIds, g.Id)
		}
	}
	for key, g := range held {
		if g.Kind == events.KindViewers {
			continue
		}
		h.groups.leave(c, key)
		if g.Kind == events.KindWorkspace {
			h.presence.untrack(c, g.Id)
		}
	}

	last, ok := h.registry.remove(c)
	if ok && last {
		h.typing.stopUser(c.user.Id)
		h.notifications.forget(c.user.Id)
		h.forgetAuthz(c.user.Id)
	}
	c.stopClient()

	h.log.Info("connection closed",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.user.Id),
		zap.Int("groups", len(held)))
}

// Join subscribes c to a group after asking the authorizer. A denied join
// returns ErrUnauthorized and leaves the connection untouched.
func (h *Hub) Join(ctx context.Context, c *Client, req protocol.Join) error {
	g := req.Group
	if err := h.Authorize(ctx, c.user.Id, g); err != nil {
		return err
	}

	var view *types.View
	if g.Kind == events.KindViewers {
		entityType := req.EntityType
		if entityType == "" {
			entityType = defaultEntityType
		}
		view = &types.View{EntityType: entityType, EntityId: g.Id, ViewType: req.ViewType}
	}

	return h.attach(c, g, view)
}

// Authorize reports ErrUnauthorized when userId may not subscribe to g.
func (h *Hub) Authorize(ctx context.Context, userId string, g events.Group) error {
	if err := g.Validate(); err != nil {
		return err
	}

	allowed, err := h.authz.CanJoin(ctx, userId, g.Key())
	if err != nil {
		return fmt.Errorf("authorize %s: %w", g.Key(), err)
	}
	if !allowed {
		h.log.Info("join denied", zap.String("user_id", userId), zap.String("group", g.Key()))
		return ErrUnauthorized
	}
	return nil
}

func (h *Hub) attach(c *Client, g events.Group, view *types.View) error {
	key := g.Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}

	if !h.groups.join(c, key) {
		return nil
	}
	c.groups[key] = g

	switch g.Kind {
	case events.KindWorkspace:
		h.presence.track(c, g.Id)
	case events.KindViewers:
		if view != nil {
			h.presence.setView(c.user.Id, c.workspaceIdsLocked(), *view)
			h.publishView(c, *view, true)
		}
	}
	return nil
}

// Leave unsubscribes c from a group. Leaving a group that is not held is a
// no-op.
func (h *Hub) Leave(c *Client, g events.Group) error {
	if err := g.Validate(); err != nil {
		return err
	}
	key := g.Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if _, ok := c.groups[key]; !ok {
		return nil
	}

	delete(c.groups, key)
	h.groups.leave(c, key)

	switch g.Kind {
	case events.KindWorkspace:
		h.presence.untrack(c, g.Id)
	case events.KindViewers:
		h.leaveView(c, c.workspaceIdsLocked(), g.Id)
	}
	return nil
}

// leaveView runs after c left the viewers group of taskId. Typing and the
// user's current view end only when no other connection of the user still
// views the task.
func (h *Hub) leaveView(c *Client, workspaceIds []string, taskId string) {
	if h.viewing(c.user.Id, taskId) {
		return
	}
	h.typing.stop(taskId, c.user.Id)
	h.presence.clearView(c.user.Id, workspaceIds, taskId)
	h.publishView(c, types.View{EntityType: defaultEntityType, EntityId: taskId}, false)
}

// viewing reports whether any connection of userId is in the viewers group of
// taskId.
func (h *Hub) viewing(userId, taskId string) bool {
	key := events.ViewersGroup(taskId).Key()
	for _, other := range h.registry.userConnections(userId) {
		if h.groups.isMember(other, key) {
			return true
		}
	}
	return false
}

func (h *Hub) JoinWorkspace(ctx context.Context, c *Client, workspaceId string) error {
	return h.Join(ctx, c, protocol.Join{Group: events.WorkspaceGroup(workspaceId)})
}

func (h *Hub) LeaveWorkspace(c *Client, workspaceId string) error {
	return h.Leave(c, events.WorkspaceGroup(workspaceId))
}

func (h *Hub) JoinProject(ctx context.Context, c *Client, projectId string) error {
	return h.Join(ctx, c, protocol.Join{Group: events.ProjectGroup(projectId)})
}

func (h *Hub) LeaveProject(c *Client, projectId string) error {
	return h.Leave(c, events.ProjectGroup(projectId))
}

func (h *Hub) JoinViewing(ctx context.Context, c *Client, view types.View) error {
	return h.Join(ctx, c, protocol.Join{
		Group:      events.ViewersGroup(view.EntityId),
		EntityType: view.EntityType,
		ViewType:   view.ViewType,
	})
}

func (h *Hub) LeaveViewing(c *Client, entityId string) error {
	return h.Leave(c, events.ViewersGroup(entityId))
}

func (h *Hub) publishView(c *Client, view types.View, viewing bool) {
	h.dispatcher.publish(events.TypeViewChanged, events.ViewChanged{
		UserId:     c.user.Id,
		UserName:   c.user.Username,
		EntityType: view.EntityType,
		EntityId:   view.EntityId,
		ViewType:   view.ViewType,
		Viewing:    viewing,
	}, events.ViewersGroup(view.EntityId))
}

// StartTyping requires the connection to be viewing the task.
func (h *Hub) StartTyping(c *Client, taskId string) error {
	g := events.ViewersGroup(taskId)
	if err := g.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	_, ok := c.groups[g.Key()]
	c.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}

	h.typing.start(taskId, c.user.Id, c.user.Username)
	return nil
}

// StopTyping is a no-op when the user is not typing.
func (h *Hub) StopTyping(c *Client, taskId string) error {
	if err := events.ViewersGroup(taskId).Validate(); err != nil {
		return err
	}
	h.typing.stop(taskId, c.user.Id)
	return nil
}

// UpdateLastSeen refreshes the user's presence. With an empty workspaceId it
// refreshes every workspace any of the user's connections has joined.
func (h *Hub) UpdateLastSeen(c *Client, workspaceId string) error {
	if workspaceId != "" {
		c.mu.Lock()
		_, ok := c.groups[events.WorkspaceGroup(workspaceId).Key()]
		c.mu.Unlock()
		if !ok {
			return ErrNotJoined
		}
		h.presence.heartbeat(c.user.Id, workspaceId)
		return nil
	}

	seen := make(map[string]struct{})
	for _, conn := range h.registry.userConnections(c.user.Id) {
		for _, ws := range conn.workspaceIds() {
			if _, ok := seen[ws]; ok {
				continue
			}
			seen[ws] = struct{}{}
			h.presence.heartbeat(c.user.Id, ws)
		}
	}
	return nil
}

func (h *Hub) MarkNotificationRead(ctx context.Context, c *Client, notificationId string) (int, error) {
	return h.notifications.markRead(ctx, c.user.Id, notificationId)
}

func (h *Hub) MarkAllNotificationsRead(ctx context.Context, c *Client) (int, error) {
	return h.notifications.markAllRead(ctx, c.user.Id)
}

// MarkRead and MarkAllRead serve callers that know the user but hold no
// connection, such as the REST API.
func (h *Hub) MarkRead(ctx context.Context, userId, notificationId string) (int, error) {
	return h.notifications.markRead(ctx, userId, notificationId)
}

func (h *Hub) MarkAllRead(ctx context.Context, userId string) (int, error) {
	return h.notifications.markAllRead(ctx, userId)
}

func (h *Hub) UnreadCount(ctx context.Context, userId string) (int, error) {
	return h.notifications.unreadCount(ctx, userId)
}

// Deliver persists a notification and pushes it to every connection of its
// recipient.
func (h *Hub) Deliver(ctx context.Context, n types.Notification) (types.Notification, error) {
	if h.closing.Load() {
		return types.Notification{}, ErrShuttingDown
	}
	return h.notifications.deliver(ctx, n)
}

func (h *Hub) MembersOf(groupKey string) []string {
	return h.groups.membersOf(groupKey)
}

func (h *Hub) Presence(workspaceId string) []types.Presence {
	return h.presence.workspace(workspaceId)
}

func (h *Hub) UserPresence(userId, workspaceId string) (types.Presence, bool) {
	return h.presence.lookup(userId, workspaceId)
}

func (h *Hub) IsTyping(taskId, userId string) bool {
	return h.typing.isTyping(taskId, userId)
}

func (h *Hub) NumConnections() int {
	return h.registry.count()
}

func (h *Hub) NumGroups() int {
	return h.groups.count()
}

// Shutdown stops the sweep, disconnects every connection and waits for the
// websocket pumps to exit or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closing.CompareAndSwap(false, true) {
		return nil
	}
	h.log.Info("received shutdown signal")

	h.sweeper.Stop()
	h.cancel()
	for _, c := range h.registry.all() {
		h.disconnect(c)
	}
	h.typing.shutdown()

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
