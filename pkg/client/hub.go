package client

import (
	"context"

	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/npezzotti/go-collab/pkg/protocol"
)

// Join subscribes to a group and adds it to the set restored after a
// reconnect. A denied join returns a *RequestError with code 403.
func (s *Session) Join(ctx context.Context, join protocol.Join) error {
	if err := join.Group.Validate(); err != nil {
		return err
	}
	if _, err := s.request(ctx, &protocol.ClientMessage{Join: &join}); err != nil {
		return err
	}
	s.track(join)
	return nil
}

// Leave unsubscribes from a group and stops tracking it, also when the hub
// cannot be reached.
func (s *Session) Leave(ctx context.Context, g events.Group) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.untrack(g)
	_, err := s.request(ctx, &protocol.ClientMessage{Leave: &protocol.Leave{Group: g}})
	return err
}

func (s *Session) JoinWorkspace(ctx context.Context, workspaceId string) error {
	return s.Join(ctx, protocol.Join{Group: events.WorkspaceGroup(workspaceId)})
}

func (s *Session) LeaveWorkspace(ctx context.Context, workspaceId string) error {
	return s.Leave(ctx, events.WorkspaceGroup(workspaceId))
}

func (s *Session) JoinProject(ctx context.Context, projectId string) error {
	return s.Join(ctx, protocol.Join{Group: events.ProjectGroup(projectId)})
}

func (s *Session) LeaveProject(ctx context.Context, projectId string) error {
	return s.Leave(ctx, events.ProjectGroup(projectId))
}

// JoinViewing announces that the user is looking at an entity. entityType and
// viewType may be empty.
func (s *Session) JoinViewing(ctx context.Context, entityId, entityType, viewType string) error {
	return s.Join(ctx, protocol.Join{
		Group:      events.ViewersGroup(entityId),
		EntityType: entityType,
		ViewType:   viewType,
	})
}

func (s *Session) LeaveViewing(ctx context.Context, entityId string) error {
	return s.Leave(ctx, events.ViewersGroup(entityId))
}

// StartTyping announces that the user is typing on taskId. The hub only
// accepts it from a session viewing the task, so call JoinViewing first.
func (s *Session) StartTyping(ctx context.Context, taskId string) error {
	_, err := s.request(ctx, &protocol.ClientMessage{Typing: &protocol.Typing{TaskId: taskId, IsTyping: true}})
	return err
}

func (s *Session) StopTyping(ctx context.Context, taskId string) error {
	_, err := s.request(ctx, &protocol.ClientMessage{Typing: &protocol.Typing{TaskId: taskId}})
	return err
}

// UpdateLastSeen refreshes presence in workspaceId, or in every joined
// workspace when it is empty.
func (s *Session) UpdateLastSeen(ctx context.Context, workspaceId string) error {
	_, err := s.request(ctx, &protocol.ClientMessage{Heartbeat: &protocol.Heartbeat{WorkspaceId: workspaceId}})
	return err
}

// MarkNotificationRead returns the unread count after the change.
func (s *Session) MarkNotificationRead(ctx context.Context, notificationId string) (int, error) {
	res, err := s.request(ctx, &protocol.ClientMessage{Read: &protocol.Read{NotificationId: notificationId}})
	if err != nil {
		return 0, err
	}
	return intField(res.Data, "unread_count"), nil
}

// MarkAllNotificationsRead returns how many notifications changed.
func (s *Session) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	res, err := s.request(ctx, &protocol.ClientMessage{Read: &protocol.Read{All: true}})
	if err != nil {
		return 0, err
	}
	return intField(res.Data, "marked"), nil
}

// intField reads a number from decoded response data.
func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
