package server

import (
	"fmt"

	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/npezzotti/go-collab/pkg/protocol"
	"go.uber.org/zap"
)

// Dispatcher fans events out to the connections of a group. Delivery is at
// most once: connections that join after Publish returns never see the event
// and a connection whose send queue is full loses it.
type Dispatcher struct {
	groups *groupManager
	stats  stats.StatsProvider
	log    *zap.Logger
}

func newDispatcher(groups *groupManager, su stats.StatsProvider, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		groups: groups,
		stats:  su,
		log:    log.Named("dispatcher"),
	}
}

// Publish delivers env to every member of groupKey and returns how many
// connections accepted it.
func (d *Dispatcher) Publish(env events.Envelope, groupKey string) int {
	env.GroupKey = groupKey
	if env.Timestamp.IsZero() {
		env.Timestamp = protocol.Now()
	}
	msg := protocol.EventMessage(env)

	delivered := 0
	d.groups.fanout(groupKey, func(c *Client) {
		if c.queueMessage(msg) {
			delivered++
			return
		}
		d.stats.Incr(stats.NumEventsDropped)
		d.log.Warn("dropped event for slow connection",
			zap.String("event", string(env.Type)),
			zap.String("group", groupKey),
			zap.String("conn_id", c.id),
		)
	})
	d.stats.Incr(stats.NumEventsPublished)

	return delivered
}

func (d *Dispatcher) publish(t events.Type, p events.Payload, g events.Group) {
	env, err := events.New(t, p)
	if err != nil {
		// payloads built inside the hub always match their type
		d.log.Error("build event", zap.String("event", string(t)), zap.Error(err))
		return
	}
	d.Publish(env, g.Key())
}

// PublishTaskEvent sends a task change to the project the task belongs to.
func (d *Dispatcher) PublishTaskEvent(t events.Type, change events.TaskChange) (int, error) {
	if change.ProjectId == "" {
		return 0, fmt.Errorf("%w: task event without project id", ErrInvalidGroup)
	}
	env, err := events.New(t, change)
	if err != nil {
		return 0, err
	}
	return d.Publish(env, events.ProjectGroup(change.ProjectId).Key()), nil
}

// PublishCommentEvent sends a comment change to the viewers of its task.
func (d *Dispatcher) PublishCommentEvent(t events.Type, change events.CommentChange) (int, error) {
	if change.TaskId == "" {
		return 0, fmt.Errorf("%w: comment event without task id", ErrInvalidGroup)
	}
	env, err := events.New(t, change)
	if err != nil {
		return 0, err
	}
	return d.Publish(env, events.ViewersGroup(change.TaskId).Key()), nil
}

// PublishAttachmentEvent sends an attachment change to the viewers of its task.
func (d *Dispatcher) PublishAttachmentEvent(t events.Type, change events.AttachmentChange) (int, error) {
	if change.TaskId == "" {
		return 0, fmt.Errorf("%w: attachment event without task id", ErrInvalidGroup)
	}
	env, err := events.New(t, change)
	if err != nil {
		return 0, err
	}
	return d.Publish(env, events.ViewersGroup(change.TaskId).Key()), nil
}

// PublishTo validates the target group and publishes env to it.
func (d *Dispatcher) PublishTo(env events.Envelope, g events.Group) (int, error) {
	if err := g.Validate(); err != nil {
		return 0, err
	}
	if _, err := events.New(env.Type, env.Payload); err != nil {
		return 0, err
	}
	return d.Publish(env, g.Key()), nil
}
