package events

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidGroup = errors.New("invalid group key")

type GroupKind string

const (
	KindWorkspace     GroupKind = "workspace"
	KindProject       GroupKind = "project"
	KindViewers       GroupKind = "viewers"
	KindNotifications GroupKind = "notifications"
)

// Group identifies a broadcast scope. Its Key is the namespaced string used on
// the wire, e.g. "workspace:42" or "task:7:viewers".
type Group struct {
	Kind GroupKind `json:"kind"`
	Id   string    `json:"id"`
}

func WorkspaceGroup(workspaceId string) Group { return Group{Kind: KindWorkspace, Id: workspaceId} }
func ProjectGroup(projectId string) Group     { return Group{Kind: KindProject, Id: projectId} }
func ViewersGroup(taskId string) Group        { return Group{Kind: KindViewers, Id: taskId} }
func NotificationsGroup(userId string) Group  { return Group{Kind: KindNotifications, Id: userId} }

func (g Group) Key() string {
	switch g.Kind {
	case KindViewers:
		return "task:" + g.Id + ":viewers"
	case KindNotifications:
		return "user:" + g.Id + ":notifications"
	default:
		return string(g.Kind) + ":" + g.Id
	}
}

func (g Group) String() string {
	return g.Key()
}

func (g Group) Validate() error {
	switch g.Kind {
	case KindWorkspace, KindProject, KindViewers, KindNotifications:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidGroup, g.Kind)
	}
	if g.Id == "" || strings.Contains(g.Id, ":") {
		return fmt.Errorf("%w: bad id %q", ErrInvalidGroup, g.Id)
	}
	return nil
}

// ParseGroup is the inverse of Group.Key.
func ParseGroup(key string) (Group, error) {
	parts := strings.Split(key, ":")

	var g Group
	switch {
	case len(parts) == 2 && (parts[0] == string(KindWorkspace) || parts[0] == string(KindProject)):
		g = Group{Kind: GroupKind(parts[0]), Id: parts[1]}
	case len(parts) == 3 && parts[0] == "task" && parts[2] == "viewers":
		g = ViewersGroup(parts[1])
	case len(parts) == 3 && parts[0] == "user" && parts[2] == "notifications":
		g = NotificationsGroup(parts[1])
	default:
		return Group{}, fmt.Errorf("%w: %q", ErrInvalidGroup, key)
	}

	if err := g.Validate(); err != nil {
		return Group{}, err
	}
	return g, nil
}
