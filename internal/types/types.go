package types

import (
	"encoding/json"
	"time"
)

type User struct {
	Id       string `json:"id"`
	Username string `json:"username"`
}

type View struct {
	EntityType string `json:"entity_type"`
	EntityId   string `json:"entity_id"`
	ViewType   string `json:"view_type,omitempty"`
}

type Presence struct {
	UserId          string    `json:"user_id"`
	UserName        string    `json:"user_name"`
	WorkspaceId     string    `json:"workspace_id"`
	IsOnline        bool      `json:"is_online"`
	LastSeen        time.Time `json:"last_seen"`
	ConnectionCount int       `json:"connection_count"`
	CurrentView     *View     `json:"current_view,omitempty"`
}

type Notification struct {
	Id          string          `json:"id"`
	UserId      string          `json:"user_id"`
	WorkspaceId string          `json:"workspace_id,omitempty"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message,omitempty"`
	ActionUrl   string          `json:"action_url,omitempty"`
	IsRead      bool            `json:"is_read"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type NotificationPreferences struct {
	UserId                   string    `json:"user_id"`
	InAppEnabled             bool      `json:"in_app_enabled"`
	TaskAssignedEnabled      bool      `json:"task_assigned_enabled"`
	CommentMentionedEnabled  bool      `json:"comment_mentioned_enabled"`
	StatusChangedEnabled     bool      `json:"status_changed_enabled"`
	DueDateReminderEnabled   bool      `json:"due_date_reminder_enabled"`
	ProjectInvitationEnabled bool      `json:"project_invitation_enabled"`
	UpdatedAt                time.Time `json:"updated_at,omitempty"`
}

// Notification types known to the preferences filter. Other types are always
// delivered when in-app delivery is enabled.
const (
	NotificationTaskAssigned      = "task_assigned"
	NotificationCommentMentioned  = "comment_mentioned"
	NotificationStatusChanged     = "status_changed"
	NotificationDueDateReminder   = "due_date_reminder"
	NotificationProjectInvitation = "project_invitation"
)

func DefaultNotificationPreferences(userId string) NotificationPreferences {
	return NotificationPreferences{
		UserId:                   userId,
		InAppEnabled:             true,
		TaskAssignedEnabled:      true,
		CommentMentionedEnabled:  true,
		StatusChangedEnabled:     true,
		DueDateReminderEnabled:   true,
		ProjectInvitationEnabled: true,
	}
}

// Allows reports whether a notification of the given type should be pushed live.
func (p NotificationPreferences) Allows(notificationType string) bool {
	if !p.InAppEnabled {
		return false
	}

	switch notificationType {
	case NotificationTaskAssigned:
		return p.TaskAssignedEnabled
	case NotificationCommentMentioned:
		return p.CommentMentionedEnabled
	case NotificationStatusChanged:
		return p.StatusChangedEnabled
	case NotificationDueDateReminder:
		return p.DueDateReminderEnabled
	case NotificationProjectInvitation:
		return p.ProjectInvitationEnabled
	default:
		return true
	}
}
