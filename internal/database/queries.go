package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-collab/internal/types"
)

const notificationColumns = "id, user_id, workspace_id, type, title, message, action_url, is_read, read_at, metadata, created_at"

func (db *DBConn) CreateNotification(ctx context.Context, n types.Notification) (types.Notification, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = n.CreatedAt.UTC()

	var metadata sql.NullString
	if len(n.Metadata) > 0 {
		if !json.Valid(n.Metadata) {
			return types.Notification{}, fmt.Errorf("notification metadata is not valid JSON")
		}
		metadata = sql.NullString{String: string(n.Metadata), Valid: true}
	}

	_, err := db.conn.ExecContext(ctx, db.rebind(
		"INSERT INTO notifications ("+notificationColumns+") "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		n.Id,
		n.UserId,
		nullString(n.WorkspaceId),
		n.Type,
		n.Title,
		nullString(n.Message),
		nullString(n.ActionUrl),
		n.IsRead,
		db.nullTimeArg(n.ReadAt),
		metadata,
		db.timeArg(n.CreatedAt),
	)
	if err != nil {
		return types.Notification{}, err
	}

	return n, nil
}

func (db *DBConn) GetNotification(ctx context.Context, id string) (types.Notification, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ? LIMIT 1"),
		id,
	)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Notification{}, ErrNotFound
	}
	return n, err
}

func (db *DBConn) ListNotifications(ctx context.Context, userId string, unreadOnly bool, limit int) ([]types.Notification, error) {
	query := "SELECT " + notificationColumns + " FROM notifications WHERE user_id = ?"
	args := []any{userId}
	if unreadOnly {
		query += " AND is_read = ?"
		args = append(args, false)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := []types.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

func (db *DBConn) CountUnread(ctx context.Context, userId string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, db.rebind(
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = ?"),
		userId, false,
	).Scan(&count)

	return count, err
}

func (db *DBConn) MarkRead(ctx context.Context, id, userId string, at time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, db.rebind(
		"UPDATE notifications SET is_read = ?, read_at = ? "+
			"WHERE id = ? AND user_id = ? AND is_read = ?"),
		true, db.timeArg(at), id, userId, false,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (db *DBConn) MarkAllRead(ctx context.Context, userId string, at time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx, db.rebind(
		"UPDATE notifications SET is_read = ?, read_at = ? "+
			"WHERE user_id = ? AND is_read = ?"),
		true, db.timeArg(at), userId, false,
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func (db *DBConn) GetPreferences(ctx context.Context, userId string) (types.NotificationPreferences, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(
		"SELECT user_id, in_app_enabled, task_assigned_enabled, comment_mentioned_enabled, "+
			"status_changed_enabled, due_date_reminder_enabled, project_invitation_enabled, updated_at "+
			"FROM notification_preferences WHERE user_id = ? LIMIT 1"),
		userId,
	)

	var (
		p         types.NotificationPreferences
		updatedAt dbTime
	)
	err := row.Scan(
		&p.UserId,
		&p.InAppEnabled,
		&p.TaskAssignedEnabled,
		&p.CommentMentionedEnabled,
		&p.StatusChangedEnabled,
		&p.DueDateReminderEnabled,
		&p.ProjectInvitationEnabled,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultNotificationPreferences(userId), nil
	}
	if err != nil {
		return types.NotificationPreferences{}, err
	}

	p.UpdatedAt = updatedAt.Time
	return p, nil
}

func (db *DBConn) UpsertPreferences(ctx context.Context, p types.NotificationPreferences) (types.NotificationPreferences, error) {
	p.UpdatedAt = time.Now().UTC()

	_, err := db.conn.ExecContext(ctx, db.rebind(
		"INSERT INTO notification_preferences (user_id, in_app_enabled, task_assigned_enabled, "+
			"comment_mentioned_enabled, status_changed_enabled, due_date_reminder_enabled, "+
			"project_invitation_enabled, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (user_id) DO UPDATE SET "+
			"in_app_enabled = excluded.in_app_enabled, "+
			"task_assigned_enabled = excluded.task_assigned_enabled, "+
			"comment_mentioned_enabled = excluded.comment_mentioned_enabled, "+
			"status_changed_enabled = excluded.status_changed_enabled, "+
			"due_date_reminder_enabled = excluded.due_date_reminder_enabled, "+
			"project_invitation_enabled = excluded.project_invitation_enabled, "+
			"updated_at = excluded.updated_at"),
		p.UserId,
		p.InAppEnabled,
		p.TaskAssignedEnabled,
		p.CommentMentionedEnabled,
		p.StatusChangedEnabled,
		p.DueDateReminderEnabled,
		p.ProjectInvitationEnabled,
		db.timeArg(p.UpdatedAt),
	)
	if err != nil {
		return types.NotificationPreferences{}, err
	}

	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (types.Notification, error) {
	var (
		n                                   types.Notification
		workspaceId, message, actionUrl, md sql.NullString
		readAt, createdAt                   dbTime
	)
	err := row.Scan(
		&n.Id,
		&n.UserId,
		&workspaceId,
		&n.Type,
		&n.Title,
		&message,
		&actionUrl,
		&n.IsRead,
		&readAt,
		&md,
		&createdAt,
	)
	if err != nil {
		return types.Notification{}, err
	}

	n.WorkspaceId = workspaceId.String
	n.Message = message.String
	n.ActionUrl = actionUrl.String
	n.ReadAt = readAt.Ptr()
	n.CreatedAt = createdAt.Time
	if md.Valid && md.String != "" {
		n.Metadata = json.RawMessage(md.String)
	}

	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
