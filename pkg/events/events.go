// Package events defines the envelope published by the hub and the closed set
// of event types a client can receive. Each Type has exactly one payload shape,
// so consumers dispatch on Type without inspecting the payload.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownType     = errors.New("unknown event type")
	ErrMissingPayload  = errors.New("missing event payload")
	ErrPayloadMismatch = errors.New("payload does not match event type")
)

type Type string

const (
	TypeUserJoined           Type = "UserJoined"
	TypeUserLeft             Type = "UserLeft"
	TypeUserTyping           Type = "UserTyping"
	TypeViewChanged          Type = "ViewChanged"
	TypeTaskCreated          Type = "TaskCreated"
	TypeTaskUpdated          Type = "TaskUpdated"
	TypeTaskDeleted          Type = "TaskDeleted"
	TypeTaskStatusChanged    Type = "TaskStatusChanged"
	TypeCommentAdded         Type = "CommentAdded"
	TypeCommentUpdated       Type = "CommentUpdated"
	TypeCommentDeleted       Type = "CommentDeleted"
	TypeAttachmentUploaded   Type = "AttachmentUploaded"
	TypeAttachmentDeleted    Type = "AttachmentDeleted"
	TypeNotificationReceived Type = "NotificationReceived"
)

// Types lists every event type in the catalog.
var Types = []Type{
	TypeUserJoined,
	TypeUserLeft,
	TypeUserTyping,
	TypeViewChanged,
	TypeTaskCreated,
	TypeTaskUpdated,
	TypeTaskDeleted,
	TypeTaskStatusChanged,
	TypeCommentAdded,
	TypeCommentUpdated,
	TypeCommentDeleted,
	TypeAttachmentUploaded,
	TypeAttachmentDeleted,
	TypeNotificationReceived,
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	accepts(t Type) bool
}

type UserJoined struct {
	UserId      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	WorkspaceId string    `json:"workspace_id"`
	LastSeen    time.Time `json:"last_seen"`
}

type UserLeft struct {
	UserId      string `json:"user_id"`
	WorkspaceId string `json:"workspace_id"`
}

type UserTyping struct {
	UserId   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	TaskId   string `json:"task_id"`
	IsTyping bool   `json:"is_typing"`
}

type ViewChanged struct {
	UserId     string `json:"user_id"`
	UserName   string `json:"user_name,omitempty"`
	EntityType string `json:"entity_type"`
	EntityId   string `json:"entity_id"`
	ViewType   string `json:"view_type,omitempty"`
	Viewing    bool   `json:"viewing"`
}

// TaskChange carries TaskCreated, TaskUpdated, TaskDeleted and TaskStatusChanged.
// Data is the task snapshot as produced by the CRUD layer.
type TaskChange struct {
	TaskId    string          `json:"task_id"`
	ProjectId string          `json:"project_id,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type CommentChange struct {
	CommentId string          `json:"comment_id"`
	TaskId    string          `json:"task_id"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type AttachmentChange struct {
	AttachmentId string          `json:"attachment_id"`
	TaskId       string          `json:"task_id"`
	UpdatedBy    string          `json:"updated_by"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type NotificationReceived struct {
	NotificationId string    `json:"notification_id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Message        string    `json:"message,omitempty"`
	ActionUrl      string    `json:"action_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (UserJoined) accepts(t Type) bool  { return t == TypeUserJoined }
func (UserLeft) accepts(t Type) bool    { return t == TypeUserLeft }
func (UserTyping) accepts(t Type) bool  { return t == TypeUserTyping }
func (ViewChanged) accepts(t Type) bool { return t == TypeViewChanged }

func (TaskChange) accepts(t Type) bool {
	switch t {
	case TypeTaskCreated, TypeTaskUpdated, TypeTaskDeleted, TypeTaskStatusChanged:
		return true
	}
	return false
}

func (CommentChange) accepts(t Type) bool {
	switch t {
	case TypeCommentAdded, TypeCommentUpdated, TypeCommentDeleted:
		return true
	}
	return false
}

func (AttachmentChange) accepts(t Type) bool {
	return t == TypeAttachmentUploaded || t == TypeAttachmentDeleted
}

func (NotificationReceived) accepts(t Type) bool { return t == TypeNotificationReceived }

var decoders = map[Type]func(json.RawMessage) (Payload, error){
	TypeUserJoined:           decode[UserJoined],
	TypeUserLeft:             decode[UserLeft],
	TypeUserTyping:           decode[UserTyping],
	TypeViewChanged:          decode[ViewChanged],
	TypeTaskCreated:          decode[TaskChange],
	TypeTaskUpdated:          decode[TaskChange],
	TypeTaskDeleted:          decode[TaskChange],
	TypeTaskStatusChanged:    decode[TaskChange],
	TypeCommentAdded:         decode[CommentChange],
	TypeCommentUpdated:       decode[CommentChange],
	TypeCommentDeleted:       decode[CommentChange],
	TypeAttachmentUploaded:   decode[AttachmentChange],
	TypeAttachmentDeleted:    decode[AttachmentChange],
	TypeNotificationReceived: decode[NotificationReceived],
}

func decode[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Valid reports whether t belongs to the catalog.
func (t Type) Valid() bool {
	_, ok := decoders[t]
	return ok
}

// Envelope is the unit delivered to every connection of a group.
type Envelope struct {
	Type      Type      `json:"type"`
	GroupKey  string    `json:"group_key"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// New pairs a type with its payload. It fails when the payload shape does not
// belong to the type.
func New(t Type, p Payload) (Envelope, error) {
	if !t.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if p == nil {
		return Envelope{}, ErrMissingPayload
	}
	if !p.accepts(t) {
		return Envelope{}, fmt.Errorf("%w: %T for %s", ErrPayloadMismatch, p, t)
	}

	return Envelope{Type: t, Payload: p}, nil
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type      Type            `json:"type"`
		GroupKey  string          `json:"group_key"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	dec, ok := decoders[raw.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, raw.Type)
	}
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return fmt.Errorf("%w: %s", ErrMissingPayload, raw.Type)
	}

	p, err := dec(raw.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}

	*e = Envelope{
		Type:      raw.Type,
		GroupKey:  raw.GroupKey,
		Timestamp: raw.Timestamp,
		Payload:   p,
	}
	return nil
}
