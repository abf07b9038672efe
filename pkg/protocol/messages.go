// Package protocol holds the JSON frames exchanged over the hub websocket.
//
// A client frame carries exactly one request field (join, leave, typing,
// heartbeat or read) and an id the server echoes in its response. Server frames
// carry either a response to such a request or a published event.
package protocol

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-collab/pkg/events"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join      *Join      `json:"join,omitempty"`
	Leave     *Leave     `json:"leave,omitempty"`
	Typing    *Typing    `json:"typing,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
	Read      *Read      `json:"read,omitempty"`
}

// Join subscribes the connection to a group. EntityType and ViewType only
// apply to viewer groups and describe what the user is looking at.
type Join struct {
	Group      events.Group `json:"group"`
	EntityType string       `json:"entity_type,omitempty"`
	ViewType   string       `json:"view_type,omitempty"`
}

type Leave struct {
	Group events.Group `json:"group"`
}

type Typing struct {
	TaskId   string `json:"task_id"`
	IsTyping bool   `json:"is_typing"`
}

// Heartbeat refreshes presence. An empty WorkspaceId refreshes every
// workspace the connection has joined.
type Heartbeat struct {
	WorkspaceId string `json:"workspace_id,omitempty"`
}

type Read struct {
	NotificationId string `json:"notification_id,omitempty"`
	All            bool   `json:"all,omitempty"`
}

// Valid reports whether exactly one request field is set.
func (m *ClientMessage) Valid() bool {
	n := 0
	if m.Join != nil {
		n++
	}
	if m.Leave != nil {
		n++
	}
	if m.Typing != nil {
		n++
	}
	if m.Heartbeat != nil {
		n++
	}
	if m.Read != nil {
		n++
	}
	return n == 1
}

type ServerMessage struct {
	BaseMessage
	Response *Response        `json:"response,omitempty"`
	Event    *events.Envelope `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func (r *Response) Ok() bool {
	return r.ResponseCode >= 200 && r.ResponseCode < 300
}

func EventMessage(env events.Envelope) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: env.Timestamp,
		},
		Event: &env,
	}
}

func response(id, code int, errMsg string, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return response(id, http.StatusAccepted, "", nil)
}

func ErrGroupNotJoined(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "group not joined", nil)
}

func ErrNotificationNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "notification not found", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "not allowed to join group", nil)
}

func ErrTooManyRequests(id int) *ServerMessage {
	return response(id, http.StatusTooManyRequests, "too many requests", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := response(0, http.StatusBadRequest, "invalid message format", nil)
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
