package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/server"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/npezzotti/go-collab/pkg/events"
	"go.uber.org/zap"
)

const maxNotificationLimit = 200

type UnreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

type MarkAllReadResponse struct {
	Marked      int `json:"marked"`
	UnreadCount int `json:"unread_count"`
}

type PublishResponse struct {
	Delivered int `json:"delivered"`
}

func (s *CollabApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

// writeError maps hub and storage errors onto API errors.
func (s *CollabApp) writeError(w http.ResponseWriter, op string, err error) {
	var errResp *ApiError
	switch {
	case errors.Is(err, server.ErrUnauthorized):
		errResp = NewForbiddenError()
	case errors.Is(err, server.ErrInvalidGroup),
		errors.Is(err, server.ErrInvalidNotification),
		errors.Is(err, events.ErrUnknownType),
		errors.Is(err, events.ErrPayloadMismatch),
		errors.Is(err, events.ErrMissingPayload):
		errResp = NewBadRequestError()
	case errors.Is(err, server.ErrConnectionNotFound):
		errResp = NewNotFoundError()
	case errors.Is(err, server.ErrShuttingDown):
		errResp = NewServiceUnavailableError()
	default:
		s.log.Error(op, zap.Error(err))
		errResp = NewInternalServerError(err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *CollabApp) currentUser(w http.ResponseWriter, r *http.Request) (types.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return user, ok
}

func (s *CollabApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Error("health check", zap.Error(err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *CollabApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("error upgrading connection", zap.Error(err))
		return
	}

	c, err := s.hub.Connect(user, conn)
	if err != nil {
		s.log.Warn("register connection", zap.String("user_id", user.Id), zap.Error(err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"))
		conn.Close()
		return
	}

	s.hub.Serve(c)
}

func (s *CollabApp) listNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	limit := s.notificationLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		limit = min(n, maxNotificationLimit)
	}

	var unreadOnly bool
	if unreadStr := r.URL.Query().Get("unread"); unreadStr != "" {
		var err error
		unreadOnly, err = strconv.ParseBool(unreadStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	notifications, err := s.db.ListNotifications(r.Context(), user.Id, unreadOnly, limit)
	if err != nil {
		s.writeError(w, "list notifications", err)
		return
	}
	if notifications == nil {
		notifications = []types.Notification{}
	}

	s.writeJson(w, http.StatusOK, notifications)
}

func (s *CollabApp) unreadCount(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	count, err := s.hub.UnreadCount(r.Context(), user.Id)
	if err != nil {
		s.writeError(w, "unread count", err)
		return
	}

	s.writeJson(w, http.StatusOK, UnreadCountResponse{UnreadCount: count})
}

func (s *CollabApp) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	count, err := s.hub.MarkRead(r.Context(), user.Id, r.PathValue("id"))
	if err != nil {
		s.writeError(w, "mark read", err)
		return
	}

	s.writeJson(w, http.StatusOK, UnreadCountResponse{UnreadCount: count})
}

func (s *CollabApp) markAllRead(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	marked, err := s.hub.MarkAllRead(r.Context(), user.Id)
	if err != nil {
		s.writeError(w, "mark all read", err)
		return
	}

	s.writeJson(w, http.StatusOK, MarkAllReadResponse{Marked: marked})
}

func (s *CollabApp) getPreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	prefs, err := s.db.GetPreferences(r.Context(), user.Id)
	if err != nil {
		s.writeError(w, "get preferences", err)
		return
	}

	s.writeJson(w, http.StatusOK, prefs)
}

func (s *CollabApp) updatePreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var prefs types.NotificationPreferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	prefs.UserId = user.Id

	saved, err := s.db.UpsertPreferences(r.Context(), prefs)
	if err != nil {
		s.writeError(w, "update preferences", err)
		return
	}

	s.writeJson(w, http.StatusOK, saved)
}

func (s *CollabApp) workspacePresence(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	workspaceId := r.PathValue("id")
	if err := s.hub.Authorize(r.Context(), user.Id, events.WorkspaceGroup(workspaceId)); err != nil {
		s.writeError(w, "authorize presence", err)
		return
	}

	s.writeJson(w, http.StatusOK, s.hub.Presence(workspaceId))
}

// publishEvent accepts an envelope from the CRUD service. Task, comment and
// attachment changes are routed by their payload; any other event needs an
// explicit group_key.
func (s *CollabApp) publishEvent(w http.ResponseWriter, r *http.Request) {
	var env events.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.log.Info("decode event", zap.Error(err))
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var (
		n   int
		err error
	)
	d := s.hub.Dispatcher()
	if env.GroupKey != "" {
		var g events.Group
		g, err = events.ParseGroup(env.GroupKey)
		if err == nil {
			n, err = d.PublishTo(env, g)
		}
	} else {
		switch p := env.Payload.(type) {
		case events.TaskChange:
			n, err = d.PublishTaskEvent(env.Type, p)
		case events.CommentChange:
			n, err = d.PublishCommentEvent(env.Type, p)
		case events.AttachmentChange:
			n, err = d.PublishAttachmentEvent(env.Type, p)
		default:
			err = server.ErrInvalidGroup
		}
	}
	if err != nil {
		s.writeError(w, "publish event", err)
		return
	}

	s.writeJson(w, http.StatusAccepted, PublishResponse{Delivered: n})
}

func (s *CollabApp) createNotification(w http.ResponseWriter, r *http.Request) {
	var n types.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	saved, err := s.hub.Deliver(r.Context(), n)
	if err != nil {
		s.writeError(w, "deliver notification", err)
		return
	}

	s.writeJson(w, http.StatusCreated, saved)
}

func (s *CollabApp) closeConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Disconnect(r.PathValue("id")); err != nil {
		s.writeError(w, "close connection", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
