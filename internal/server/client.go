package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/npezzotti/go-collab/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	requestTimeout = 10 * time.Second
)

// Client is one live connection. Connections created without a websocket are
// driven directly through the Hub and read their events from Messages.
type Client struct {
	id       string
	user     types.User
	openedAt time.Time
	conn     *websocket.Conn
	hub      *Hub
	log      *zap.Logger
	send     chan *protocol.ServerMessage
	limiter  *rate.Limiter
	mu       sync.Mutex
	groups   map[string]events.Group
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
}

func newClient(id string, user types.User, conn *websocket.Conn, h *Hub) *Client {
	return &Client{
		id:       id,
		user:     user,
		openedAt: time.Now(),
		conn:     conn,
		hub:      h,
		log:      h.log.With(zap.String("conn_id", id), zap.String("user_id", user.Id)),
		send:     make(chan *protocol.ServerMessage, h.settings.SendQueueSize),
		limiter:  rate.NewLimiter(rate.Limit(h.settings.RateLimit), h.settings.RateBurst),
		groups:   make(map[string]events.Group),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Id() string { return c.id }

func (c *Client) User() types.User { return c.user }

func (c *Client) OpenedAt() time.Time { return c.openedAt }

// Done is closed once the connection has been disconnected.
func (c *Client) Done() <-chan struct{} { return c.stop }

// Messages exposes the outbound queue.
func (c *Client) Messages() <-chan *protocol.ServerMessage {
	return c.send
}

// Groups returns the keys of the groups the connection holds.
func (c *Client) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.groups))
	for k := range c.groups {
		keys = append(keys, k)
	}
	return keys
}

func (c *Client) workspaceIds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceIdsLocked()
}

func (c *Client) workspaceIdsLocked() []string {
	ids := make([]string, 0)
	for _, g := range c.groups {
		if g.Kind == events.KindWorkspace {
			ids = append(ids, g.Id)
		}
	}
	return ids
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.hub.disconnect(c)
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws: read", zap.Error(err))
			}
			break
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("error parsing message", zap.Error(err))
			c.queueMessage(protocol.ErrInvalidMessage(-1))
			continue
		}

		c.queueMessage(c.handle(&msg))
	}
}

// handle runs one hub method and builds the response to it.
func (c *Client) handle(msg *protocol.ClientMessage) *protocol.ServerMessage {
	if !msg.Valid() {
		return protocol.ErrInvalidMessage(msg.Id)
	}
	if !c.limiter.Allow() {
		return protocol.ErrTooManyRequests(msg.Id)
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, requestTimeout)
	defer cancel()

	switch {
	case msg.Join != nil:
		if err := c.hub.Join(ctx, c, *msg.Join); err != nil {
			return c.errorResponse(msg.Id, "join", err)
		}
		return protocol.NoErrOK(msg.Id, map[string]any{"group": msg.Join.Group.Key()})
	case msg.Leave != nil:
		if err := c.hub.Leave(c, msg.Leave.Group); err != nil {
			return c.errorResponse(msg.Id, "leave", err)
		}
		return protocol.NoErrOK(msg.Id, map[string]any{"group": msg.Leave.Group.Key()})
	case msg.Typing != nil:
		var err error
		if msg.Typing.IsTyping {
			err = c.hub.StartTyping(c, msg.Typing.TaskId)
		} else {
			err = c.hub.StopTyping(c, msg.Typing.TaskId)
		}
		if err != nil {
			return c.errorResponse(msg.Id, "typing", err)
		}
		return protocol.NoErrAccepted(msg.Id)
	case msg.Heartbeat != nil:
		if err := c.hub.UpdateLastSeen(c, msg.Heartbeat.WorkspaceId); err != nil {
			return c.errorResponse(msg.Id, "heartbeat", err)
		}
		return protocol.NoErrAccepted(msg.Id)
	default:
		if msg.Read.All {
			changed, err := c.hub.MarkAllNotificationsRead(ctx, c)
			if err != nil {
				return c.errorResponse(msg.Id, "read", err)
			}
			return protocol.NoErrOK(msg.Id, map[string]any{"unread_count": 0, "marked": changed})
		}
		if msg.Read.NotificationId == "" {
			return protocol.ErrInvalidMessage(msg.Id)
		}
		unread, err := c.hub.MarkNotificationRead(ctx, c, msg.Read.NotificationId)
		if err != nil {
			return c.errorResponse(msg.Id, "read", err)
		}
		return protocol.NoErrOK(msg.Id, map[string]any{"unread_count": unread})
	}
}

func (c *Client) errorResponse(id int, op string, err error) *protocol.ServerMessage {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return protocol.ErrForbidden(id)
	case errors.Is(err, ErrInvalidGroup):
		return protocol.ErrInvalidMessage(id)
	case errors.Is(err, ErrNotJoined):
		return protocol.ErrGroupNotJoined(id)
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrShuttingDown):
		return protocol.ErrServiceUnavailable(id)
	default:
		c.log.Error("hub method failed", zap.String("op", op), zap.Error(err))
		return protocol.ErrInternalError(id)
	}
}

// queueMessage never blocks. It reports false when the send queue is full.
func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *protocol.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
