package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/authz"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/server"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/testutil"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHubServer runs a hub behind a websocket endpoint. The bearer token is
// taken as the user id.
func newHubServer(t *testing.T, authorizer authz.Authorizer) (*server.Hub, *httptest.Server) {
	t.Helper()

	settings := config.DefaultHubSettings()
	hub := server.NewHub(testutil.TestLogger(t), &database.MockNotificationRepository{}, authorizer, stats.NopStats{}, settings)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if userId == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := hub.Connect(types.User{Id: userId, Username: "user-" + userId}, conn)
		if err != nil {
			conn.Close()
			return
		}
		hub.Serve(c)
	}))
	t.Cleanup(srv.Close)

	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newSession(t *testing.T, srv *httptest.Server, userId string, mutate ...func(*Options)) *Session {
	t.Helper()

	opts := Options{
		URL:            wsURL(srv),
		Token:          userId,
		Logger:         testutil.TestLogger(t),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	s := New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}

func TestJoinAndReceive(t *testing.T) {
	hub, srv := newHubServer(t, nil)
	s := newSession(t, srv, "u1")
	ctx := context.Background()

	assert.Equal(t, StateConnected, s.State())
	require.NoError(t, s.JoinProject(ctx, "p1"))
	assert.Equal(t, []string{"project:p1"}, s.Groups())

	got := make(chan events.TaskChange, 1)
	Handle(s, events.TypeTaskUpdated, func(p events.TaskChange, env events.Envelope) {
		assert.Equal(t, "project:p1", env.GroupKey)
		got <- p
	})

	_, err := hub.Dispatcher().PublishTaskEvent(events.TypeTaskUpdated, events.TaskChange{TaskId: "t1", ProjectId: "p1"})
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "t1", p.TaskId)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TaskUpdated")
	}
}

func TestHubMethods(t *testing.T) {
	_, srv := newHubServer(t, nil)
	s := newSession(t, srv, "u1")
	ctx := context.Background()

	require.NoError(t, s.JoinWorkspace(ctx, "w1"))
	require.NoError(t, s.JoinViewing(ctx, "t1", "task", "detail"))
	require.NoError(t, s.StartTyping(ctx, "t1"))
	require.NoError(t, s.StopTyping(ctx, "t1"))
	require.NoError(t, s.UpdateLastSeen(ctx, ""))
	require.NoError(t, s.UpdateLastSeen(ctx, "w1"))
	require.NoError(t, s.LeaveViewing(ctx, "t1"))
	require.NoError(t, s.LeaveWorkspace(ctx, "w1"))
	assert.Empty(t, s.Groups())

	err := s.StartTyping(ctx, "t1")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr, "expected typing without viewing to be refused")
	assert.Equal(t, http.StatusNotFound, reqErr.Code)

	assert.ErrorIs(t, s.JoinProject(ctx, ""), events.ErrInvalidGroup)
}

func TestJoinDenied(t *testing.T) {
	deny := authz.AuthorizerFunc(func(_ context.Context, _, key string) (bool, error) {
		return key != "project:secret", nil
	})
	hub, srv := newHubServer(t, deny)
	s := newSession(t, srv, "u1")
	ctx := context.Background()

	err := s.JoinProject(ctx, "secret")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusForbidden, reqErr.Code)
	assert.Empty(t, s.Groups(), "expected denied group not to be tracked")
	assert.Empty(t, hub.MembersOf("project:secret"))

	require.NoError(t, s.JoinProject(ctx, "open"), "expected the session to stay usable after a denial")
}

func TestRejoinAfterDrop(t *testing.T) {
	hub, srv := newHubServer(t, nil)

	var mu sync.Mutex
	var states []State
	s := newSession(t, srv, "u1", func(o *Options) {
		o.OnStateChange = func(st State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, st)
		}
	})
	ctx := context.Background()

	require.NoError(t, s.JoinWorkspace(ctx, "w1"))
	require.NoError(t, s.JoinProject(ctx, "p1"))
	require.NoError(t, s.JoinViewing(ctx, "t1", "", ""))
	before := s.Groups()

	old := hub.MembersOf("project:p1")
	require.Len(t, old, 1)
	require.NoError(t, hub.Disconnect(old[0]))

	require.Eventually(t, func() bool {
		for _, key := range before {
			members := hub.MembersOf(key)
			if len(members) != 1 || members[0] == old[0] {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "expected every tracked group to be rejoined on the new connection")

	assert.Equal(t, before, s.Groups(), "expected the rejoined set to equal the set before the drop")
	assert.Equal(t, StateConnected, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateConnecting, "expected the drop to pass through connecting")
}

func TestConnectGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	s := New(Options{
		URL:            url,
		Logger:         testutil.TestLogger(t),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxRetries:     2,
	})
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, StateDisconnected, s.State())

	assert.ErrorIs(t, s.JoinProject(context.Background(), "p1"), ErrNotConnected)
	assert.NoError(t, s.Close())
}

func TestConnectRejected(t *testing.T) {
	_, srv := newHubServer(t, nil)

	s := New(Options{URL: wsURL(srv), Logger: testutil.TestLogger(t), InitialBackoff: time.Millisecond})
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrRejected, "expected a 401 handshake not to be retried")
}

func TestMalformedFramesAreDropped(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, frame := range []string{
			`not json`,
			`{"event":{"type":"TaskArchived","payload":{"task_id":"t0"}}}`,
			`{"event":{"type":"TaskCreated"}}`,
			`{}`,
			`{"event":{"type":"TaskCreated","group_key":"project:p1","payload":{"task_id":"t1","project_id":"p1"}}}`,
		} {
			conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	s := New(Options{URL: wsURL(srv), Logger: testutil.TestLogger(t)})

	got := make(chan events.Envelope, 5)
	s.SubscribeAll(func(env events.Envelope) { got <- env })
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	select {
	case env := <-got:
		assert.Equal(t, events.TypeTaskCreated, env.Type)
		assert.Equal(t, "t1", env.Payload.(events.TaskChange).TaskId)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the valid event")
	}
	assert.Empty(t, got, "expected malformed frames to be dropped")
	assert.Equal(t, StateConnected, s.State())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	s := New(Options{})

	var calls []string
	unsubA := s.Subscribe(events.TypeUserJoined, func(events.Envelope) { calls = append(calls, "a") })
	s.Subscribe(events.TypeUserJoined, func(events.Envelope) { calls = append(calls, "b") })
	s.SubscribeAll(func(events.Envelope) { calls = append(calls, "all") })
	s.Subscribe(events.TypeUserLeft, func(events.Envelope) { calls = append(calls, "left") })

	env, err := events.New(events.TypeUserJoined, events.UserJoined{UserId: "u1"})
	require.NoError(t, err)

	s.dispatch(env)
	assert.Equal(t, []string{"a", "b", "all"}, calls)

	calls = nil
	unsubA()
	unsubA()
	s.dispatch(env)
	assert.Equal(t, []string{"b", "all"}, calls)
}

func TestCloseLeavesGroups(t *testing.T) {
	hub, srv := newHubServer(t, nil)

	s := New(Options{URL: wsURL(srv), Token: "u1", Logger: testutil.TestLogger(t)})
	require.NoError(t, s.Connect(context.Background()))

	called := false
	s.Subscribe(events.TypeTaskCreated, func(events.Envelope) { called = true })
	require.NoError(t, s.JoinProject(context.Background(), "p1"))
	require.Len(t, hub.MembersOf("project:p1"), 1)

	require.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, s.Groups())
	assert.Empty(t, hub.MembersOf("project:p1"), "expected close to leave tracked groups")

	select {
	case <-s.Done():
	default:
		t.Error("expected Done to be closed")
	}
	assert.NoError(t, s.Err())

	hub.Dispatcher().PublishTaskEvent(events.TypeTaskCreated, events.TaskChange{TaskId: "t1", ProjectId: "p1"})
	assert.False(t, called, "expected listeners to be dropped on close")
	assert.ErrorIs(t, s.JoinProject(context.Background(), "p1"), ErrNotConnected)
	assert.NoError(t, s.Close(), "expected second close to be a no-op")
}
