// Package client is a Go client for the collaboration hub. A Session keeps one
// websocket open, reconnects with bounded exponential backoff when it drops,
// re-joins the groups it held, and hands incoming events to subscribers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/npezzotti/go-collab/pkg/protocol"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrMaxRetries   = errors.New("client: reconnect attempts exhausted")
	ErrRejected     = errors.New("client: handshake rejected")
)

const (
	defaultRequestTimeout = 10 * time.Second
	writeWait             = 10 * time.Second
	leaveTimeout          = time.Second
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// RequestError is a non-2xx response from the hub.
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("client: hub responded %d: %s", e.Code, e.Message)
}

type Options struct {
	URL    string
	Token  string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *zap.Logger
	// InitialBackoff doubles after every failed dial up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries bounds consecutive failed dials. Zero retries forever.
	MaxRetries     int
	RequestTimeout time.Duration
	OnStateChange  func(State)
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	return o
}

type listener struct {
	id int
	fn func(events.Envelope)
}

type Session struct {
	opts  Options
	log   *zap.Logger
	state atomic.Int32

	mu           sync.Mutex
	conn         *websocket.Conn
	groups       map[string]protocol.Join
	pending      map[int]chan *protocol.Response
	nextId       int
	listeners    map[events.Type][]listener
	nextListener int
	started      bool
	closed       bool
	err          error

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		opts:      opts,
		log:       opts.Logger.Named("session"),
		groups:    make(map[string]protocol.Join),
		pending:   make(map[int]chan *protocol.Response),
		listeners: make(map[events.Type][]listener),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if old := State(s.state.Swap(int32(st))); old != st {
		s.log.Debug("state changed", zap.Stringer("from", old), zap.Stringer("to", st))
		if s.opts.OnStateChange != nil {
			s.opts.OnStateChange(st)
		}
	}
}

// Done is closed when the session stops for good, either through Close or
// because reconnecting gave up. Err reports why.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect dials the hub, retrying with backoff, and starts the read loop. It
// returns once the first connection is up.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	// Close aborts the initial dial as well.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		if s.closed {
			close(s.done)
		} else {
			s.started = false
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		close(s.done)
		return ErrNotConnected
	}
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)

	go s.run(conn)
	return nil
}

// dial moves connecting -> connected, or connecting -> disconnected and waits
// out the backoff before the next attempt.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range s.opts.Header {
		header[k] = v
	}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	for attempt := 0; ; attempt++ {
		s.setState(StateConnecting)
		conn, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, header)
		if err == nil {
			return conn, nil
		}
		s.setState(StateDisconnected)

		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.opts.MaxRetries > 0 && attempt >= s.opts.MaxRetries {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, attempt+1, err)
		}

		delay := backoff(s.opts.InitialBackoff, s.opts.MaxBackoff, attempt)
		s.log.Warn("dial failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) run(conn *websocket.Conn) {
	defer close(s.done)

	for {
		err := s.readLoop(conn)
		s.failPending()

		s.mu.Lock()
		closed := s.closed
		s.conn = nil
		s.mu.Unlock()
		if closed {
			s.setState(StateDisconnected)
			return
		}

		s.log.Warn("connection lost, reconnecting", zap.Error(err))
		conn, err = s.dial(s.ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
				s.log.Error("giving up on reconnect", zap.Error(err))
			}
			s.mu.Unlock()
			s.setState(StateDisconnected)
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			s.setState(StateDisconnected)
			return
		}
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected)

		go s.rejoin()
	}
}

// readLoop routes responses to their waiting request and events to
// subscribers until the connection fails.
func (s *Session) readLoop(conn *websocket.Conn) error {
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := decodeFrame(raw)
		if err != nil {
			s.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch {
		case msg.Response != nil:
			s.resolve(msg.Id, msg.Response)
		case msg.Event != nil:
			s.dispatch(*msg.Event)
		}
	}
}

func decodeFrame(raw []byte) (*protocol.ServerMessage, error) {
	var msg protocol.ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Response == nil && msg.Event == nil {
		return nil, errors.New("frame carries neither response nor event")
	}
	return &msg, nil
}

// rejoin restores the tracked group set on a fresh connection. Groups the hub
// now refuses are dropped from the set.
func (s *Session) rejoin() {
	for _, join := range s.trackedJoins() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		_, err := s.request(ctx, &protocol.ClientMessage{Join: &join})
		cancel()

		var reqErr *RequestError
		switch {
		case err == nil:
		case errors.As(err, &reqErr) && reqErr.Code == http.StatusForbidden:
			s.log.Info("rejoin denied, dropping group", zap.String("group", join.Group.Key()))
			s.untrack(join.Group)
		default:
			s.log.Warn("rejoin failed", zap.String("group", join.Group.Key()), zap.Error(err))
		}
	}
}

func (s *Session) trackedJoins() []protocol.Join {
	s.mu.Lock()
	defer s.mu.Unlock()

	joins := make([]protocol.Join, 0, len(s.groups))
	for _, j := range s.groups {
		joins = append(joins, j)
	}
	sort.Slice(joins, func(i, k int) bool { return joins[i].Group.Key() < joins[k].Group.Key() })
	return joins
}

func (s *Session) track(join protocol.Join) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[join.Group.Key()] = join
}

func (s *Session) untrack(g events.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, g.Key())
}

// Groups returns the keys of the locally tracked groups in sorted order.
func (s *Session) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.groups))
	for k := range s.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Session) request(ctx context.Context, msg *protocol.ClientMessage) (*protocol.Response, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || s.State() != StateConnected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.nextId++
	id := s.nextId
	ch := make(chan *protocol.Response, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	msg.Id = id
	msg.Timestamp = protocol.Now()

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !res.Ok() {
			return res, &RequestError{Code: res.ResponseCode, Message: res.Error}
		}
		return res, nil
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		s.forget(id)
		return nil, fmt.Errorf("client: request %d timed out", id)
	}
}

func (s *Session) resolve(id int, res *protocol.Response) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		s.log.Debug("response without pending request", zap.Int("id", id), zap.Int("code", res.ResponseCode))
		return
	}
	ch <- res
}

func (s *Session) forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// failPending unblocks every in-flight request with ErrNotConnected.
func (s *Session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// Subscribe registers fn for events of type t and returns a function that
// removes it. Listeners run one at a time on the session's read loop, so they
// must not wait on requests to the same session.
func (s *Session) Subscribe(t events.Type, fn func(events.Envelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextListener++
	id := s.nextListener
	s.listeners[t] = append(s.listeners[t], listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			ls := s.listeners[t]
			for i, l := range ls {
				if l.id == id {
					s.listeners[t] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeAll registers fn for every event type.
func (s *Session) SubscribeAll(fn func(events.Envelope)) func() {
	return s.Subscribe("", fn)
}

// Handle subscribes to events of type t and passes their payload as P.
func Handle[P events.Payload](s *Session, t events.Type, fn func(P, events.Envelope)) func() {
	return s.Subscribe(t, func(env events.Envelope) {
		p, ok := env.Payload.(P)
		if !ok {
			s.log.Warn("unexpected payload", zap.String("event", string(t)))
			return
		}
		fn(p, env)
	})
}

func (s *Session) dispatch(env events.Envelope) {
	s.mu.Lock()
	ls := make([]listener, 0, len(s.listeners[env.Type])+len(s.listeners[""]))
	ls = append(ls, s.listeners[env.Type]...)
	ls = append(ls, s.listeners[""]...)
	s.mu.Unlock()

	for _, l := range ls {
		l.fn(env)
	}
}

// Close drops every listener, leaves the tracked groups if still connected
// and closes the connection. It waits for the read loop to exit.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.listeners = make(map[events.Type][]listener)
	started := s.started
	s.mu.Unlock()

	if s.State() == StateConnected {
		for _, join := range s.trackedJoins() {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			if _, err := s.request(ctx, &protocol.ClientMessage{Leave: &protocol.Leave{Group: join.Group}}); err != nil {
				s.log.Debug("leave on close", zap.String("group", join.Group.Key()), zap.Error(err))
			}
			cancel()
		}
	}

	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.groups = make(map[string]protocol.Join)
	s.mu.Unlock()
	if conn != nil {
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	}

	if started {
		<-s.done
	}
	s.setState(StateDisconnected)
	return nil
}
