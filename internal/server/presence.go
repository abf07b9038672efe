package server

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/npezzotti/go-collab/pkg/events"
	"go.uber.org/zap"
)

type presenceKey struct {
	userId      string
	workspaceId string
}

// presenceEntry is the state of one user in one workspace. Every mutation,
// including the sweep, happens under mu and events are published while it is
// held so that UserJoined and UserLeft for a key are never reordered.
type presenceEntry struct {
	mu          sync.Mutex
	key         presenceKey
	userName    string
	online      bool
	lastSeen    time.Time
	connections map[string]struct{}
	view        *types.View
	removed     bool
}

type presenceStore struct {
	mu         sync.RWMutex
	entries    map[presenceKey]*presenceEntry
	window     time.Duration
	now        func() time.Time
	dispatcher *Dispatcher
	stats      stats.StatsProvider
	log        *zap.Logger
}

func newPresenceStore(window time.Duration, d *Dispatcher, su stats.StatsProvider, log *zap.Logger) *presenceStore {
	return &presenceStore{
		entries:    make(map[presenceKey]*presenceEntry),
		window:     window,
		now:        time.Now,
		dispatcher: d,
		stats:      su,
		log:        log.Named("presence"),
	}
}

func (ps *presenceStore) get(k presenceKey) *presenceEntry {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.entries[k]
}

// lock returns the live entry for k with its mutex held, creating it if needed.
func (ps *presenceStore) lock(k presenceKey) *presenceEntry {
	for {
		e := ps.get(k)
		if e == nil {
			ps.mu.Lock()
			if e = ps.entries[k]; e == nil {
				e = &presenceEntry{key: k, connections: make(map[string]struct{})}
				ps.entries[k] = e
			}
			ps.mu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

func (ps *presenceStore) goOnline(e *presenceEntry) {
	e.online = true
	ps.stats.Incr(stats.NumOnlineUsers)
	ps.dispatcher.publish(events.TypeUserJoined, events.UserJoined{
		UserId:      e.key.userId,
		UserName:    e.userName,
		WorkspaceId: e.key.workspaceId,
		LastSeen:    e.lastSeen.UTC(),
	}, events.WorkspaceGroup(e.key.workspaceId))
}

func (ps *presenceStore) goOffline(e *presenceEntry) {
	e.online = false
	ps.stats.Decr(stats.NumOnlineUsers)
	ps.dispatcher.publish(events.TypeUserLeft, events.UserLeft{
		UserId:      e.key.userId,
		WorkspaceId: e.key.workspaceId,
	}, events.WorkspaceGroup(e.key.workspaceId))
}

// track records that connection c is present in workspaceId. UserJoined is
// emitted only when the user goes from offline to online.
func (ps *presenceStore) track(c *Client, workspaceId string) {
	e := ps.lock(presenceKey{userId: c.user.Id, workspaceId: workspaceId})
	defer e.mu.Unlock()

	e.userName = c.user.Username
	e.connections[c.id] = struct{}{}
	e.lastSeen = ps.now()
	if !e.online {
		ps.goOnline(e)
	}
}

// untrack removes connection c from the user's record. The last connection
// leaving emits exactly one UserLeft unless the sweep already did.
func (ps *presenceStore) untrack(c *Client, workspaceId string) {
	e := ps.get(presenceKey{userId: c.user.Id, workspaceId: workspaceId})
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}
	if _, ok := e.connections[c.id]; !ok {
		return
	}

	delete(e.connections, c.id)
	if len(e.connections) > 0 {
		return
	}

	e.view = nil
	if e.online {
		ps.goOffline(e)
	}
}

// heartbeat refreshes lastSeen. A record the sweep flipped offline comes back
// online if it still has connections.
func (ps *presenceStore) heartbeat(userId, workspaceId string) bool {
	e := ps.get(presenceKey{userId: userId, workspaceId: workspaceId})
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || len(e.connections) == 0 {
		return false
	}

	e.lastSeen = ps.now()
	if !e.online {
		ps.goOnline(e)
	}
	return true
}

// setView records what the user is looking at in each of the workspaces.
func (ps *presenceStore) setView(userId string, workspaceIds []string, view types.View) {
	for _, ws := range workspaceIds {
		e := ps.get(presenceKey{userId: userId, workspaceId: ws})
		if e == nil {
			continue
		}

		e.mu.Lock()
		if !e.removed && len(e.connections) > 0 {
			v := view
			e.view = &v
			e.lastSeen = ps.now()
		}
		e.mu.Unlock()
	}
}

// clearView forgets the current view if it still points at entityId.
func (ps *presenceStore) clearView(userId string, workspaceIds []string, entityId string) {
	for _, ws := range workspaceIds {
		e := ps.get(presenceKey{userId: userId, workspaceId: ws})
		if e == nil {
			continue
		}

		e.mu.Lock()
		if e.view != nil && e.view.EntityId == entityId {
			e.view = nil
		}
		e.mu.Unlock()
	}
}

func (ps *presenceStore) snapshotEntry(e *presenceEntry, now time.Time) types.Presence {
	p := types.Presence{
		UserId:          e.key.userId,
		UserName:        e.userName,
		WorkspaceId:     e.key.workspaceId,
		IsOnline:        e.online && len(e.connections) > 0 && now.Sub(e.lastSeen) < ps.window,
		LastSeen:        e.lastSeen.UTC(),
		ConnectionCount: len(e.connections),
	}
	if e.view != nil {
		v := *e.view
		p.CurrentView = &v
	}
	return p
}

func (ps *presenceStore) entriesSnapshot() []*presenceEntry {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	entries := make([]*presenceEntry, 0, len(ps.entries))
	for _, e := range ps.entries {
		entries = append(entries, e)
	}
	return entries
}

// workspace returns the presence records for workspaceId ordered by user id.
func (ps *presenceStore) workspace(workspaceId string) []types.Presence {
	now := ps.now()
	out := []types.Presence{}
	for _, e := range ps.entriesSnapshot() {
		if e.key.workspaceId != workspaceId {
			continue
		}
		e.mu.Lock()
		if !e.removed {
			out = append(out, ps.snapshotEntry(e, now))
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

func (ps *presenceStore) lookup(userId, workspaceId string) (types.Presence, bool) {
	e := ps.get(presenceKey{userId: userId, workspaceId: workspaceId})
	if e == nil {
		return types.Presence{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return types.Presence{}, false
	}
	return ps.snapshotEntry(e, ps.now()), true
}

// sweep flips online records whose heartbeat is older than the staleness
// window to offline, and drops offline records without connections once they
// have been idle for a full window. It returns how many records went offline.
func (ps *presenceStore) sweep() int {
	now := ps.now()
	flipped := 0

	for _, e := range ps.entriesSnapshot() {
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		stale := now.Sub(e.lastSeen) >= ps.window
		switch {
		case e.online && stale:
			ps.goOffline(e)
			flipped++
			ps.log.Debug("presence went stale",
				zap.String("user_id", e.key.userId),
				zap.String("workspace_id", e.key.workspaceId),
				zap.Int("connections", len(e.connections)),
			)
		case !e.online && stale && len(e.connections) == 0:
			e.removed = true
			ps.mu.Lock()
			if ps.entries[e.key] == e {
				delete(ps.entries, e.key)
			}
			ps.mu.Unlock()
		}
		e.mu.Unlock()
	}

	return flipped
}

// presenceSweeper runs the staleness sweep on a fixed interval.
type presenceSweeper struct {
	store    *presenceStore
	log      *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func newPresenceSweeper(store *presenceStore, interval time.Duration, log *zap.Logger) *presenceSweeper {
	return &presenceSweeper{
		store:    store,
		log:      log.Named("sweeper"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (w *presenceSweeper) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("presence sweeper started",
		zap.Duration("interval", w.interval),
		zap.Duration("staleness_window", w.store.window))
}

func (w *presenceSweeper) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		w.log.Info("presence sweeper stopped")
	})
}

func (w *presenceSweeper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if n := w.store.sweep(); n > 0 {
				w.log.Info("marked stale users offline", zap.Int("count", n))
			}
		}
	}
}
