package server

import (
	"sync"
	"sync/atomic"

	"github.com/npezzotti/go-collab/internal/stats"
	"go.uber.org/zap"
)

type memberSet map[*Client]struct{}

// group is a broadcast scope. Writers serialize on mu and replace the member
// set wholesale so readers can load it without locking.
type group struct {
	key     string
	mu      sync.Mutex
	members atomic.Pointer[memberSet]
	// deleted is set once the group is unloaded. A writer that finds it set
	// must fetch the group again.
	deleted bool
}

func newGroup(key string) *group {
	g := &group{key: key}
	empty := memberSet{}
	g.members.Store(&empty)
	return g
}

func (g *group) snapshot() memberSet {
	return *g.members.Load()
}

type groupManager struct {
	mu     sync.RWMutex
	groups map[string]*group
	stats  stats.StatsProvider
	log    *zap.Logger
}

func newGroupManager(su stats.StatsProvider, log *zap.Logger) *groupManager {
	return &groupManager{
		groups: make(map[string]*group),
		stats:  su,
		log:    log,
	}
}

func (gm *groupManager) get(key string) *group {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	return gm.groups[key]
}

func (gm *groupManager) getOrCreate(key string) *group {
	if g := gm.get(key); g != nil {
		return g
	}

	gm.mu.Lock()
	defer gm.mu.Unlock()
	if g, ok := gm.groups[key]; ok {
		return g
	}

	g := newGroup(key)
	gm.groups[key] = g
	gm.stats.Incr(stats.NumActiveGroups)
	gm.log.Debug("loaded group", zap.String("group", key))
	return g
}

// join adds c to the group and reports whether membership changed.
func (gm *groupManager) join(c *Client, key string) bool {
	for {
		g := gm.getOrCreate(key)
		g.mu.Lock()
		if g.deleted {
			g.mu.Unlock()
			continue
		}

		cur := g.snapshot()
		if _, ok := cur[c]; ok {
			g.mu.Unlock()
			return false
		}

		next := make(memberSet, len(cur)+1)
		for m := range cur {
			next[m] = struct{}{}
		}
		next[c] = struct{}{}
		g.members.Store(&next)
		g.mu.Unlock()

		return true
	}
}

// leave removes c from the group and reports whether membership changed. The
// group is unloaded when its last member leaves.
func (gm *groupManager) leave(c *Client, key string) bool {
	g := gm.get(key)
	if g == nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleted {
		return false
	}

	cur := g.snapshot()
	if _, ok := cur[c]; !ok {
		return false
	}

	next := make(memberSet, len(cur))
	for m := range cur {
		if m != c {
			next[m] = struct{}{}
		}
	}
	g.members.Store(&next)

	if len(next) == 0 {
		g.deleted = true
		gm.mu.Lock()
		if gm.groups[key] == g {
			delete(gm.groups, key)
			gm.stats.Decr(stats.NumActiveGroups)
		}
		gm.mu.Unlock()
		gm.log.Debug("unloaded group", zap.String("group", key))
	}

	return true
}

func (gm *groupManager) isMember(c *Client, key string) bool {
	g := gm.get(key)
	if g == nil {
		return false
	}
	_, ok := g.snapshot()[c]
	return ok
}

// membersOf returns the connection ids subscribed to key.
func (gm *groupManager) membersOf(key string) []string {
	g := gm.get(key)
	if g == nil {
		return []string{}
	}

	members := g.snapshot()
	ids := make([]string, 0, len(members))
	for c := range members {
		ids = append(ids, c.id)
	}
	return ids
}

// fanout calls fn for every member while holding the group's write lock, so
// two fanouts to the same group never interleave.
func (gm *groupManager) fanout(key string, fn func(c *Client)) int {
	g := gm.get(key)
	if g == nil {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleted {
		return 0
	}

	members := g.snapshot()
	for c := range members {
		fn(c)
	}
	return len(members)
}

func (gm *groupManager) count() int {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	return len(gm.groups)
}
