package server

import (
	"sync"

	"github.com/npezzotti/go-collab/internal/stats"
)

// registry tracks live connections and the user each one belongs to.
type registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	userMap map[string]map[*Client]struct{}
	stats   stats.StatsProvider
}

func newRegistry(su stats.StatsProvider) *registry {
	return &registry{
		clients: make(map[string]*Client),
		userMap: make(map[string]map[*Client]struct{}),
		stats:   su,
	}
}

func (r *registry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.id] = c
	if _, ok := r.userMap[c.user.Id]; !ok {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}
	r.stats.Incr(stats.NumActiveConnections)
}

// remove drops the connection and reports whether it was the user's last one.
// ok is false when the connection was not registered.
func (r *registry) remove(c *Client) (last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.id]; !ok {
		return false, false
	}
	delete(r.clients, c.id)

	if conns, ok := r.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.userMap, c.user.Id)
			last = true
		}
	}
	r.stats.Decr(stats.NumActiveConnections)

	return last, true
}

func (r *registry) get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	return c, ok
}

func (r *registry) userConnections(userId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Client, 0, len(r.userMap[userId]))
	for c := range r.userMap[userId] {
		conns = append(conns, c)
	}
	return conns
}

func (r *registry) connected(userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userMap[userId]) > 0
}

func (r *registry) all() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	return conns
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
