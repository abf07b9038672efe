package client

import (
	"sync"

	"github.com/npezzotti/go-collab/pkg/events"
)

type localEntry[T any] struct {
	value   T
	pending bool
}

// LocalState holds values the UI shows before the hub confirms them. Apply
// records an optimistic local change, Reconcile records a value received
// from the hub. Whichever arrives last wins; nothing is merged.
type LocalState[T any] struct {
	mu    sync.Mutex
	items map[string]localEntry[T]
}

func NewLocalState[T any]() *LocalState[T] {
	return &LocalState[T]{items: make(map[string]localEntry[T])}
}

func (ls *LocalState[T]) Apply(key string, v T) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.items[key] = localEntry[T]{value: v, pending: true}
}

func (ls *LocalState[T]) Reconcile(key string, v T) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.items[key] = localEntry[T]{value: v}
}

func (ls *LocalState[T]) Delete(key string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.items, key)
}

func (ls *LocalState[T]) Get(key string) (T, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	e, ok := ls.items[key]
	return e.value, ok
}

// Pending reports whether the current value is a local change the hub has
// not echoed yet.
func (ls *LocalState[T]) Pending(key string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.items[key].pending
}

func (ls *LocalState[T]) Len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.items)
}

// TrackTasks keeps ls in step with the task events the session receives.
// Deleted tasks are removed. The returned function unsubscribes.
func TrackTasks(s *Session, ls *LocalState[events.TaskChange]) func() {
	var unsubs []func()
	for _, t := range []events.Type{events.TypeTaskCreated, events.TypeTaskUpdated, events.TypeTaskStatusChanged} {
		unsubs = append(unsubs, Handle(s, t, func(p events.TaskChange, _ events.Envelope) {
			ls.Reconcile(p.TaskId, p)
		}))
	}
	unsubs = append(unsubs, Handle(s, events.TypeTaskDeleted, func(p events.TaskChange, _ events.Envelope) {
		ls.Delete(p.TaskId)
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
