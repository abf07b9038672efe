package server

import (
	"sync"
	"time"

	"github.com/npezzotti/go-collab/pkg/events"
	"go.uber.org/zap"
)

type typingKey struct {
	taskId string
	userId string
}

// typingEntry lives while a user is typing on a task. gen changes on every
// refresh so a timer that fired late can tell it has been superseded.
type typingEntry struct {
	mu       sync.Mutex
	key      typingKey
	userName string
	active   bool
	removed  bool
	gen      uint64
	timer    *time.Timer
	expires  time.Time
}

type typingTracker struct {
	mu         sync.RWMutex
	entries    map[typingKey]*typingEntry
	ttl        time.Duration
	dispatcher *Dispatcher
	log        *zap.Logger
}

func newTypingTracker(ttl time.Duration, d *Dispatcher, log *zap.Logger) *typingTracker {
	return &typingTracker{
		entries:    make(map[typingKey]*typingEntry),
		ttl:        ttl,
		dispatcher: d,
		log:        log.Named("typing"),
	}
}

func (tt *typingTracker) get(k typingKey) *typingEntry {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.entries[k]
}

func (tt *typingTracker) lock(k typingKey) *typingEntry {
	for {
		e := tt.get(k)
		if e == nil {
			tt.mu.Lock()
			if e = tt.entries[k]; e == nil {
				e = &typingEntry{key: k}
				tt.entries[k] = e
			}
			tt.mu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

func (tt *typingTracker) emit(e *typingEntry, typing bool) {
	tt.dispatcher.publish(events.TypeUserTyping, events.UserTyping{
		UserId:   e.key.userId,
		UserName: e.userName,
		TaskId:   e.key.taskId,
		IsTyping: typing,
	}, events.ViewersGroup(e.key.taskId))
}

// start marks the user as typing on the task and reports whether this was a
// new typing session. Repeated calls only push the expiry out.
func (tt *typingTracker) start(taskId, userId, userName string) bool {
	e := tt.lock(typingKey{taskId: taskId, userId: userId})
	defer e.mu.Unlock()

	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.expires = time.Now().Add(tt.ttl)
	e.timer = time.AfterFunc(tt.ttl, func() { tt.expire(e, gen) })

	if e.active {
		return false
	}

	e.active = true
	e.userName = userName
	tt.emit(e, true)
	return true
}

// stop ends the typing session. It reports false when there was none.
func (tt *typingTracker) stop(taskId, userId string) bool {
	e := tt.get(typingKey{taskId: taskId, userId: userId})
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.active {
		return false
	}

	tt.finish(e)
	return true
}

func (tt *typingTracker) expire(e *typingEntry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.active || e.gen != gen {
		return
	}

	tt.log.Debug("typing expired",
		zap.String("task_id", e.key.taskId),
		zap.String("user_id", e.key.userId))
	tt.finish(e)
}

// finish must be called with e.mu held.
func (tt *typingTracker) finish(e *typingEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.active = false
	e.removed = true

	tt.mu.Lock()
	if tt.entries[e.key] == e {
		delete(tt.entries, e.key)
	}
	tt.mu.Unlock()

	tt.emit(e, false)
}

// stopUser ends every typing session of the user.
func (tt *typingTracker) stopUser(userId string) int {
	tt.mu.RLock()
	keys := make([]typingKey, 0)
	for k := range tt.entries {
		if k.userId == userId {
			keys = append(keys, k)
		}
	}
	tt.mu.RUnlock()

	stopped := 0
	for _, k := range keys {
		if tt.stop(k.taskId, k.userId) {
			stopped++
		}
	}
	return stopped
}

func (tt *typingTracker) isTyping(taskId, userId string) bool {
	e := tt.get(typingKey{taskId: taskId, userId: userId})
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active && !e.removed
}

// shutdown cancels all pending timers without emitting events.
func (tt *typingTracker) shutdown() {
	tt.mu.Lock()
	entries := tt.entries
	tt.entries = make(map[typingKey]*typingEntry)
	tt.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.removed = true
		e.mu.Unlock()
	}
}
