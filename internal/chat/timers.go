package chat

import (
	"sync"
	"time"
)

// TimerSet holds cancellable delayed actions grouped by the session that
// scheduled them.
type TimerSet struct {
	mu     sync.Mutex
	next   uint64
	timers map[string]map[uint64]*time.Timer
}

func NewTimerSet() *TimerSet {
	return &TimerSet{timers: make(map[string]map[uint64]*time.Timer)}
}

// Schedule runs fn after delay unless it is cancelled first.
func (t *TimerSet) Schedule(key string, delay time.Duration, fn func()) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	id := t.next
	pending := t.timers[key]
	if pending == nil {
		pending = make(map[uint64]*time.Timer)
		t.timers[key] = pending
	}
	pending[id] = time.AfterFunc(delay, func() {
		// A timer that was cancelled after firing must not run fn.
		if t.take(key, id) {
			fn()
		}
	})
	return id
}

func (t *TimerSet) take(key string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := t.timers[key]
	if _, ok := pending[id]; !ok {
		return false
	}
	delete(pending, id)
	if len(pending) == 0 {
		delete(t.timers, key)
	}
	return true
}

func (t *TimerSet) Cancel(key string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[key][id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers[key], id)
	if len(t.timers[key]) == 0 {
		delete(t.timers, key)
	}
	return true
}

// CancelAll stops every pending timer for key and reports how many there were.
func (t *TimerSet) CancelAll(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := t.timers[key]
	for _, timer := range pending {
		timer.Stop()
	}
	delete(t.timers, key)
	return len(pending)
}

func (t *TimerSet) Pending(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers[key])
}
