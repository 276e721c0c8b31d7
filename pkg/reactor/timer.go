package reactor

import (
	"sync"
	"time"
)

// Timers arms one-shot timers whose callbacks run on a Loop.
type Timers struct {
	loop *Loop

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*time.Timer
}

// NewTimers creates a timer service bound to loop.
func NewTimers(loop *Loop) *Timers {
	return &Timers{loop: loop, active: make(map[uint64]*time.Timer)}
}

// Arm schedules fn after d and returns a handle for Disarm. A handle is never
// zero.
func (t *Timers) Arm(d time.Duration, fn func()) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.active[id] = time.AfterFunc(d, func() {
		_ = t.loop.Post(func() {
			// Disarm may have raced with the expiry; only live handles fire.
			if t.take(id) {
				fn()
			}
		})
	})
	return id
}

// Disarm cancels the timer. Unknown or already fired handles are ignored.
func (t *Timers) Disarm(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.active[id]; ok {
		tm.Stop()
		delete(t.active, id)
	}
}

// Pending returns the number of armed timers.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// StopAll cancels every armed timer.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.active {
		tm.Stop()
		delete(t.active, id)
	}
}

func (t *Timers) take(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
