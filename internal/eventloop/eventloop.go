package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/certbridge/certbridge/internal/bridge"
	"github.com/certbridge/certbridge/internal/core"
)

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// EventLoop manages Go-backed timers for setTimeout/setInterval and delivers
// settled certificate tasks back to the JS thread. Provides real wall-clock
// delays backed by Go timers.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
	reg    *bridge.Registry
}

// New creates an EventLoop draining settled tasks from reg.
func New(reg *bridge.Registry) *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		reg:    reg,
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// DrainSettledTasks dispatches every task whose worker has already finished.
// Each dispatch settles the JS side (callback invocation or promise
// resolution) and releases the task's retention, so a microtask checkpoint
// follows each one. Returns true if any task was dispatched.
// Must be called on the runtime's goroutine.
func (el *EventLoop) DrainSettledTasks(rt core.JSRuntime) bool {
	didWork := false
	for {
		task, ok := el.reg.TakeSettled()
		if !ok {
			return didWork
		}
		el.reg.Dispatch(task)
		rt.RunMicrotasks()
		didWork = true
	}
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	_ = rt.Eval(js)
}

// Drain fires all pending timers and dispatches settling tasks until none
// remain or the deadline is reached.
// Must be called on the runtime's goroutine (JS engines are single-threaded).
func (el *EventLoop) Drain(rt core.JSRuntime, deadline time.Time) {
	for {
		// Always deliver finished tasks first.
		if el.DrainSettledTasks(rt) {
			continue
		}

		el.mu.Lock()
		hasTimers := len(el.timers) > 0
		el.mu.Unlock()
		hasTasks := el.reg.Pending() > 0

		if !hasTimers && !hasTasks {
			return
		}

		// Find the next timer to fire.
		el.mu.Lock()
		var next *timerEntry
		for _, t := range el.timers {
			if t.cleared {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		el.mu.Unlock()

		if next == nil && !hasTasks {
			return
		}

		if next == nil && hasTasks {
			// No timers, but tasks are in flight. Poll with a short sleep.
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(1 * time.Millisecond)
			continue
		}

		// Wait until timer fires or execution deadline.
		now := time.Now()
		if next.deadline.After(now) {
			wait := next.deadline.Sub(now)
			if now.Add(wait).After(deadline) {
				if hasTasks {
					for time.Now().Before(deadline) {
						if el.DrainSettledTasks(rt) {
							break
						}
						time.Sleep(1 * time.Millisecond)
					}
				}
				return
			}
			if hasTasks {
				timerDeadline := now.Add(wait)
				for time.Now().Before(timerDeadline) {
					el.DrainSettledTasks(rt)
					remaining := time.Until(timerDeadline)
					if remaining <= 0 {
						break
					}
					if remaining > 1*time.Millisecond {
						remaining = 1 * time.Millisecond
					}
					time.Sleep(remaining)
				}
			} else {
				time.Sleep(wait)
			}
		}

		if time.Now().After(deadline) {
			return
		}

		// Fire the callback.
		el.mu.Lock()
		if next.cleared {
			el.mu.Unlock()
			continue
		}
		timerID := next.id
		if next.interval > 0 {
			next.deadline = time.Now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		el.fireTimer(rt, timerID)
		rt.RunMicrotasks()
	}
}

// HasPending returns true if there are any active timers or in-flight tasks.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	hasTimers := len(el.timers) > 0
	el.mu.Unlock()
	return hasTimers || el.reg.Pending() > 0
}

// Reset clears all timers. Called when a worker is returned to the pool.
// In-flight tasks are owned by the registry and are not touched here.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
}
