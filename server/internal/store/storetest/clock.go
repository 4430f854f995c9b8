// Package storetest provides a manually advanced clock for store.Cache.
package storetest

import (
	"sort"
	"sync"
	"time"

	"github.com/sensorwatch/sensorwatch/server/internal/store"
)

// Clock is a fake clock. Timers fire only from Advance, on the caller's
// goroutine, in deadline order.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

type timer struct {
	clock *Clock
	due   time.Time
	fn    func()
	done  bool
}

// NewClock returns a Clock reading start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run once the clock reaches now+d. A non-positive d
// fires on the next Advance, including Advance(0).
func (c *Clock) AfterFunc(d time.Duration, fn func()) store.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{clock: c, due: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Stop reports whether the call prevented the timer from firing.
func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward by d and runs every timer that falls due,
// with Now reading each timer's deadline while it runs.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		t := c.nextDueLocked(target)
		if t == nil {
			break
		}
		t.done = true
		if t.due.After(c.now) {
			c.now = t.due
		}
		c.mu.Unlock()
		t.fn()
		c.mu.Lock()
	}
	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (c *Clock) nextDueLocked(target time.Time) *timer {
	var live []*timer
	for _, t := range c.timers {
		if !t.done && !t.due.After(target) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].due.Before(live[j].due) })
	return live[0]
}

func (c *Clock) compactLocked() {
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.done {
			kept = append(kept, t)
		}
	}
	c.timers = kept
}
