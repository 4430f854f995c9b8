package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sensorwatch/sensorwatch/pkg/types"
)

// ErrClosed is returned by Upsert after Close.
var ErrClosed = errors.New("store: closed")

// Token identifies one armed expiry. Tokens are never reused within a Cache.
type Token uint64

// Timer is the subset of *time.Timer the cache needs.
type Timer interface {
	Stop() bool
}

// ExpireFunc is called when the timer armed with tok fires for key. It runs on
// the timer's goroutine, never while the cache lock is held.
type ExpireFunc func(key string, tok Token)

// Entry is a copy of one live cache slot.
type Entry struct {
	Key       string       `json:"key"`
	Status    types.Status `json:"status"`
	Sensor    types.Sensor `json:"sensor"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type slot struct {
	entry Entry
	token Token
	timer Timer
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now and time.AfterFunc.
func WithClock(now func() time.Time, afterFunc func(time.Duration, func()) Timer) Option {
	return func(c *Cache) {
		c.now = now
		c.afterFunc = afterFunc
	}
}

// Cache is a thread-safe map of key to latest status with per-entry expiry.
type Cache struct {
	mu        sync.RWMutex
	data      map[string]*slot
	ttl       time.Duration
	onExpire  ExpireFunc
	seq       Token
	closed    bool
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
}

// New creates a Cache whose entries expire ttl after their status timestamp.
// onExpire may be nil, in which case timers remove entries directly.
func New(ttl time.Duration, onExpire ExpireFunc, opts ...Option) *Cache {
	c := &Cache{
		data:     make(map[string]*slot),
		ttl:      ttl,
		onExpire: onExpire,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.onExpire == nil {
		c.onExpire = func(key string, tok Token) { c.RemoveIf(key, tok) }
	}
	return c
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Upsert installs st for key and arms a fresh expiry at st.Timestamp+TTL,
// stopping any timer the key already held. It returns the prior entry and
// whether one existed. A deadline already in the past fires immediately.
func (c *Cache) Upsert(key string, st types.Status, sn types.Sensor) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Entry{}, false, ErrClosed
	}

	prev, existed := c.data[key]
	if existed {
		prev.timer.Stop()
	}

	c.seq++
	tok := c.seq
	expiresAt := st.Timestamp.Add(c.ttl)
	s := &slot{
		entry: Entry{Key: key, Status: st, Sensor: sn, ExpiresAt: expiresAt},
		token: tok,
	}
	s.timer = c.afterFunc(expiresAt.Sub(c.now()), func() { c.onExpire(key, tok) })
	c.data[key] = s

	if !existed {
		return Entry{}, false, nil
	}
	return prev.entry, true, nil
}

// Get returns the entry for key.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[key]
	if !ok {
		return Entry{}, false
	}
	return s.entry, true
}

// Remove deletes key and cancels its timer.
func (c *Cache) Remove(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(key)
}

// RemoveIf deletes key only while it still carries tok. It reports false when
// the entry was superseded, already removed, or the cache is closed.
func (c *Cache) RemoveIf(key string, tok Token) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Entry{}, false
	}
	s, ok := c.data[key]
	if !ok || s.token != tok {
		return Entry{}, false
	}
	return c.removeLocked(key)
}

func (c *Cache) removeLocked(key string) (Entry, bool) {
	s, ok := c.data[key]
	if !ok {
		return Entry{}, false
	}
	s.timer.Stop()
	delete(c.data, key)
	return s.entry, true
}

// List returns every live entry ordered by key.
func (c *Cache) List() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.data))
	for _, s := range c.data {
		out = append(out, s.entry)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the number of live entries.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops every timer. Entries stay readable; no expiry removes anything
// afterwards and Upsert fails with ErrClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, s := range c.data {
		s.timer.Stop()
	}
}
