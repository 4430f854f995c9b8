package publisher

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sensorwatch/sensorwatch/pkg/types"
	"github.com/sensorwatch/sensorwatch/server/internal/metrics"
)

// Overflow selects what a subscription does when its queue reaches Buffer.
type Overflow string

const (
	// OverflowUnbounded never drops; the queue grows without limit.
	OverflowUnbounded Overflow = "unbounded"
	// OverflowDropOldest discards the oldest queued event.
	OverflowDropOldest Overflow = "drop_oldest"
	// OverflowDisconnect unsubscribes the slow subscriber.
	OverflowDisconnect Overflow = "disconnect"
)

// ParseOverflow converts a config string. The empty string is unbounded.
func ParseOverflow(s string) (Overflow, error) {
	switch o := Overflow(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OverflowUnbounded, nil
	case OverflowUnbounded, OverflowDropOldest, OverflowDisconnect:
		return o, nil
	}
	return "", fmt.Errorf("publisher: unknown overflow policy %q", s)
}

// DefaultBuffer bounds a subscription queue under the bounded policies.
const DefaultBuffer = 256

// Options configures a Publisher.
type Options struct {
	Buffer   int
	Overflow Overflow
	Metrics  *metrics.Metrics
}

// Publisher broadcasts change events to every live subscription.
type Publisher struct {
	opts Options

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a Publisher.
func New(opts Options) *Publisher {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowUnbounded
	}
	return &Publisher{
		opts: opts,
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscription. Events published after Subscribe
// returns are delivered in publish order. Subscribing to a closed publisher
// yields a subscription whose channel is already closed.
func (p *Publisher) Subscribe() *Subscription {
	s := &Subscription{
		p:      p,
		ch:     make(chan types.ChangeEvent),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.draining = true
		go s.pump()
		return s
	}
	p.subs[s] = struct{}{}
	n := len(p.subs)
	p.mu.Unlock()

	p.opts.Metrics.SetSubscribers(n)
	go s.pump()
	return s
}

// Publish enqueues ev on every subscription. It never blocks on a consumer.
func (p *Publisher) Publish(ev types.ChangeEvent) {
	var overflowed []*Subscription

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for s := range p.subs {
		if !s.enqueue(ev) {
			overflowed = append(overflowed, s)
		}
	}
	p.mu.Unlock()

	for _, s := range overflowed {
		s.Close()
	}
}

// Count returns the number of live subscriptions.
func (p *Publisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close stops accepting events. Every subscription delivers what it has
// queued and then closes its channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subs
	p.subs = make(map[*Subscription]struct{})
	p.mu.Unlock()

	for s := range subs {
		s.drain()
	}
	p.opts.Metrics.SetSubscribers(0)
}

func (p *Publisher) remove(s *Subscription) {
	p.mu.Lock()
	_, ok := p.subs[s]
	delete(p.subs, s)
	n := len(p.subs)
	p.mu.Unlock()
	if ok {
		p.opts.Metrics.SetSubscribers(n)
	}
}

// Subscription is one consumer's view of the change stream.
type Subscription struct {
	p      *Publisher
	ch     chan types.ChangeEvent
	signal chan struct{}
	quit   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	queue    []types.ChangeEvent
	draining bool

	dropped    atomic.Uint64
	overflowed atomic.Bool
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan types.ChangeEvent { return s.ch }

// Dropped returns how many events this subscription lost to its overflow
// policy.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Overflowed reports whether the subscription was disconnected for falling
// behind.
func (s *Subscription) Overflowed() bool { return s.overflowed.Load() }

// Close unsubscribes immediately, discarding anything still queued.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.quit)
		s.p.remove(s)
	})
}

// enqueue reports false when the subscription must be disconnected.
func (s *Subscription) enqueue(ev types.ChangeEvent) bool {
	opts := s.p.opts

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return true
	}
	if opts.Overflow != OverflowUnbounded && len(s.queue) >= opts.Buffer {
		switch opts.Overflow {
		case OverflowDisconnect:
			n := len(s.queue)
			s.queue = nil
			s.mu.Unlock()
			s.overflowed.Store(true)
			s.dropped.Add(uint64(n) + 1)
			opts.Metrics.SubscriberDropped(n + 1)
			return false
		default:
			s.queue[0] = types.ChangeEvent{}
			s.queue = s.queue[1:]
			s.dropped.Add(1)
			opts.Metrics.SubscriberDropped(1)
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	s.notify()
	return true
}

func (s *Subscription) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump is the only sender on ch and the only closer.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.draining {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.signal:
			case <-s.quit:
				return
			}
			s.mu.Lock()
		}
		ev := s.queue[0]
		s.queue[0] = types.ChangeEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.quit:
			return
		}
	}
}
