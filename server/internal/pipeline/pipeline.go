package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sensorwatch/sensorwatch/pkg/types"
	"github.com/sensorwatch/sensorwatch/server/internal/metrics"
	"github.com/sensorwatch/sensorwatch/server/internal/publisher"
	"github.com/sensorwatch/sensorwatch/server/internal/resolver"
	"github.com/sensorwatch/sensorwatch/server/internal/store"
)

// Sentinel lifecycle errors.
var (
	ErrNotStarted = errors.New("pipeline: not started")
	ErrStopped    = errors.New("pipeline: stopped")
)

// DefaultTTL is how long a status stays cached after its emission timestamp.
const DefaultTTL = 15 * time.Second

// Source is the external sensor source the pipeline consumes.
type Source interface {
	OnStatus(func(types.Status))
	Start(ctx context.Context, rate types.Rate, continuous bool) error
	Stop(ctx context.Context) error
	Lookup(ctx context.Context, id string) (types.Sensor, error)
}

// Resolver maps a sensor ID to its metadata.
type Resolver interface {
	Resolve(ctx context.Context, id string) (types.Sensor, error)
}

// Config holds the pipeline tunables.
type Config struct {
	TTL        time.Duration
	Workers    int
	Rate       types.Rate
	Continuous bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithResolver replaces the default resolver built over the source.
func WithResolver(r Resolver) Option {
	return func(p *Pipeline) { p.res = r }
}

// WithMetrics attaches instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.m = m }
}

// WithCacheOptions passes options through to the status cache.
func WithCacheOptions(opts ...store.Option) Option {
	return func(p *Pipeline) { p.cacheOpts = append(p.cacheOpts, opts...) }
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

type kind int

const (
	kindIngest kind = iota
	kindDelete
)

type deleteResult struct {
	removed bool
	err     error
}

// ticket is one unit of work travelling through a lane.
type ticket struct {
	kind     kind
	sensorID string
	status   types.Status
	result   chan deleteResult // delete tickets only
	lane     *lane

	// set by the resolving worker under Pipeline.mu
	sensor types.Sensor
	err    error
	done   bool
}

// lane orders the tickets of one sensor ID.
type lane struct {
	tickets []*ticket  // guarded by Pipeline.mu
	applyMu sync.Mutex // held by whoever is applying this lane's head
}

// Pipeline is the ingestion pipeline. Create it with New, then Start once and
// Stop once.
type Pipeline struct {
	src       Source
	res       Resolver
	pub       *publisher.Publisher
	cache     *store.Cache
	cfg       Config
	m         *metrics.Metrics
	cacheOpts []store.Option

	mu        sync.Mutex
	cond      *sync.Cond
	state     state
	accepting bool
	stopping  bool
	queue     []*ticket
	lanes     map[string]*lane

	inflight sync.WaitGroup // accepted tickets not yet settled
	workers  sync.WaitGroup

	workCtx    context.Context
	cancelWork context.CancelFunc

	// gate serializes cache mutation, expiry and publish.
	gate   sync.Mutex
	closed bool

	// beforeApply runs under the gate before each ingest; tests inject faults here.
	beforeApply func(types.Status)
}

// New assembles a Pipeline over src that publishes to pub.
func New(src Source, pub *publisher.Publisher, cfg Config, opts ...Option) *Pipeline {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Rate == "" {
		cfg.Rate = types.RateEasy
	}
	p := &Pipeline{
		src:   src,
		pub:   pub,
		cfg:   cfg,
		lanes: make(map[string]*lane),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	if p.res == nil {
		p.res = resolver.New(src, resolver.Options{Metrics: p.m})
	}
	p.cache = store.New(cfg.TTL, p.expire, p.cacheOpts...)
	p.workCtx, p.cancelWork = context.WithCancel(context.Background())
	return p
}

// Cache exposes the status cache for readers.
func (p *Pipeline) Cache() *store.Cache { return p.cache }

// Publisher returns the change publisher.
func (p *Pipeline) Publisher() *publisher.Publisher { return p.pub }

// Running reports whether the pipeline accepts work.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning && p.accepting
}

// Start registers the intake, launches the workers and starts the source with
// the configured rate. A failed source start leaves the pipeline running;
// call Stop to release it.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case stateRunning:
		p.mu.Unlock()
		return errors.New("pipeline: already started")
	case stateStopped:
		p.mu.Unlock()
		return ErrStopped
	}
	p.state = stateRunning
	p.accepting = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	p.src.OnStatus(p.onStatus)
	if err := p.src.Start(ctx, p.cfg.Rate, p.cfg.Continuous); err != nil {
		return fmt.Errorf("pipeline: start source: %w", err)
	}
	slog.Info("pipeline: started",
		"workers", p.cfg.Workers, "rate", p.cfg.Rate, "continuous", p.cfg.Continuous, "ttl", p.cfg.TTL)
	return nil
}

// Stop detaches from the source, drains accepted events, cancels every
// pending expiry and closes the publisher. If ctx expires while draining,
// outstanding resolutions are cancelled and their events dropped.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateRunning {
		prev := p.state
		p.state = stateStopped
		p.mu.Unlock()
		if prev == stateStopped {
			return nil
		}
		p.shutdownCache()
		p.pub.Close()
		return nil
	}
	p.accepting = false
	p.mu.Unlock()

	var errs []error
	p.src.OnStatus(nil)
	if err := p.src.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: stop source: %w", err))
	}

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("pipeline: drain deadline reached, cancelling resolutions")
		errs = append(errs, fmt.Errorf("pipeline: drain: %w", ctx.Err()))
		p.cancelWork()
		<-drained
	}

	p.mu.Lock()
	p.stopping = true
	p.state = stateStopped
	p.cond.Broadcast()
	p.mu.Unlock()
	p.workers.Wait()
	p.cancelWork()

	p.shutdownCache()
	p.pub.Close()
	slog.Info("pipeline: stopped", "entries", p.cache.Count())
	return errors.Join(errs...)
}

func (p *Pipeline) shutdownCache() {
	p.gate.Lock()
	p.closed = true
	p.cache.Close()
	p.gate.Unlock()
}

// DeleteStatus removes the cache entry of sensorID, ordered after every status
// of that sensor accepted before the call. It reports whether an entry
// existed; a Remove change event is published only in that case.
func (p *Pipeline) DeleteStatus(ctx context.Context, sensorID string) (bool, error) {
	t := &ticket{kind: kindDelete, sensorID: sensorID, result: make(chan deleteResult, 1)}

	p.mu.Lock()
	switch {
	case p.state == stateIdle:
		p.mu.Unlock()
		return false, ErrNotStarted
	case !p.accepting:
		p.mu.Unlock()
		return false, ErrStopped
	}
	p.enqueueLocked(t)
	p.mu.Unlock()

	select {
	case r := <-t.result:
		return r.removed, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// onStatus is the intake registered on the source. It never blocks on
// resolution or on the gate.
func (p *Pipeline) onStatus(st types.Status) {
	p.mu.Lock()
	if !p.accepting {
		p.mu.Unlock()
		p.m.EventDropped(metrics.ReasonShutdown)
		return
	}
	p.enqueueLocked(&ticket{kind: kindIngest, sensorID: st.SensorID, status: st})
	p.mu.Unlock()
	p.m.EventReceived()
}

func (p *Pipeline) enqueueLocked(t *ticket) {
	l, ok := p.lanes[t.sensorID]
	if !ok {
		l = &lane{}
		p.lanes[t.sensorID] = l
	}
	t.lane = l
	l.tickets = append(l.tickets, t)
	p.queue = append(p.queue, t)
	p.inflight.Add(1)
	p.cond.Signal()
}

func (p *Pipeline) worker() {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		sn, err := p.res.Resolve(p.workCtx, t.sensorID)

		p.mu.Lock()
		t.sensor, t.err, t.done = sn, err, true
		p.mu.Unlock()
		p.settle(t.lane)
	}
}

// settle applies the lane's resolved head tickets in arrival order. A ticket
// stays at the head until it has been applied so a later ticket of the same
// sensor can never overtake it.
func (p *Pipeline) settle(l *lane) {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()
	for {
		p.mu.Lock()
		if len(l.tickets) == 0 || !l.tickets[0].done {
			p.mu.Unlock()
			return
		}
		t := l.tickets[0]
		p.mu.Unlock()

		p.handle(t)

		p.mu.Lock()
		l.tickets[0] = nil
		l.tickets = l.tickets[1:]
		if len(l.tickets) == 0 {
			delete(p.lanes, t.sensorID)
		}
		p.mu.Unlock()
		p.inflight.Done()
	}
}

func (p *Pipeline) handle(t *ticket) {
	if t.err != nil {
		if t.kind == kindDelete {
			t.result <- deleteResult{err: t.err}
			return
		}
		reason := resolver.Outcome(t.err)
		p.m.EventDropped(reason)
		slog.Warn("pipeline: event dropped",
			"sensor_id", t.sensorID, "status_id", t.status.ID, "reason", reason, "err", t.err)
		return
	}
	if t.kind == kindDelete {
		removed, err := p.applyDelete(t.sensor)
		t.result <- deleteResult{removed: removed, err: err}
		return
	}
	p.applyIngest(t.status, t.sensor)
}

func (p *Pipeline) applyIngest(st types.Status, sn types.Sensor) {
	p.gate.Lock()
	defer p.gate.Unlock()
	defer func() {
		if r := recover(); r != nil {
			p.m.EventDropped(metrics.ReasonFault)
			slog.Error("pipeline: apply panicked",
				"sensor_id", st.SensorID, "status_id", st.ID, "panic", r)
		}
	}()

	if p.beforeApply != nil {
		p.beforeApply(st)
	}
	_, existed, err := p.cache.Upsert(sn.Name, st, sn)
	if err != nil {
		reason := metrics.ReasonFault
		if errors.Is(err, store.ErrClosed) {
			reason = metrics.ReasonShutdown
		}
		p.m.EventDropped(reason)
		slog.Warn("pipeline: apply failed", "sensor_id", st.SensorID, "status_id", st.ID, "err", err)
		return
	}
	op := types.OpAdd
	if existed {
		op = types.OpUpdate
	}
	sensor := sn
	p.publishLocked(types.ChangeEvent{Op: op, Key: sn.Name, Status: st, Sensor: &sensor})
}

func (p *Pipeline) applyDelete(sn types.Sensor) (removed bool, err error) {
	p.gate.Lock()
	defer p.gate.Unlock()
	defer func() {
		if r := recover(); r != nil {
			p.m.EventDropped(metrics.ReasonFault)
			slog.Error("pipeline: delete panicked", "sensor_id", sn.ID, "panic", r)
			err = fmt.Errorf("pipeline: delete %s: %v", sn.ID, r)
		}
	}()
	if p.closed {
		return false, ErrStopped
	}
	e, ok := p.cache.Remove(sn.Name)
	if !ok {
		return false, nil
	}
	p.publishLocked(types.ChangeEvent{Op: types.OpRemove, Key: e.Key, Status: e.Status})
	return true, nil
}

// expire is the cache's expiry callback.
func (p *Pipeline) expire(key string, tok store.Token) {
	p.gate.Lock()
	defer p.gate.Unlock()
	if p.closed {
		return
	}
	e, ok := p.cache.RemoveIf(key, tok)
	if !ok {
		return
	}
	slog.Debug("pipeline: entry expired", "key", key, "status_id", e.Status.ID)
	p.publishLocked(types.ChangeEvent{Op: types.OpRemove, Key: key, Status: e.Status})
}

// publishLocked must be called with the gate held.
func (p *Pipeline) publishLocked(ev types.ChangeEvent) {
	p.pub.Publish(ev)
	p.m.Change(ev.Op)
	p.m.SetCacheEntries(p.cache.Count())
}
