package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sensorwatch/sensorwatch/pkg/types"
)

// Defaults used when no option overrides them.
const (
	DefaultSensors        = 10
	DefaultMaxLookupDelay = 200 * time.Millisecond
)

// ErrRunning is returned by Start when the simulator is already emitting.
var ErrRunning = errors.New("simulator: already running")

// Option configures a Simulator.
type Option func(*Simulator)

// WithSensors sets the number of simulated sensors.
func WithSensors(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.count = n
		}
	}
}

// WithSeed makes the random sequence reproducible.
func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithMaxLookupDelay bounds the artificial latency of Lookup. Zero disables it.
func WithMaxLookupDelay(d time.Duration) Option {
	return func(s *Simulator) { s.maxLookupDelay = d }
}

// WithClock overrides the timestamp source for emitted statuses.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// Simulator is a sensor source. All methods are safe for concurrent use.
type Simulator struct {
	count          int
	maxLookupDelay time.Duration
	now            func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	sensors []types.Sensor
	byID    map[string]types.Sensor
	next    int // round-robin cursor, counts down
	handler func(types.Status)
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Simulator with its sensor set already generated.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		count:          DefaultSensors,
		maxLookupDelay: DefaultMaxLookupDelay,
		now:            time.Now,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(s)
	}

	s.sensors = make([]types.Sensor, s.count)
	s.byID = make(map[string]types.Sensor, s.count)
	for i := range s.sensors {
		sn := types.Sensor{
			ID:   uuid.NewString(),
			Name: fmt.Sprintf("Sensor %d", i+1),
			Type: types.SensorTypes[s.rng.Intn(len(types.SensorTypes))],
		}
		s.sensors[i] = sn
		s.byID[sn.ID] = sn
	}
	s.next = s.count - 1
	return s
}

// Sensors returns a copy of the simulated sensor set in creation order.
func (s *Simulator) Sensors() []types.Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Sensor, len(s.sensors))
	copy(out, s.sensors)
	return out
}

// OnStatus registers fn as the receiver of emitted statuses. Passing nil
// detaches the current receiver.
func (s *Simulator) OnStatus(fn func(types.Status)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Start emits one status per sensor in descending round-robin order and, if
// continuous, keeps emitting random statuses until Stop. It returns
// immediately; emission happens on a background goroutine.
func (s *Simulator) Start(_ context.Context, rate types.Rate, continuous bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done, rate.MaxDelay(), continuous)
	return nil
}

// Stop halts emission and waits for the emitter goroutine to exit or for ctx
// to expire. Stopping an idle simulator is a no-op.
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the sensor with the given id after a random delay below the
// configured maximum. Unknown ids yield types.ErrSensorNotFound.
func (s *Simulator) Lookup(ctx context.Context, id string) (types.Sensor, error) {
	if d := s.randDuration(s.maxLookupDelay); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return types.Sensor{}, ctx.Err()
		}
	}
	s.mu.Lock()
	sn, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return types.Sensor{}, fmt.Errorf("simulator: lookup %s: %w", id, types.ErrSensorNotFound)
	}
	return sn, nil
}

func (s *Simulator) run(ctx context.Context, done chan struct{}, maxDelay time.Duration, continuous bool) {
	defer close(done)

	for i := 0; i < s.count; i++ {
		if ctx.Err() != nil {
			return
		}
		s.emit(s.nextStatus())
	}
	if !continuous {
		return
	}
	for {
		s.emit(s.randomStatus())
		t := time.NewTimer(s.randDuration(maxDelay))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Simulator) emit(st types.Status) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(st)
	}
}

// nextStatus advances the round-robin cursor.
func (s *Simulator) nextStatus() types.Status {
	s.mu.Lock()
	sn := s.sensors[s.next]
	s.next--
	if s.next < 0 {
		s.next = s.count - 1
	}
	st := types.StatusTypes[s.rng.Intn(len(types.StatusTypes))]
	s.mu.Unlock()
	return types.NewStatus(sn.ID, st, s.now())
}

func (s *Simulator) randomStatus() types.Status {
	s.mu.Lock()
	sn := s.sensors[s.rng.Intn(s.count)]
	st := types.StatusTypes[s.rng.Intn(len(types.StatusTypes))]
	s.mu.Unlock()
	return types.NewStatus(sn.ID, st, s.now())
}

func (s *Simulator) randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(max)))
}
