package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sensorwatch/sensorwatch/pkg/types"
	"github.com/sensorwatch/sensorwatch/server/internal/metrics"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("resolver: source unavailable")

// Lookuper is the metadata half of a sensor source.
type Lookuper interface {
	Lookup(ctx context.Context, id string) (types.Sensor, error)
}

// Options configures a Resolver. Zero values take the documented defaults.
type Options struct {
	Timeout         time.Duration // per lookup; default 1s
	Memoize         bool          // sensors are immutable, so hits never go stale
	BreakerFailures uint32        // consecutive failures that open the breaker; default 5
	BreakerOpenFor  time.Duration // default 5s
	Metrics         *metrics.Metrics
}

// Resolver is safe for concurrent use.
type Resolver struct {
	src  Lookuper
	opts Options
	cb   *gobreaker.CircuitBreaker

	mu   sync.RWMutex
	memo map[string]types.Sensor
}

// New wraps src.
func New(src Lookuper, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = 5 * time.Second
	}
	fails := opts.BreakerFailures
	return &Resolver{
		src:  src,
		opts: opts,
		memo: make(map[string]types.Sensor),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "sensor-lookup",
			Timeout: opts.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= fails
			},
			// Unknown sensors and caller cancellation say nothing about the
			// health of the source.
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.Is(err, types.ErrSensorNotFound) ||
					errors.Is(err, context.Canceled)
			},
		}),
	}
}

// Resolve returns the sensor for id. Errors wrap types.ErrSensorNotFound,
// ErrUnavailable or the context error.
func (r *Resolver) Resolve(ctx context.Context, id string) (types.Sensor, error) {
	if r.opts.Memoize {
		r.mu.RLock()
		sn, ok := r.memo[id]
		r.mu.RUnlock()
		if ok {
			return sn, nil
		}
	}

	start := time.Now()
	res, err := r.cb.Execute(func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
		return r.src.Lookup(lctx, id)
	})
	r.opts.Metrics.ObserveResolve(time.Since(start), Outcome(err))

	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.Sensor{}, fmt.Errorf("resolver: sensor %s: %w", id, ErrUnavailable)
	default:
		return types.Sensor{}, fmt.Errorf("resolver: sensor %s: %w", id, err)
	}

	sn := res.(types.Sensor)
	if r.opts.Memoize {
		r.mu.Lock()
		r.memo[id] = sn
		r.mu.Unlock()
	}
	return sn, nil
}

// State returns the breaker state ("closed", "half-open" or "open").
func (r *Resolver) State() string { return r.cb.State().String() }

// Outcome maps a resolution error to its metrics label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrSensorNotFound):
		return metrics.ReasonNotFound
	case errors.Is(err, context.Canceled):
		return metrics.ReasonShutdown
	default:
		return metrics.ReasonUnresolved
	}
}
