package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sensorwatch/sensorwatch/pkg/types"
	"github.com/sensorwatch/sensorwatch/server/internal/config"
)

const (
	defaultCooldown   = time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert represents one alarm episode of a sensor.
type Alert struct {
	ID         string           `json:"id"`
	Key        string           `json:"key"`
	SensorID   string           `json:"sensor_id"`
	StatusType types.StatusType `json:"status_type"`
	Severity   string           `json:"severity"`
	Message    string           `json:"message"`
	FiredAt    time.Time        `json:"fired_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	State      string           `json:"state"`
}

// Subscription is the event stream an Engine consumes.
type Subscription interface {
	C() <-chan types.ChangeEvent
	Close()
}

// Engine tracks alarm state per cache key and delivers webhook notifications
// when an alert fires or resolves.
//
// Engine is safe for concurrent use.
type Engine struct {
	webhooks []config.WebhookConfig
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*Alert    // key: cache key (sensor name)
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts
	client   *http.Client
	inflight sync.WaitGroup

	retries    uint64
	newBackoff func() backoff.BackOff // injectable for tests
}

// New creates an Engine from the server alert configuration.
// An Engine without webhooks still tracks alerts for the API.
func New(cfg config.AlertsConfig) *Engine {
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Engine{
		webhooks: cfg.Webhooks,
		cooldown: cooldown,
		now:      time.Now,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		retries:  3,
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Run evaluates every event from sub until the subscription closes or ctx is
// cancelled, then waits for in-flight webhook deliveries.
func (e *Engine) Run(ctx context.Context, sub Subscription) {
	defer e.inflight.Wait()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			e.Evaluate(ev)
		}
	}
}

// Evaluate applies one change event.
// A fired alert is stored and webhook delivery is triggered asynchronously.
// A firing alert whose sensor left the alarm state is resolved.
func (e *Engine) Evaluate(ev types.ChangeEvent) {
	alarming := ev.Op != types.OpRemove && ev.Status.IsAlarm
	now := e.now()

	e.mu.Lock()
	a, firing := e.active[ev.Key]

	switch {
	case alarming && !firing:
		if now.Sub(e.lastFire[ev.Key]) <= e.cooldown && !e.lastFire[ev.Key].IsZero() {
			e.mu.Unlock()
			return
		}
		sev := severity(ev.Status.Type)
		a = &Alert{
			ID:         fmt.Sprintf("%s:%d", ev.Status.SensorID, now.UnixNano()),
			Key:        ev.Key,
			SensorID:   ev.Status.SensorID,
			StatusType: ev.Status.Type,
			Severity:   sev,
			Message:    fmt.Sprintf("[%s] %s reported %s", sev, ev.Key, ev.Status.Type),
			FiredAt:    now,
			State:      StateFiring,
		}
		e.active[ev.Key] = a
		e.lastFire[ev.Key] = now
		alertCopy := *a
		e.mu.Unlock()

		slog.Warn("alerts: fired", "key", ev.Key, "sensor_id", ev.Status.SensorID, "status", ev.Status.Type)
		e.dispatch(&alertCopy)

	case !alarming && firing:
		resolved := now
		a.State = StateResolved
		a.ResolvedAt = &resolved
		delete(e.active, ev.Key)

		e.history = append(e.history, a)
		if len(e.history) > maxHistoryLen {
			e.history = e.history[len(e.history)-maxHistoryLen:]
		}
		alertCopy := *a
		e.mu.Unlock()

		slog.Info("alerts: resolved", "key", ev.Key, "op", ev.Op)
		e.dispatch(&alertCopy)

	default:
		e.mu.Unlock()
	}
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]Alert, 0, len(e.active))

	for _, a := range e.active {
		out = append(out, *a)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// Firing returns the number of currently firing alerts.
func (e *Engine) Firing() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) dispatch(a *Alert) {
	if len(e.webhooks) == 0 {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.deliver(a)
	}()
}

func severity(st types.StatusType) string {
	if st == types.StatusAlarm {
		return "critical"
	}
	return "warning"
}
