package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensorwatch/sensorwatch/pkg/types"
)

const namespace = "sensorwatch"

// Drop reasons used as the "reason" label of events_dropped_total.
const (
	ReasonNotFound   = "not_found"
	ReasonUnresolved = "unresolved"
	ReasonFault      = "fault"
	ReasonShutdown   = "shutdown"
)

// Metric names, exported for readers of the registry.
const (
	NameEventsReceived  = namespace + "_events_received_total"
	NameEventsDropped   = namespace + "_events_dropped_total"
	NameChanges         = namespace + "_changes_total"
	NameCacheEntries    = namespace + "_cache_entries"
	NameResolveSeconds  = namespace + "_resolve_duration_seconds"
	NameSubscribers     = namespace + "_subscribers"
	NameSubscriberDrops = namespace + "_subscriber_dropped_total"
)

// Metrics groups every server instrument.
type Metrics struct {
	eventsReceived  prometheus.Counter
	eventsDropped   *prometheus.CounterVec
	changes         *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	resolveSeconds  *prometheus.HistogramVec
	subscribers     prometheus.Gauge
	subscriberDrops prometheus.Counter
}

// New creates the instruments and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_received_total",
			Help: "Raw status events accepted from the sensor source.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events discarded before reaching the cache, by reason.",
		}, []string{"reason"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "changes_total",
			Help: "Change events published, by operation.",
		}, []string{"op"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_entries",
			Help: "Live entries in the status cache.",
		}),
		resolveSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "resolve_duration_seconds",
			Help:    "Latency of sensor metadata resolution.",
			Buckets: []float64{.005, .01, .025, .05, .1, .2, .5, 1, 2.5},
		}, []string{"outcome"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscribers",
			Help: "Active change-event subscriptions.",
		}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriber_dropped_total",
			Help: "Change events discarded by subscriber overflow policies.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsReceived, m.eventsDropped, m.changes, m.cacheEntries,
			m.resolveSeconds, m.subscribers, m.subscriberDrops)
	}
	return m
}

// EventReceived counts one accepted raw event.
func (m *Metrics) EventReceived() {
	if m == nil {
		return
	}
	m.eventsReceived.Inc()
}

// EventDropped counts one discarded event.
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// Change counts one published change event.
func (m *Metrics) Change(op types.OperationType) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(string(op)).Inc()
}

// SetCacheEntries records the current cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// ObserveResolve records one resolution. outcome is "ok" or a drop reason.
func (m *Metrics) ObserveResolve(d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.resolveSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetSubscribers records the number of active subscriptions.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// SubscriberDropped counts events lost to a subscriber overflow policy.
func (m *Metrics) SubscriberDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.subscriberDrops.Add(float64(n))
}

// Handler serves g in the Prometheus text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
