package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sensorwatch/sensorwatch/pkg/types"
	"github.com/sensorwatch/sensorwatch/server/internal/alerts"
	"github.com/sensorwatch/sensorwatch/server/internal/metrics"
	"github.com/sensorwatch/sensorwatch/server/internal/pipeline"
	"github.com/sensorwatch/sensorwatch/server/internal/resolver"
	"github.com/sensorwatch/sensorwatch/server/internal/store"
)

// deleteTimeout bounds one DELETE request end to end.
const deleteTimeout = 5 * time.Second

// Reader is the read side of the status cache.
type Reader interface {
	Get(key string) (store.Entry, bool)
	List() []store.Entry
}

// Deleter removes a sensor's status through the pipeline.
type Deleter interface {
	DeleteStatus(ctx context.Context, sensorID string) (bool, error)
	Running() bool
}

// Counter reports a population size, such as live subscriptions.
type Counter interface {
	Count() int
}

// AlertLister exposes the alarm notification state.
type AlertLister interface {
	Active() []alerts.Alert
	Firing() int
}

// Deps are the collaborators of the API. Gatherer may be nil, in which case
// /api/v1/stats reports zeros. Alerts may be nil, in which case
// /api/v1/alerts returns an empty list.
type Deps struct {
	Cache       Reader
	Deleter     Deleter
	Subscribers Counter
	Gatherer    prometheus.Gatherer
	Alerts      AlertLister
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(d Deps) http.Handler {
	h := &Handler{deps: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/statuses", h.listStatuses)
	h.mux.HandleFunc("/api/v1/statuses/", h.getStatus) // subtree, extracts {key}
	h.mux.HandleFunc("/api/v1/sensors/", h.deleteSensor)
	h.mux.HandleFunc("/api/v1/stats", h.stats)
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries := h.deps.Cache.List()
	resp := HealthResponse{
		State:      "ok",
		Running:    h.deps.Deleter != nil && h.deps.Deleter.Running(),
		EntryCount: len(entries),
	}
	for _, e := range entries {
		if e.Status.IsAlarm {
			resp.AlarmCount++
		}
	}
	if h.deps.Subscribers != nil {
		resp.SubscriberCount = h.deps.Subscribers.Count()
	}
	if h.deps.Alerts != nil {
		resp.AlertCount = h.deps.Alerts.Firing()
	}
	if !resp.Running {
		resp.State = "stopped"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listStatuses returns GET /api/v1/statuses, ordered the way the dashboard
// shows them.
func (h *Handler) listStatuses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries := h.deps.Cache.List()
	SortEntries(entries)
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToEntryResponse(e))
	}
	jsonResp(w, http.StatusOK, out)
}

// getStatus returns GET /api/v1/statuses/{key}.
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/v1/statuses/")
	if key == "" {
		h.listStatuses(w, r)
		return
	}

	e, ok := h.deps.Cache.Get(key)
	if !ok {
		jsonErr(w, http.StatusNotFound, "status not found")
		return
	}
	jsonResp(w, http.StatusOK, ToEntryResponse(e))
}

// deleteSensor handles DELETE /api/v1/sensors/{id}.
func (h *Handler) deleteSensor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sensors/")
	if id == "" || strings.Contains(id, "/") {
		jsonErr(w, http.StatusNotFound, "sensor not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deleteTimeout)
	defer cancel()
	removed, err := h.deps.Deleter.DeleteStatus(ctx, id)
	switch {
	case err == nil:
		jsonResp(w, http.StatusOK, DeleteResponse{Removed: removed})
	case errors.Is(err, types.ErrSensorNotFound):
		jsonErr(w, http.StatusNotFound, "sensor not found")
	case errors.Is(err, pipeline.ErrStopped), errors.Is(err, pipeline.ErrNotStarted),
		errors.Is(err, resolver.ErrUnavailable):
		jsonErr(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		jsonErr(w, http.StatusGatewayTimeout, err.Error())
	default:
		jsonErr(w, http.StatusInternalServerError, err.Error())
	}
}

// stats returns GET /api/v1/stats.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	mfs := map[string]*dto.MetricFamily{}
	if h.deps.Gatherer != nil {
		families, err := h.deps.Gatherer.Gather()
		if err != nil {
			jsonErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, mf := range families {
			mfs[mf.GetName()] = mf
		}
	}

	jsonResp(w, http.StatusOK, StatsResponse{
		EventsReceived:    sumFamily(mfs[metrics.NameEventsReceived]),
		EventsDropped:     byLabel(mfs[metrics.NameEventsDropped], "reason"),
		Changes:           byLabel(mfs[metrics.NameChanges], "op"),
		CacheEntries:      sumFamily(mfs[metrics.NameCacheEntries]),
		Subscribers:       sumFamily(mfs[metrics.NameSubscribers]),
		SubscriberDropped: sumFamily(mfs[metrics.NameSubscriberDrops]),
	})
}

// alerts returns GET /api/v1/alerts: firing alerts plus those resolved in
// the last hour, newest first.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := []alerts.Alert{}
	if h.deps.Alerts != nil {
		out = append(out, h.deps.Alerts.Active()...)
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil (metric not registered yet).
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += metricValue(m)
	}
	return total
}

// byLabel splits a family's values by one label.
func byLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := map[string]float64{}
	if mf == nil {
		return out
	}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += metricValue(m)
			}
		}
	}
	return out
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

// SortEntries orders entries by the number embedded in the sensor name
// ("Sensor 2" before "Sensor 10"). Names without a number sort last, by name.
func SortEntries(entries []store.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ni, oki := sensorNumber(entries[i].Key)
		nj, okj := sensorNumber(entries[j].Key)
		switch {
		case oki && okj && ni != nj:
			return ni < nj
		case oki != okj:
			return oki
		}
		return entries[i].Key < entries[j].Key
	})
}

func sensorNumber(name string) (int, bool) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	return n, err == nil
}

// ToEntryResponse maps a store.Entry to its JSON representation.
func ToEntryResponse(e store.Entry) EntryResponse {
	return EntryResponse{
		Key:       e.Key,
		Sensor:    toSensorResponse(e.Sensor),
		Status:    toStatusResponse(e.Status),
		ExpiresAt: e.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// ToChangeResponse maps a change event to its streamed JSON representation.
func ToChangeResponse(ev types.ChangeEvent) ChangeResponse {
	out := ChangeResponse{Op: ev.Op, Key: ev.Key, Status: toStatusResponse(ev.Status)}
	if ev.Sensor != nil {
		sn := toSensorResponse(*ev.Sensor)
		out.Sensor = &sn
	}
	return out
}

func toSensorResponse(sn types.Sensor) SensorResponse {
	return SensorResponse{ID: sn.ID, Name: sn.Name, Type: string(sn.Type)}
}

func toStatusResponse(st types.Status) StatusResponse {
	return StatusResponse{
		ID:        st.ID,
		SensorID:  st.SensorID,
		Type:      string(st.Type),
		IsAlarm:   st.IsAlarm,
		Timestamp: st.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
