package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensorwatch/sensorwatch/pkg/types"
	"github.com/sensorwatch/sensorwatch/server/internal/metrics"
	"github.com/sensorwatch/sensorwatch/server/internal/publisher"
	"github.com/sensorwatch/sensorwatch/server/internal/store"
	"github.com/sensorwatch/sensorwatch/server/internal/store/storetest"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// --- fake source ------------------------------------------------------------

type fakeSource struct {
	mu       sync.Mutex
	sensors  map[string]types.Sensor
	handler  func(types.Status)
	started  bool
	stopped  bool
	rate     types.Rate
	delay    func(call int32) time.Duration
	calls    atomic.Int32
	startErr error
}

func newFakeSource(n int) *fakeSource {
	f := &fakeSource{sensors: make(map[string]types.Sensor)}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("id-%d", i)
		f.sensors[id] = types.Sensor{ID: id, Name: fmt.Sprintf("Sensor %d", i), Type: types.SensorMotion}
	}
	return f
}

func (f *fakeSource) OnStatus(fn func(types.Status)) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
}

func (f *fakeSource) Start(_ context.Context, rate types.Rate, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started, f.rate = true, rate
	return f.startErr
}

func (f *fakeSource) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Lookup(ctx context.Context, id string) (types.Sensor, error) {
	n := f.calls.Add(1)
	if f.delay != nil {
		if d := f.delay(n); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return types.Sensor{}, ctx.Err()
			}
		}
	}
	f.mu.Lock()
	sn, ok := f.sensors[id]
	f.mu.Unlock()
	if !ok {
		return types.Sensor{}, types.ErrSensorNotFound
	}
	return sn, nil
}

// emit delivers st through the registered intake, as the source would.
func (f *fakeSource) emit(st types.Status) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(st)
	}
}

// --- harness ----------------------------------------------------------------

type harness struct {
	src *fakeSource
	clk *storetest.Clock
	p   *Pipeline
	sub *publisher.Subscription
	reg *prometheus.Registry
}

func newHarness(t *testing.T, sensors int) *harness {
	t.Helper()
	h := &harness{
		src: newFakeSource(sensors),
		clk: storetest.NewClock(epoch),
		reg: prometheus.NewRegistry(),
	}
	m := metrics.New(h.reg)
	pub := publisher.New(publisher.Options{Metrics: m})
	h.sub = pub.Subscribe()
	h.p = New(h.src, pub, Config{Rate: types.RateMedium},
		WithMetrics(m),
		WithCacheOptions(store.WithClock(h.clk.Now, h.clk.AfterFunc)))
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.p.Stop(context.Background()) })
	return h
}

func (h *harness) status(id string, st types.StatusType) types.Status {
	return types.NewStatus(id, st, h.clk.Now())
}

// next returns the next change event or fails.
func (h *harness) next(t *testing.T) types.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-h.sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return types.ChangeEvent{}
}

// quiet fails if any change event arrives within a short window.
func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev, ok := <-h.sub.C():
		if ok {
			t.Fatalf("unexpected change event: %s %s", ev.Op, ev.Status.ID)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) dropped(t *testing.T, reason string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != metrics.NameEventsDropped {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func expectEvent(t *testing.T, ev types.ChangeEvent, op types.OperationType, statusID string) {
	t.Helper()
	if ev.Op != op || ev.Status.ID != statusID {
		t.Fatalf("event: got (%s, %s), want (%s, %s)", ev.Op, ev.Status.ID, op, statusID)
	}
	if op == types.OpRemove && ev.Sensor != nil {
		t.Errorf("Remove event carries sensor %+v, want nil", ev.Sensor)
	}
	if op != types.OpRemove && ev.Sensor == nil {
		t.Errorf("%s event without sensor", op)
	}
}

// --- tests ------------------------------------------------------------------

func TestStart_PassesRateToSource(t *testing.T) {
	h := newHarness(t, 1)
	h.src.mu.Lock()
	defer h.src.mu.Unlock()
	if !h.src.started || h.src.rate != types.RateMedium {
		t.Errorf("source: started=%v rate=%q", h.src.started, h.src.rate)
	}
	if err := h.p.Start(context.Background()); err == nil {
		t.Error("second Start: expected error")
	}
}

func TestSensorThreeScenario(t *testing.T) {
	h := newHarness(t, 3)

	connected := h.status("id-3", types.StatusConnected)
	h.src.emit(connected)
	ev := h.next(t)
	expectEvent(t, ev, types.OpAdd, connected.ID)
	if ev.Sensor.Name != "Sensor 3" || ev.Key != "Sensor 3" {
		t.Errorf("Sensor: got %q key %q, want Sensor 3", ev.Sensor.Name, ev.Key)
	}

	h.clk.Advance(5 * time.Second)
	alarm := h.status("id-3", types.StatusAlarm)
	h.src.emit(alarm)
	ev = h.next(t)
	expectEvent(t, ev, types.OpUpdate, alarm.ID)
	if !ev.Status.IsAlarm {
		t.Error("IsAlarm: expected true")
	}

	// t=15s: the first status's deadline must not fire.
	h.clk.Advance(10 * time.Second)
	h.quiet(t)

	// t=20s: expiry of the alarm status.
	h.clk.Advance(5*time.Second - time.Millisecond)
	h.quiet(t)
	h.clk.Advance(time.Millisecond)
	expectEvent(t, h.next(t), types.OpRemove, alarm.ID)

	if h.p.Cache().Count() != 0 {
		t.Errorf("Count: got %d, want 0", h.p.Cache().Count())
	}
}

func TestDistinctKeys_AddThenRemove(t *testing.T) {
	const n = 20
	h := newHarness(t, n)

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.src.emit(h.status(fmt.Sprintf("id-%d", i), types.StatusOn))
		}(i)
	}
	wg.Wait()

	adds := map[string]int{}
	for i := 0; i < n; i++ {
		ev := h.next(t)
		if ev.Op != types.OpAdd {
			t.Fatalf("event %d: got %s, want add", i, ev.Op)
		}
		adds[ev.Sensor.Name]++
	}
	if len(adds) != n {
		t.Fatalf("distinct adds: got %d, want %d", len(adds), n)
	}
	h.quiet(t)

	h.clk.Advance(DefaultTTL)
	removes := map[string]int{}
	for i := 0; i < n; i++ {
		ev := h.next(t)
		if ev.Op != types.OpRemove {
			t.Fatalf("event %d: got %s, want remove", i, ev.Op)
		}
		removes[ev.Status.SensorID]++
	}
	for id, c := range removes {
		if c != 1 {
			t.Errorf("%s: %d removes, want 1", id, c)
		}
	}
	h.quiet(t)
}

func TestSameKey_ResolutionReorderKeepsEmissionOrder(t *testing.T) {
	h := newHarness(t, 1)
	// The first lookup is the slowest so the second status resolves first.
	h.src.delay = func(call int32) time.Duration {
		if call == 1 {
			return 100 * time.Millisecond
		}
		return 0
	}

	first := h.status("id-1", types.StatusOn)
	second := h.status("id-1", types.StatusOff)
	h.src.emit(first)
	h.src.emit(second)

	expectEvent(t, h.next(t), types.OpAdd, first.ID)
	expectEvent(t, h.next(t), types.OpUpdate, second.ID)

	e, ok := h.p.Cache().Get("Sensor 1")
	if !ok || e.Status.ID != second.ID {
		t.Errorf("cache: got (%+v, %v), want status %s", e.Status, ok, second.ID)
	}
}

func TestUpdate_ReadBackReturnsLatest(t *testing.T) {
	h := newHarness(t, 1)
	s1 := h.status("id-1", types.StatusOn)
	s2 := h.status("id-1", types.StatusDisconnected)

	h.src.emit(s1)
	h.next(t)
	h.src.emit(s2)
	h.next(t)

	e, ok := h.p.Cache().Get("Sensor 1")
	if !ok {
		t.Fatal("Get: expected entry")
	}
	if e.Status != s2 {
		t.Errorf("Get: got %+v, want %+v", e.Status, s2)
	}
}

func TestDeleteStatus_NoEntry(t *testing.T) {
	h := newHarness(t, 2)
	removed, err := h.p.DeleteStatus(context.Background(), "id-2")
	if err != nil {
		t.Fatalf("DeleteStatus: %v", err)
	}
	if removed {
		t.Error("removed: got true, want false")
	}
	h.quiet(t)
}

func TestDeleteStatus_CancelsExpiry(t *testing.T) {
	h := newHarness(t, 1)
	st := h.status("id-1", types.StatusAlarm)
	h.src.emit(st)
	h.next(t)

	removed, err := h.p.DeleteStatus(context.Background(), "id-1")
	if err != nil || !removed {
		t.Fatalf("DeleteStatus: got (%v, %v), want (true, nil)", removed, err)
	}
	expectEvent(t, h.next(t), types.OpRemove, st.ID)

	h.clk.Advance(time.Minute)
	h.quiet(t)
	if h.clk.Pending() != 0 {
		t.Errorf("Pending timers: got %d, want 0", h.clk.Pending())
	}
}

func TestDeleteStatus_OrderedAfterAcceptedStatus(t *testing.T) {
	h := newHarness(t, 1)
	h.src.delay = func(call int32) time.Duration {
		if call == 1 {
			return 80 * time.Millisecond
		}
		return 0
	}
	st := h.status("id-1", types.StatusOn)
	h.src.emit(st)

	removed, err := h.p.DeleteStatus(context.Background(), "id-1")
	if err != nil || !removed {
		t.Fatalf("DeleteStatus: got (%v, %v), want (true, nil)", removed, err)
	}
	expectEvent(t, h.next(t), types.OpAdd, st.ID)
	expectEvent(t, h.next(t), types.OpRemove, st.ID)
}

func TestDeleteStatus_UnknownSensor(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.p.DeleteStatus(context.Background(), "ghost")
	if !errors.Is(err, types.ErrSensorNotFound) {
		t.Errorf("DeleteStatus: got %v, want ErrSensorNotFound", err)
	}
}

func TestDeleteStatus_NotStarted(t *testing.T) {
	p := New(newFakeSource(1), publisher.New(publisher.Options{}), Config{})
	if _, err := p.DeleteStatus(context.Background(), "id-1"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("DeleteStatus: got %v, want ErrNotStarted", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestNotFound_DropsSingleEvent(t *testing.T) {
	h := newHarness(t, 1)
	h.src.emit(h.status("ghost", types.StatusOn))
	ok := h.status("id-1", types.StatusOn)
	h.src.emit(ok)

	expectEvent(t, h.next(t), types.OpAdd, ok.ID)
	waitFor(t, func() bool { return h.dropped(t, metrics.ReasonNotFound) == 1 })
	h.quiet(t)
}

func TestApplyFault_IsContained(t *testing.T) {
	h := newHarness(t, 2)
	bad := h.status("id-1", types.StatusOn)
	h.p.beforeApply = func(st types.Status) {
		if st.ID == bad.ID {
			panic("boom")
		}
	}

	h.src.emit(bad)
	waitFor(t, func() bool { return h.dropped(t, metrics.ReasonFault) == 1 })

	good := h.status("id-1", types.StatusOff)
	h.src.emit(good)
	// The faulted status never reached the cache, so the next one is an Add.
	expectEvent(t, h.next(t), types.OpAdd, good.ID)
}

func TestStop_DrainsAndCancelsTimers(t *testing.T) {
	h := newHarness(t, 5)
	h.src.delay = func(int32) time.Duration { return 30 * time.Millisecond }

	for i := 1; i <= 5; i++ {
		h.src.emit(h.status(fmt.Sprintf("id-%d", i), types.StatusOn))
	}
	if err := h.p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	adds := 0
	for ev := range h.sub.C() {
		if ev.Op != types.OpAdd {
			t.Errorf("unexpected %s after stop", ev.Op)
		}
		adds++
	}
	if adds != 5 {
		t.Errorf("adds drained: got %d, want 5", adds)
	}

	h.src.mu.Lock()
	if !h.src.stopped || h.src.handler != nil {
		t.Errorf("source: stopped=%v handler attached=%v", h.src.stopped, h.src.handler != nil)
	}
	h.src.mu.Unlock()

	// No expiry may remove anything after shutdown.
	h.clk.Advance(time.Minute)
	if n := h.p.Cache().Count(); n != 5 {
		t.Errorf("Count after stop: got %d, want 5", n)
	}
	if _, err := h.p.DeleteStatus(context.Background(), "id-1"); !errors.Is(err, ErrStopped) {
		t.Errorf("DeleteStatus after Stop: got %v, want ErrStopped", err)
	}
	if h.p.Running() {
		t.Error("Running: expected false")
	}
	if err := h.p.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop: got %v, want ErrStopped", err)
	}
}

func TestStop_DeadlineCancelsResolutions(t *testing.T) {
	h := newHarness(t, 1)
	h.src.delay = func(int32) time.Duration { return time.Hour }
	h.src.emit(h.status("id-1", types.StatusOn))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.p.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop: got %v, want DeadlineExceeded", err)
	}
	if _, ok := <-h.sub.C(); ok {
		t.Error("event published for a cancelled resolution")
	}
	if got := h.dropped(t, metrics.ReasonShutdown); got != 1 {
		t.Errorf("shutdown drops: got %v, want 1", got)
	}
}

func TestStaleStatus_ExpiresImmediately(t *testing.T) {
	h := newHarness(t, 1)
	old := types.NewStatus("id-1", types.StatusOn, h.clk.Now().Add(-time.Minute))
	h.src.emit(old)
	expectEvent(t, h.next(t), types.OpAdd, old.ID)

	h.clk.Advance(0)
	expectEvent(t, h.next(t), types.OpRemove, old.ID)
}

// TestOperationGrammar drives concurrent emitters, one per sensor, with
// interleaved deletes and expiries, and checks every key's event sequence is
// Add (Update)* Remove, repeated.
func TestOperationGrammar(t *testing.T) {
	const sensors, perSensor = 6, 40
	h := newHarness(t, sensors)
	h.src.delay = func(call int32) time.Duration { return time.Duration(call%7) * time.Millisecond }

	var collected []types.ChangeEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range h.sub.C() {
			collected = append(collected, ev)
		}
	}()

	var wg sync.WaitGroup
	for i := 1; i <= sensors; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < perSensor; j++ {
				h.src.emit(h.status(id, types.StatusTypes[j%len(types.StatusTypes)]))
				if j%9 == 8 {
					if _, err := h.p.DeleteStatus(context.Background(), id); err != nil {
						t.Errorf("DeleteStatus: %v", err)
					}
				}
			}
		}(fmt.Sprintf("id-%d", i))
	}
	wg.Wait()
	h.clk.Advance(DefaultTTL)
	if err := h.p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-done

	live := map[string]bool{}
	for i, ev := range collected {
		key := ev.Key
		switch ev.Op {
		case types.OpAdd:
			if live[key] {
				t.Fatalf("event %d: Add for live key %s", i, key)
			}
			live[key] = true
		case types.OpUpdate, types.OpRemove:
			if !live[key] {
				t.Fatalf("event %d: %s for absent key %s", i, ev.Op, key)
			}
			live[key] = ev.Op == types.OpUpdate
		}
	}
}
