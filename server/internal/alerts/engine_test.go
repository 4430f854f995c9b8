package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sensorwatch/sensorwatch/pkg/types"
	"github.com/sensorwatch/sensorwatch/server/internal/config"
)

type fakeSub struct {
	ch     chan types.ChangeEvent
	closed atomic.Bool
}

func (s *fakeSub) C() <-chan types.ChangeEvent { return s.ch }
func (s *fakeSub) Close()                      { s.closed.Store(true) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newEngine(cfg config.AlertsConfig) (*Engine, *clock) {
	e := New(cfg)
	clk := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	e.now = clk.now
	e.newBackoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return e, clk
}

func change(op types.OperationType, key string, st types.StatusType) types.ChangeEvent {
	s := types.NewStatus("id-"+key, st, time.Now())
	ev := types.ChangeEvent{Op: op, Key: key, Status: s}
	if op != types.OpRemove {
		ev.Sensor = &types.Sensor{ID: s.SensorID, Name: key}
	}
	return ev
}

func TestEvaluate_FireAndResolveOnUpdate(t *testing.T) {
	e, _ := newEngine(config.AlertsConfig{})

	e.Evaluate(change(types.OpAdd, "Sensor 1", types.StatusAlarm))
	if e.Firing() != 1 {
		t.Fatalf("Firing() = %d, want 1", e.Firing())
	}
	got := e.Active()
	if len(got) != 1 || got[0].State != StateFiring || got[0].Severity != "critical" {
		t.Fatalf("Active() = %+v", got)
	}

	// A second alarm status while firing does not duplicate.
	e.Evaluate(change(types.OpUpdate, "Sensor 1", types.StatusDisconnected))
	if n := len(e.Active()); n != 1 {
		t.Errorf("Active() after repeated alarm: %d items, want 1", n)
	}

	e.Evaluate(change(types.OpUpdate, "Sensor 1", types.StatusOn))
	if e.Firing() != 0 {
		t.Errorf("Firing() after clear = %d, want 0", e.Firing())
	}
	got = e.Active()
	if len(got) != 1 || got[0].State != StateResolved || got[0].ResolvedAt == nil {
		t.Errorf("Active() after clear = %+v", got)
	}
}

func TestEvaluate_ResolveOnRemove(t *testing.T) {
	e, _ := newEngine(config.AlertsConfig{})
	e.Evaluate(change(types.OpAdd, "Sensor 2", types.StatusDisconnected))
	e.Evaluate(change(types.OpRemove, "Sensor 2", types.StatusDisconnected))

	if e.Firing() != 0 {
		t.Errorf("Firing() = %d, want 0", e.Firing())
	}
	if got := e.Active(); len(got) != 1 || got[0].Severity != "warning" || got[0].State != StateResolved {
		t.Errorf("Active() = %+v", got)
	}
}

func TestEvaluate_NonAlarmIgnored(t *testing.T) {
	e, _ := newEngine(config.AlertsConfig{})
	e.Evaluate(change(types.OpAdd, "Sensor 3", types.StatusConnected))
	e.Evaluate(change(types.OpRemove, "Sensor 3", types.StatusConnected))
	if n := len(e.Active()); n != 0 {
		t.Errorf("Active() = %d items, want 0", n)
	}
}

func TestEvaluate_Cooldown(t *testing.T) {
	e, clk := newEngine(config.AlertsConfig{Cooldown: time.Minute})

	e.Evaluate(change(types.OpAdd, "Sensor 4", types.StatusAlarm))
	e.Evaluate(change(types.OpUpdate, "Sensor 4", types.StatusOff))

	clk.advance(30 * time.Second)
	e.Evaluate(change(types.OpUpdate, "Sensor 4", types.StatusAlarm))
	if e.Firing() != 0 {
		t.Fatal("alert re-fired inside cooldown")
	}

	clk.advance(time.Minute)
	e.Evaluate(change(types.OpUpdate, "Sensor 4", types.StatusAlarm))
	if e.Firing() != 1 {
		t.Fatal("alert did not re-fire after cooldown")
	}
}

func TestActive_DropsOldResolved(t *testing.T) {
	e, clk := newEngine(config.AlertsConfig{})
	e.Evaluate(change(types.OpAdd, "Sensor 5", types.StatusAlarm))
	e.Evaluate(change(types.OpRemove, "Sensor 5", types.StatusAlarm))

	clk.advance(2 * time.Hour)
	if n := len(e.Active()); n != 0 {
		t.Errorf("Active() = %d items, want 0 after the recent window", n)
	}
}

type hook struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	failN  int
	calls  int
}

func (h *hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.failN > 0 {
		h.failN--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	b, _ := io.ReadAll(r.Body)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	h.bodies = append(h.bodies, m)
}

func (h *hook) received() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func TestRun_DeliversWebhooksWithRetry(t *testing.T) {
	h := &hook{failN: 1}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Setenv("SW_TEST_HOOK", srv.URL)

	e, _ := newEngine(config.AlertsConfig{
		Webhooks: []config.WebhookConfig{{Type: "http", URLEnv: "SW_TEST_HOOK"}},
	})

	sub := &fakeSub{ch: make(chan types.ChangeEvent, 4)}
	sub.ch <- change(types.OpAdd, "Sensor 6", types.StatusAlarm)
	sub.ch <- change(types.OpUpdate, "Sensor 6", types.StatusOn)
	close(sub.ch)

	// Run returns after the subscription closes and deliveries finish.
	e.Run(context.Background(), sub)

	if got := h.received(); got != 2 {
		t.Fatalf("webhook received %d alerts, want 2", got)
	}
	if !sub.closed.Load() {
		t.Error("subscription not closed by Run")
	}
	states := []string{}
	for _, b := range h.bodies {
		a, _ := b["alert"].(map[string]interface{})
		s, _ := a["state"].(string)
		states = append(states, s)
	}
	seen := map[string]bool{}
	for _, s := range states {
		seen[s] = true
	}
	if !seen[StateFiring] || !seen[StateResolved] {
		t.Errorf("webhook states = %v, want firing and resolved", states)
	}
}

func TestPost_PermanentError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	e, _ := newEngine(config.AlertsConfig{})
	if err := e.post(context.Background(), srv.URL, []byte(`{}`)); err == nil {
		t.Fatal("post: expected error for 400")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1 (4xx is not retried)", n)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	e, _ := newEngine(config.AlertsConfig{})
	sub := &fakeSub{ch: make(chan types.ChangeEvent)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx, sub)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
