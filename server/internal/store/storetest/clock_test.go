package storetest

import (
	"testing"
	"time"
)

func TestAdvance_FiresInOrder(t *testing.T) {
	start := time.Unix(0, 0)
	clk := NewClock(start)
	var order []int
	var seen []time.Time

	clk.AfterFunc(3*time.Second, func() { order = append(order, 3); seen = append(seen, clk.Now()) })
	clk.AfterFunc(1*time.Second, func() { order = append(order, 1); seen = append(seen, clk.Now()) })
	stopped := clk.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	if !stopped.Stop() {
		t.Fatal("Stop on pending timer: expected true")
	}

	clk.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("order: got %v, want [1 3]", order)
	}
	if !seen[0].Equal(start.Add(time.Second)) {
		t.Errorf("Now during first timer: got %v", seen[0])
	}
	if !clk.Now().Equal(start.Add(5 * time.Second)) {
		t.Errorf("Now: got %v", clk.Now())
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", clk.Pending())
	}
}

func TestAdvance_TimerArmedDuringCallback(t *testing.T) {
	clk := NewClock(time.Unix(0, 0))
	fired := 0
	clk.AfterFunc(time.Second, func() {
		fired++
		clk.AfterFunc(time.Second, func() { fired++ })
	})
	clk.Advance(2 * time.Second)
	if fired != 2 {
		t.Errorf("fired: got %d, want 2", fired)
	}
}

func TestStop_AfterFire(t *testing.T) {
	clk := NewClock(time.Unix(0, 0))
	tm := clk.AfterFunc(0, func() {})
	clk.Advance(0)
	if tm.Stop() {
		t.Error("Stop after fire: expected false")
	}
}
