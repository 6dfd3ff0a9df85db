package health

import (
	"testing"
	"time"
)

type fakeSampler struct {
	cpu, mem float64
}

func (f *fakeSampler) CPUPercent() (float64, error) { return f.cpu, nil }
func (f *fakeSampler) MemPercent() (float64, error) { return f.mem, nil }

func newTestMonitor(cap int, cpu, mem float64) *Monitor {
	m := &Monitor{sampler: &fakeSampler{cpu: cpu, mem: mem}, queueCapacity: cap}
	m.last = Snapshot{QueueCapacity: cap, State: StateIdle, Accepting: true}
	return m
}

func TestHealthScoreFormula(t *testing.T) {
	m := newTestMonitor(10, 20, 10)
	m.SetQueueSize(2)
	snap, err := m.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	want := 0.4*(100-20) + 0.4*(100-10) + 0.2*(100-20)
	if diff := snap.HealthScore - want; diff > 0.5 || diff < -0.5 {
		t.Fatalf("healthScore = %v, want ~%v", snap.HealthScore, want)
	}
}

func TestStateThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  State
	}{
		{90, StateIdle},
		{70, StateLight},
		{50, StateModerate},
		{30, StateBusy},
		{10, StateOverloaded},
		{20, StateOverloaded},
	}
	for _, c := range cases {
		if got := stateFor(c.score); got != c.want {
			t.Errorf("stateFor(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestOverloadedNeverAccepting(t *testing.T) {
	m := newTestMonitor(5, 100, 100)
	m.SetQueueSize(0)
	snap, _ := m.Sample()
	if snap.State != StateOverloaded {
		t.Fatalf("expected overloaded state, got %v", snap.State)
	}
	if snap.Accepting {
		t.Fatal("overloaded state must not be accepting")
	}
}

func TestQueueAtCapacityRejectsRegardlessOfHealth(t *testing.T) {
	m := newTestMonitor(2, 5, 5)
	m.SetQueueSize(2)
	if m.AcceptingWork(2, 2) {
		t.Fatal("queue at capacity must not accept, even with high health")
	}
}

func TestDynamicCapacity(t *testing.T) {
	m := newTestMonitor(10, 0, 0)
	m.SetQueueSize(0)
	if _, err := m.Sample(); err != nil {
		t.Fatal(err)
	}
	if got := m.DynamicCapacity(10); got != 10 {
		t.Fatalf("idle dynamic capacity = %d, want 10", got)
	}

	m2 := newTestMonitor(10, 100, 100)
	m2.SetQueueSize(0)
	if _, err := m2.Sample(); err != nil {
		t.Fatal(err)
	}
	if got := m2.DynamicCapacity(10); got != 0 {
		t.Fatalf("overloaded dynamic capacity = %d, want 0", got)
	}
}

func TestResponseTimeWindowBounded(t *testing.T) {
	m := newTestMonitor(10, 0, 0)
	for i := 0; i < 15; i++ {
		m.RecordResponseTime(time.Duration(i) * time.Millisecond)
	}
	window := m.ResponseTimeWindow()
	if len(window) != responseWindowSize {
		t.Fatalf("window length = %d, want %d", len(window), responseWindowSize)
	}
	if window[len(window)-1] != 14*time.Millisecond {
		t.Fatalf("most recent sample = %v, want 14ms", window[len(window)-1])
	}
}
