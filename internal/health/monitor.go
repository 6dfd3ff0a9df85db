// Package health samples system resource pressure and queue occupancy into
// a single [0,100] health score, and derives the worker's dynamic admission
// capacity and accept/reject decision from it.
package health

import (
	"sync"
	"time"
)

// State is the monotone step function of healthScore described in §4.2.
type State string

const (
	StateIdle       State = "idle"
	StateLight      State = "light"
	StateModerate   State = "moderate"
	StateBusy       State = "busy"
	StateOverloaded State = "overloaded"
)

func stateFor(score float64) State {
	switch {
	case score > 80:
		return StateIdle
	case score > 60:
		return StateLight
	case score > 40:
		return StateModerate
	case score > 20:
		return StateBusy
	default:
		return StateOverloaded
	}
}

// Snapshot is a single health sample.
type Snapshot struct {
	CPUPct        float64   `json:"cpuPct"`
	MemPct        float64   `json:"memPct"`
	QueueSize     int       `json:"queueSize"`
	QueueCapacity int       `json:"queueCapacity"`
	HealthScore   float64   `json:"healthScore"`
	State         State     `json:"state"`
	Accepting     bool      `json:"accepting"`
	SampledAt     time.Time `json:"sampledAt"`
}

// dynamicCapacityFactor maps a State to the fraction of baseCapacity
// available for admission, and the floor below which that fraction is not
// allowed to shrink further, per §4.2.
var dynamicCapacityFactor = map[State]struct {
	factor float64
	floor  int
}{
	StateIdle:       {1.0, 3},
	StateLight:      {0.8, 2},
	StateModerate:   {0.6, 1},
	StateBusy:       {0.4, 0},
	StateOverloaded: {0.0, 0},
}

// responseWindowSize is the length of the rolling response-time window
// kept for diagnostic display.
const responseWindowSize = 10

// Monitor samples CPU, memory, and queue occupancy on a fixed interval and
// exposes the derived health score and admission decision. It is safe for
// concurrent use; QueueSize is pushed in by the caller (the worker) on
// every enqueue/dequeue so admission always sees up-to-date values instead
// of waiting for the next tick.
type Monitor struct {
	sampler Sampler

	mu            sync.RWMutex
	last          Snapshot
	queueSize     int
	queueCapacity int
	responseTimes []time.Duration
}

// Sampler abstracts the platform-specific CPU/memory reads so Monitor
// itself stays platform-agnostic.
type Sampler interface {
	// CPUPercent returns average utilization across cores since the
	// previous call, in [0,100]. The first call must return 0.
	CPUPercent() (float64, error)
	// MemPercent returns (total-free)/total*100, or a process-RSS
	// heuristic if system memory stats are unavailable.
	MemPercent() (float64, error)
}

// NewMonitor constructs a Monitor with the given base queue capacity. The
// platform Sampler is chosen automatically (see cpu_linux.go/cpu_other.go).
func NewMonitor(queueCapacity int) *Monitor {
	return &Monitor{
		sampler:       newPlatformSampler(),
		queueCapacity: queueCapacity,
		last:          Snapshot{QueueCapacity: queueCapacity, State: StateIdle, Accepting: true},
	}
}

// SetQueueSize updates the current queue occupancy and eagerly recomputes
// the health score, so admission decisions immediately reflect queue
// pressure rather than waiting for the next sampling tick.
func (m *Monitor) SetQueueSize(size int) {
	m.mu.Lock()
	m.queueSize = size
	m.recomputeLocked()
	m.mu.Unlock()
}

// Sample takes a fresh CPU/memory reading and recomputes the snapshot.
// Called by the worker's health sampler task on its ticker interval.
func (m *Monitor) Sample() (Snapshot, error) {
	cpu, err := m.sampler.CPUPercent()
	if err != nil {
		return Snapshot{}, err
	}
	mem, err := m.sampler.MemPercent()
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.last.CPUPct = cpu
	m.last.MemPct = mem
	m.recomputeLocked()
	return m.last, nil
}

func (m *Monitor) recomputeLocked() {
	queuePct := 0.0
	if m.queueCapacity > 0 {
		queuePct = float64(m.queueSize) / float64(m.queueCapacity) * 100
	} else if m.queueSize > 0 {
		queuePct = 100
	}

	score := 0.4*(100-m.last.CPUPct) + 0.4*(100-m.last.MemPct) + 0.2*(100-queuePct)
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	state := stateFor(score)
	accepting := state != StateOverloaded &&
		m.queueSize < m.queueCapacity &&
		m.last.CPUPct <= 90 &&
		m.last.MemPct <= 90

	m.last.QueueSize = m.queueSize
	m.last.QueueCapacity = m.queueCapacity
	m.last.HealthScore = score
	m.last.State = state
	m.last.Accepting = accepting
	m.last.SampledAt = time.Now()
}

// Snapshot returns the most recently computed sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// AcceptingWork reports whether admission should accept a new request
// given the live queue size and capacity, independent of the last sampled
// snapshot's own queue fields (so a caller can probe "what if" sizes).
func (m *Monitor) AcceptingWork(queueLen, capacity int) bool {
	m.mu.RLock()
	state := m.last.State
	cpu, mem := m.last.CPUPct, m.last.MemPct
	m.mu.RUnlock()
	return state != StateOverloaded && queueLen < capacity && cpu <= 90 && mem <= 90
}

// DynamicCapacity shrinks baseCapacity according to the current State, per
// §4.2's load-shedding table.
func (m *Monitor) DynamicCapacity(base int) int {
	m.mu.RLock()
	state := m.last.State
	m.mu.RUnlock()

	cfg := dynamicCapacityFactor[state]
	capacity := int(float64(base) * cfg.factor)
	if capacity < cfg.floor {
		capacity = cfg.floor
	}
	return capacity
}

// RecordResponseTime pushes a completed request's latency into the rolling
// diagnostic window, keeping only the most recent responseWindowSize
// samples.
func (m *Monitor) RecordResponseTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseTimes = append(m.responseTimes, d)
	if len(m.responseTimes) > responseWindowSize {
		m.responseTimes = m.responseTimes[len(m.responseTimes)-responseWindowSize:]
	}
}

// ResponseTimeWindow returns a copy of the rolling response-time window,
// most recent last.
func (m *Monitor) ResponseTimeWindow() []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Duration, len(m.responseTimes))
	copy(out, m.responseTimes)
	return out
}
