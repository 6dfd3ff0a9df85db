package score

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shurlinet/qmesh/internal/health"
	"github.com/shurlinet/qmesh/internal/store"
)

// failurePenalty is subtracted from totalScore on a failed request.
const failurePenalty = 1

// Manager owns one worker's mutable Record, recomputing it after each
// request and persisting the result.
type Manager struct {
	mu        sync.Mutex
	record    Record
	startedAt time.Time
	awarded   map[Achievement]bool
	st        store.Store
}

// NewManager constructs a Manager for workerID, loading any previously
// persisted record from st.
func NewManager(workerID string, st store.Store) (*Manager, error) {
	m := &Manager{
		record:    Record{WorkerID: workerID, Level: LevelBronze},
		startedAt: time.Now(),
		awarded:   make(map[Achievement]bool),
		st:        st,
	}

	data, ok, err := st.Get(store.WorkerKey(workerID))
	if err != nil {
		return nil, fmt.Errorf("score: load record for %s: %w", workerID, err)
	}
	if ok {
		var persisted persistedRecord
		if err := json.Unmarshal(data, &persisted); err != nil {
			return nil, fmt.Errorf("score: decode record for %s: %w", workerID, err)
		}
		m.record = persisted.Record
		for _, a := range persisted.Awarded {
			m.awarded[a] = true
		}
	}
	return m, nil
}

// persistedRecord wraps Record with the set of achievements already
// awarded, so RecordRequest never double-awards one across restarts.
type persistedRecord struct {
	Record  Record        `json:"record"`
	Awarded []Achievement `json:"awarded"`
}

// RecordRequest scores a completed (or failed) request and returns the
// updated Record. Scoring must never delay the response to the client:
// callers invoke this asynchronously after replying.
func (m *Manager) RecordRequest(success bool, elapsed time.Duration, promptLen, resultLen int, snapshot health.Snapshot) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record.RequestCount++
	if success {
		m.record.SuccessCount++
		m.record.TotalScore += requestScore(elapsed, promptLen, resultLen)
	} else {
		m.record.TotalScore -= failurePenalty
		if m.record.TotalScore < 0 {
			m.record.TotalScore = 0
		}
	}

	m.record.SuccessRate = float64(m.record.SuccessCount) / float64(m.record.RequestCount)
	m.record.AverageResponseTime = runningAverage(m.record.AverageResponseTime, elapsed, m.record.RequestCount)
	m.record.Level = levelFor(m.record.TotalScore)
	m.record.System = snapshot
	now := time.Now()
	m.record.LastSeen = now
	m.record.Timestamp = now
	m.record.Version++

	m.evaluateAchievementsLocked()

	out := m.record
	out.Achievements = append([]Achievement(nil), m.record.Achievements...)
	return out
}

// requestScore computes the four-factor per-request contribution, per
// §4.6: speed (0-5) + complexity (0-3) + quality (0-3).
func requestScore(elapsed time.Duration, promptLen, resultLen int) int {
	speed := 0
	switch {
	case elapsed <= 500*time.Millisecond:
		speed = 5
	case elapsed <= 1*time.Second:
		speed = 4
	case elapsed <= 2*time.Second:
		speed = 3
	case elapsed <= 3*time.Second:
		speed = 2
	case elapsed <= 5*time.Second:
		speed = 1
	}

	complexity := promptLen / 50
	if complexity > 3 {
		complexity = 3
	}

	quality := 2
	if resultLen > 100 {
		quality++
	}

	return speed + complexity + quality
}

func runningAverage(prevAvg time.Duration, sample time.Duration, count int) time.Duration {
	if count <= 0 {
		return sample
	}
	return prevAvg + (sample-prevAvg)/time.Duration(count)
}

func (m *Manager) evaluateAchievementsLocked() {
	check := func(a Achievement, earned bool) {
		if earned && !m.awarded[a] {
			m.awarded[a] = true
			m.record.TotalScore += achievementBonus[a]
			m.record.Achievements = append(m.record.Achievements, a)
			m.record.Level = levelFor(m.record.TotalScore)
		}
	}

	check(AchievementSpeedDemon, m.record.RequestCount >= 10 && m.record.AverageResponseTime > 0 && m.record.AverageResponseTime < 500*time.Millisecond)
	check(AchievementCenturion, m.record.RequestCount >= 100)
	check(AchievementPerfectionist, m.record.RequestCount >= 20 && m.record.SuccessRate == 1)
	check(AchievementMarathoner, time.Since(m.startedAt) >= 24*time.Hour)
}

// Snapshot returns a copy of the current Record without mutating it.
func (m *Manager) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.record
	out.Achievements = append([]Achievement(nil), m.record.Achievements...)
	return out
}

// Persist writes the current record (and awarded-achievement set) to the
// backing store under its worker key, with a monotonically incrementing
// version already applied by RecordRequest.
func (m *Manager) Persist() error {
	m.mu.Lock()
	persisted := persistedRecord{Record: m.record}
	for a := range m.awarded {
		persisted.Awarded = append(persisted.Awarded, a)
	}
	m.mu.Unlock()

	data, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("score: encode record: %w", err)
	}
	return m.st.Put(store.WorkerKey(persisted.Record.WorkerID), data)
}
