package score

import (
	"testing"
	"time"

	"github.com/shurlinet/qmesh/internal/health"
	"github.com/shurlinet/qmesh/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("worker-1", store.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRequestScoreFactors(t *testing.T) {
	cases := []struct {
		elapsed   time.Duration
		promptLen int
		resultLen int
		want      int
	}{
		{400 * time.Millisecond, 10, 200, 5 + 0 + 3},
		{900 * time.Millisecond, 250, 50, 4 + 3 + 2},
		{10 * time.Second, 0, 0, 0 + 0 + 2},
	}
	for _, c := range cases {
		got := requestScore(c.elapsed, c.promptLen, c.resultLen)
		if got != c.want {
			t.Errorf("requestScore(%v,%d,%d) = %d, want %d", c.elapsed, c.promptLen, c.resultLen, got, c.want)
		}
	}
}

func TestRecordRequestAccumulatesScore(t *testing.T) {
	m := newTestManager(t)
	snap := health.Snapshot{HealthScore: 90}
	r := m.RecordRequest(true, 400*time.Millisecond, 10, 200, snap)
	if r.TotalScore != 8 {
		t.Fatalf("totalScore = %d, want 8", r.TotalScore)
	}
	if r.RequestCount != 1 || r.SuccessCount != 1 || r.SuccessRate != 1 {
		t.Fatalf("record = %+v", r)
	}
}

func TestFailurePenaltyNeverGoesNegative(t *testing.T) {
	m := newTestManager(t)
	r := m.RecordRequest(false, time.Second, 10, 10, health.Snapshot{})
	if r.TotalScore != 0 {
		t.Fatalf("totalScore = %d, want 0 (floored)", r.TotalScore)
	}
}

func TestCenturionAchievementAwardedOnce(t *testing.T) {
	m := newTestManager(t)
	var last Record
	for i := 0; i < 100; i++ {
		last = m.RecordRequest(true, 10*time.Second, 10, 10, health.Snapshot{})
	}
	found := 0
	for _, a := range last.Achievements {
		if a == AchievementCenturion {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("centurion awarded %d times, want 1", found)
	}

	// One more request must not award it again.
	last = m.RecordRequest(true, 10*time.Second, 10, 10, health.Snapshot{})
	found = 0
	for _, a := range last.Achievements {
		if a == AchievementCenturion {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("centurion appears %d times after request 101, want 1", found)
	}
}

func TestLevelThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  Level
	}{
		{10000, LevelMaster},
		{5000, LevelDiamond},
		{1000, LevelPlatinum},
		{500, LevelGold},
		{100, LevelSilver},
		{0, LevelBronze},
	}
	for _, c := range cases {
		if got := levelFor(c.score); got != c.want {
			t.Errorf("levelFor(%d) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestPersistAndReload(t *testing.T) {
	st := store.NewMemory()
	m, err := NewManager("worker-1", st)
	if err != nil {
		t.Fatal(err)
	}
	m.RecordRequest(true, 400*time.Millisecond, 10, 200, health.Snapshot{})
	if err := m.Persist(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewManager("worker-1", st)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Snapshot().TotalScore != m.Snapshot().TotalScore {
		t.Fatalf("reloaded score = %d, want %d", reloaded.Snapshot().TotalScore, m.Snapshot().TotalScore)
	}
}
