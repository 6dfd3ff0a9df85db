// Package score maintains each worker's local contribution record: a
// cumulative score with tiers and one-time achievements, computed from a
// four-factor per-request scoring formula and persisted after every
// update (§4.6).
package score

import (
	"time"

	"github.com/shurlinet/qmesh/internal/health"
)

// Level is the score-record's displayed tier, distinct from pqueue.Tier's
// admission-priority bands: the thresholds in §4.6 differ slightly from
// §4.3's, and the two are used for different purposes (display vs.
// admission), so they are kept as separate types rather than unified.
type Level string

const (
	LevelMaster   Level = "Master"
	LevelDiamond  Level = "Diamond"
	LevelPlatinum Level = "Platinum"
	LevelGold     Level = "Gold"
	LevelSilver   Level = "Silver"
	LevelBronze   Level = "Bronze"
)

var levelThresholds = []struct {
	level Level
	min   int
}{
	{LevelMaster, 10000},
	{LevelDiamond, 5000},
	{LevelPlatinum, 1000},
	{LevelGold, 500},
	{LevelSilver, 100},
}

func levelFor(totalScore int) Level {
	for _, t := range levelThresholds {
		if totalScore >= t.min {
			return t.level
		}
	}
	return LevelBronze
}

// Achievement is a one-time additive bonus, awarded at most once per
// worker.
type Achievement string

const (
	AchievementSpeedDemon    Achievement = "speed-demon"
	AchievementCenturion     Achievement = "centurion"
	AchievementPerfectionist Achievement = "perfectionist"
	AchievementMarathoner    Achievement = "marathoner"
)

var achievementBonus = map[Achievement]int{
	AchievementSpeedDemon:    100,
	AchievementCenturion:     200,
	AchievementPerfectionist: 150,
	AchievementMarathoner:    300,
}

// Record is a worker's contribution scoring state, gossiped on the score
// overlay and merged into peers' Global Score Registries keyed by
// WorkerID.
type Record struct {
	WorkerID            string          `json:"workerId"`
	TotalScore          int             `json:"totalScore"`
	Level               Level           `json:"level"`
	RequestCount        int             `json:"requestCount"`
	SuccessCount        int             `json:"successCount"`
	SuccessRate         float64         `json:"successRate"`
	AverageResponseTime time.Duration   `json:"averageResponseTime"`
	Achievements        []Achievement   `json:"achievements"`
	System              health.Snapshot `json:"system"`
	LastSeen            time.Time       `json:"lastSeen"`
	Timestamp           time.Time       `json:"timestamp"`
	Version             uint64          `json:"version"`
}
