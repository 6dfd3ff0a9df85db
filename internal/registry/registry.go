// Package registry implements the Global Score Registry: an in-memory,
// gossip-aggregated view of every peer's score.Record, with staleness
// eviction and the client-side worker selection policy.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/shurlinet/qmesh/internal/score"
)

// StalenessWindow is how long a peer's record is trusted without a fresh
// sighting before the sweeper evicts it.
const StalenessWindow = 5 * time.Minute

// Registry is a workerId -> score.Record table, safe for concurrent use.
// Records are merged by Timestamp alone (see UpdatePeer): a worker's own
// record gets no precedence over a gossiped copy of itself, and on equal
// Timestamps the record applied last replaces the stored one.
type Registry struct {
	mu      sync.RWMutex
	records map[string]score.Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[string]score.Record)}
}

// UpdatePeer merges r into the registry. If an existing entry for
// r.WorkerID has a later Timestamp, the incoming record is discarded
// (anti-reorder, §4.7/§8 invariant 4).
func (reg *Registry) UpdatePeer(r score.Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.updatePeerLocked(r)
}

func (reg *Registry) updatePeerLocked(r score.Record) {
	existing, ok := reg.records[r.WorkerID]
	if ok && existing.Timestamp.After(r.Timestamp) {
		return
	}
	reg.records[r.WorkerID] = r
}

// UpdateMany applies UpdatePeer for each record in rs, e.g. from a
// leaderboard_sync message.
func (reg *Registry) UpdateMany(rs []score.Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range rs {
		reg.updatePeerLocked(r)
	}
}

// CleanupStale evicts every record whose LastSeen is older than
// StalenessWindow and returns the number removed.
func (reg *Registry) CleanupStale() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	cutoff := time.Now().Add(-StalenessWindow)
	removed := 0
	for id, r := range reg.records {
		if r.LastSeen.Before(cutoff) {
			delete(reg.records, id)
			removed++
		}
	}
	return removed
}

// Get returns a peer's current record, if present.
func (reg *Registry) Get(workerID string) (score.Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.records[workerID]
	return r, ok
}

// LeaderboardEntry is one ranked row of GetLeaderboard's result.
type LeaderboardEntry struct {
	Rank int
	score.Record
}

// GetLeaderboard returns up to limit records sorted by TotalScore
// descending, with ranks assigned 1-based. limit<=0 means unbounded.
func (reg *Registry) GetLeaderboard(limit int) []LeaderboardEntry {
	reg.mu.RLock()
	all := make([]score.Record, 0, len(reg.records))
	for _, r := range reg.records {
		all = append(all, r)
	}
	reg.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].TotalScore > all[j].TotalScore })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]LeaderboardEntry, len(all))
	for i, r := range all {
		out[i] = LeaderboardEntry{Rank: i + 1, Record: r}
	}
	return out
}

// GetAvailable returns every record whose worker is currently able to
// accept more work: system.accepting, queue headroom, and a non-overloaded
// state.
func (reg *Registry) GetAvailable() []score.Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out []score.Record
	for _, r := range reg.records {
		if isAvailable(r) {
			out = append(out, r)
		}
	}
	return out
}

func isAvailable(r score.Record) bool {
	sys := r.System
	return sys.Accepting &&
		sys.QueueSize < sys.QueueCapacity &&
		sys.State != "overloaded"
}

// NetworkStats summarizes the registry's current population.
type NetworkStats struct {
	TotalWorkers     int
	AvailableWorkers int
	AverageHealth    float64
	AverageScore     float64
}

// NetworkStats computes aggregate figures across every tracked worker.
func (reg *Registry) NetworkStats() NetworkStats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var stats NetworkStats
	stats.TotalWorkers = len(reg.records)
	if stats.TotalWorkers == 0 {
		return stats
	}

	var healthSum, scoreSum float64
	for _, r := range reg.records {
		healthSum += r.System.HealthScore
		scoreSum += float64(r.TotalScore)
		if isAvailable(r) {
			stats.AvailableWorkers++
		}
	}
	stats.AverageHealth = healthSum / float64(stats.TotalWorkers)
	stats.AverageScore = scoreSum / float64(stats.TotalWorkers)
	return stats
}

// SelectBest implements the client routing policy of §4.7:
//  1. Collect the available set; empty → no selection.
//  2. First tier: any worker with an empty queue, picking the highest
//     healthScore.
//  3. Fallback tier: maximize a weighted score across queue headroom,
//     health, and historical reliability.
func (reg *Registry) SelectBest() (score.Record, bool) {
	available := reg.GetAvailable()
	if len(available) == 0 {
		return score.Record{}, false
	}

	var bestEmpty *score.Record
	for i := range available {
		r := &available[i]
		if r.System.QueueSize != 0 {
			continue
		}
		if bestEmpty == nil || r.System.HealthScore > bestEmpty.System.HealthScore {
			bestEmpty = r
		}
	}
	if bestEmpty != nil {
		return *bestEmpty, true
	}

	var best *score.Record
	bestScore := -1.0
	for i := range available {
		r := &available[i]
		s := routingScore(*r)
		if s > bestScore {
			bestScore = s
			best = r
		}
	}
	return *best, true
}

func routingScore(r score.Record) float64 {
	headroom := 0.0
	if r.System.QueueCapacity > 0 {
		headroom = 1 - float64(r.System.QueueSize)/float64(r.System.QueueCapacity)
	}
	reliability := 0.5
	if r.RequestCount > 0 {
		reliability = r.SuccessRate
	}
	return 60*headroom + 30*(r.System.HealthScore/100) + 10*reliability
}
