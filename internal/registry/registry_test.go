package registry

import (
	"testing"
	"time"

	"github.com/shurlinet/qmesh/internal/health"
	"github.com/shurlinet/qmesh/internal/score"
)

func rec(id string, totalScore int, queueSize, queueCap int, healthScore float64, successRate float64, state health.State, ts time.Time) score.Record {
	return score.Record{
		WorkerID:    id,
		TotalScore:  totalScore,
		SuccessRate: successRate,
		System: health.Snapshot{
			QueueSize:     queueSize,
			QueueCapacity: queueCap,
			HealthScore:   healthScore,
			State:         state,
			Accepting:     state != health.StateOverloaded,
		},
		LastSeen:  ts,
		Timestamp: ts,
	}
}

func TestUpdatePeerAntiReorder(t *testing.T) {
	reg := New()
	now := time.Now()
	reg.UpdatePeer(rec("w1", 100, 0, 5, 80, 1, health.StateIdle, now))
	reg.UpdatePeer(rec("w1", 50, 0, 5, 80, 1, health.StateIdle, now.Add(-time.Minute)))

	got, ok := reg.Get("w1")
	if !ok || got.TotalScore != 100 {
		t.Fatalf("stale update was not discarded: %+v", got)
	}
}

func TestUpdatePeerIdempotent(t *testing.T) {
	reg := New()
	r := rec("w1", 100, 0, 5, 80, 1, health.StateIdle, time.Now())
	reg.UpdatePeer(r)
	reg.UpdatePeer(r)
	if got, _ := reg.Get("w1"); got.TotalScore != 100 {
		t.Fatalf("idempotent update changed state: %+v", got)
	}
}

func TestSelectBestPrefersEmptyQueue(t *testing.T) {
	reg := New()
	now := time.Now()
	reg.UpdatePeer(rec("w1", 1000, 2, 5, 80, 1, health.StateLight, now))
	reg.UpdatePeer(rec("w2", 500, 0, 5, 70, 1, health.StateLight, now))
	reg.UpdatePeer(rec("w3", 750, 1, 5, 90, 1, health.StateLight, now))

	best, ok := reg.SelectBest()
	if !ok || best.WorkerID != "w2" {
		t.Fatalf("selectBest = %+v, want w2", best)
	}
}

func TestSelectBestNeverReturnsOverloadedOrFull(t *testing.T) {
	reg := New()
	now := time.Now()
	reg.UpdatePeer(rec("overloaded", 9999, 0, 5, 10, 1, health.StateOverloaded, now))
	reg.UpdatePeer(rec("full", 9999, 5, 5, 90, 1, health.StateIdle, now))

	if _, ok := reg.SelectBest(); ok {
		t.Fatal("expected no available worker")
	}
}

func TestStaleEvictionRemovesFromLeaderboard(t *testing.T) {
	reg := New()
	old := time.Now().Add(-6 * time.Minute)
	reg.UpdatePeer(rec("stale", 9000, 0, 5, 90, 1, health.StateIdle, old))

	removed := reg.CleanupStale()
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if lb := reg.GetLeaderboard(10); len(lb) != 0 {
		t.Fatalf("leaderboard still has stale entry: %+v", lb)
	}
	stats := reg.NetworkStats()
	if stats.TotalWorkers != 0 {
		t.Fatalf("totalWorkers = %d, want 0", stats.TotalWorkers)
	}
}

func TestLeaderboardSortedDescendingWithRanks(t *testing.T) {
	reg := New()
	now := time.Now()
	reg.UpdatePeer(rec("low", 10, 0, 5, 50, 1, health.StateIdle, now))
	reg.UpdatePeer(rec("high", 5000, 0, 5, 50, 1, health.StateIdle, now))

	lb := reg.GetLeaderboard(10)
	if len(lb) != 2 || lb[0].WorkerID != "high" || lb[0].Rank != 1 || lb[1].Rank != 2 {
		t.Fatalf("leaderboard = %+v", lb)
	}
}
