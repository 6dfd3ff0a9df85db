package workerapi

import (
	"time"

	"github.com/shurlinet/qmesh/internal/health"
	"github.com/shurlinet/qmesh/internal/registry"
	"github.com/shurlinet/qmesh/internal/score"
)

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	WorkerID          string              `json:"worker_id"`
	Version           string              `json:"version"`
	UptimeSeconds     int                 `json:"uptime_seconds"`
	Ready             bool                `json:"ready"`
	RequestsProcessed int                 `json:"requests_processed"`
	QueueLength       int                 `json:"queue_length"`
	Score             int                 `json:"score"`
	Level             score.Level         `json:"level"`
	Achievements      []score.Achievement `json:"achievements"`
	Health            health.Snapshot     `json:"health"`
}

// LeaderboardResponse is returned by GET /v1/leaderboard.
type LeaderboardResponse struct {
	Entries []registry.LeaderboardEntry `json:"entries"`
}

// HealthzResponse is returned by GET /v1/healthz.
type HealthzResponse struct {
	Ready     bool      `json:"ready"`
	Accepting bool      `json:"accepting"`
	SampledAt time.Time `json:"sampled_at"`
}

// ErrorResponse is returned on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
