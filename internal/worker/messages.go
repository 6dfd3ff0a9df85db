// Package worker implements the Worker Admission & Dispatch component: it
// owns the inference and score overlays, the priority queue, the health
// monitor, the score manager, and the single-threaded dispatcher that
// serializes calls into the Inference Adapter (§4.4).
package worker

import "github.com/shurlinet/qmesh/internal/score"

// Message type discriminators, per §6.
const (
	msgStatus          = "status"
	msgInference       = "inference"
	msgInferenceResult = "inference_result"
	msgError           = "error"
	msgScoreAnnounce   = "score_announce"
	msgScoreRequest    = "score_request"
	msgScoreResponse   = "score_response"
	msgLeaderboardSync = "leaderboard_sync"
)

type statusReply struct {
	Type              string              `json:"type"`
	WorkerID          string              `json:"workerId"`
	Ready             bool                `json:"ready"`
	RequestsProcessed int                 `json:"requestsProcessed"`
	QueueLength       int                 `json:"queueLength"`
	Score             int                 `json:"score"`
	Level             score.Level         `json:"level"`
	Rank              int                 `json:"rank,omitempty"`
	Achievements      []score.Achievement `json:"achievements"`
}

type inferenceRequestMsg struct {
	Type        string  `json:"type"`
	RequestID   string  `json:"requestId"`
	Prompt      string  `json:"prompt"`
	SenderID    string  `json:"senderId"`
	SenderScore int     `json:"senderScore"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type inferenceResultMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Result    string `json:"result"`
	WorkerID  string `json:"workerId"`
}

type errorMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
	Retry     bool   `json:"retry,omitempty"`
}

type scoreAnnounceMsg struct {
	Type string       `json:"type"`
	Data score.Record `json:"data"`
}

type scoreRequestMsg struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
}

type scoreResponseMsg struct {
	Type string       `json:"type"`
	Data score.Record `json:"data"`
}

type leaderboardSyncMsg struct {
	Type   string         `json:"type"`
	Scores []score.Record `json:"scores"`
}

// stringField reads a string-keyed field out of the generic message map
// decoded by the overlay's frame reader, tolerating absence.
func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func float64Field(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
