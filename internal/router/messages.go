// Package router implements the Client Router: it joins the inference and
// score overlays as a client, discovers and status-probes workers, and
// exposes SendPrompt/SendBatch over the Global Score Registry's worker
// selection (§4.8).
package router

import (
	"encoding/json"

	"github.com/shurlinet/qmesh/internal/score"
)

// Message type discriminators, shared with internal/worker's wire shapes.
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

type statusQuery struct {
	Type string `json:"type"`
}

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

type scoreRequestMsg struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
}

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

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func float64Field(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func decodeRecord(m map[string]any) (score.Record, bool) {
	data, err := json.Marshal(m)
	if err != nil {
		return score.Record{}, false
	}
	var rec score.Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.WorkerID == "" {
		return score.Record{}, false
	}
	return rec, true
}
