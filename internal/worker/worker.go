package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shurlinet/qmesh/internal/health"
	"github.com/shurlinet/qmesh/internal/inference"
	"github.com/shurlinet/qmesh/internal/overlay"
	"github.com/shurlinet/qmesh/internal/pqueue"
	"github.com/shurlinet/qmesh/internal/registry"
	"github.com/shurlinet/qmesh/internal/reputation"
	"github.com/shurlinet/qmesh/internal/score"
	"github.com/shurlinet/qmesh/internal/store"
	"github.com/shurlinet/qmesh/internal/telemetry"
)

const (
	healthSampleInterval   = 5 * time.Second
	scoreBroadcastInterval = 30 * time.Second
	registrySweepInterval  = 60 * time.Second

	// leaderboardLimit bounds the persisted/broadcast leaderboard
	// snapshot to the top N workers by score, per spec.md §4.10's
	// "bounded snapshot size is acceptable" Open Question resolution.
	leaderboardLimit = 200
)

// Config configures a Worker process.
type Config struct {
	WorkerID     string
	BaseCapacity int
	Transport    *overlay.Transport
	Adapter      *inference.Adapter
	Store        store.Store

	// Metrics is nil-safe: a nil Metrics disables all Prometheus recording.
	Metrics *telemetry.Metrics
}

// Worker admits, queues, and dispatches inference requests on behalf of
// one WorkerID, and broadcasts its score/health on the score overlay.
type Worker struct {
	id           string
	baseCapacity int

	transport *overlay.Transport
	inf       *overlay.Overlay
	scoreOv   *overlay.Overlay

	monitor  *health.Monitor
	queue    *pqueue.Queue
	manager  *score.Manager
	registry *registry.Registry
	verifier *reputation.Verifier
	adapter  *inference.Adapter
	st       store.Store

	admissionLimiter *rate.Limiter
	metrics          *telemetry.Metrics

	mu                sync.Mutex
	requestsProcessed int
	dispatching       bool
	pendingPeer       map[string]string // requestID -> origin overlay peer shortID

	dispatchSignal chan struct{}
}

// defaultAdmissionBurst bounds how many inference requests a worker will
// accept in a short burst before the rate limiter starts rejecting ahead of
// the queue-capacity check, guarding the dispatcher against a flood of
// admissions arriving faster than health sampling can react.
const defaultAdmissionBurst = 50

// New constructs a Worker. Join must be called before it processes
// traffic.
func New(cfg Config) (*Worker, error) {
	manager, err := score.NewManager(cfg.WorkerID, cfg.Store)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	w := &Worker{
		id:               cfg.WorkerID,
		baseCapacity:     cfg.BaseCapacity,
		transport:        cfg.Transport,
		monitor:          health.NewMonitor(cfg.BaseCapacity),
		queue:            pqueue.New(),
		manager:          manager,
		registry:         reg,
		verifier:         reputation.New(reg),
		adapter:          cfg.Adapter,
		st:               cfg.Store,
		admissionLimiter: rate.NewLimiter(rate.Limit(defaultAdmissionBurst), defaultAdmissionBurst),
		metrics:          cfg.Metrics,
		pendingPeer:      make(map[string]string),
		dispatchSignal:   make(chan struct{}, 1),
	}
	return w, nil
}

// Join attaches the worker to both overlays and starts its background
// tasks. Blocks until both joins have propagated.
func (w *Worker) Join(ctx context.Context) error {
	inf, err := w.transport.Join(ctx, overlay.InferenceTopic, overlay.RoleServer)
	if err != nil {
		return err
	}
	w.inf = inf

	scoreOv, err := w.transport.Join(ctx, overlay.ScoreTopic, overlay.RoleBoth)
	if err != nil {
		return err
	}
	w.scoreOv = scoreOv

	go w.runInferenceEvents()
	go w.runScoreEvents()
	go w.runHealthSampler(ctx)
	go w.runScoreBroadcaster(ctx)
	go w.runRegistrySweeper(ctx)
	go w.runDispatcher(ctx)
	return nil
}

// Status is a point-in-time snapshot of worker state, exposed over
// internal/workerapi's HTTP status endpoint.
type Status struct {
	WorkerID          string
	Ready             bool
	RequestsProcessed int
	QueueLength       int
	Score             int
	Level             score.Level
	Achievements      []score.Achievement
	Health            health.Snapshot
}

// Status reports the worker's current admission/dispatch/health state.
func (w *Worker) Status() Status {
	snap := w.manager.Snapshot()
	return Status{
		WorkerID:          w.id,
		Ready:             w.adapter.Ready(),
		RequestsProcessed: w.requestCount(),
		QueueLength:       w.queue.Len(),
		Score:             snap.TotalScore,
		Level:             snap.Level,
		Achievements:      snap.Achievements,
		Health:            w.monitor.Snapshot(),
	}
}

// Leaderboard reports the worker's locally-tracked registry leaderboard,
// for internal/workerapi's status API. limit<=0 means unbounded.
func (w *Worker) Leaderboard(limit int) []registry.LeaderboardEntry {
	return w.registry.GetLeaderboard(limit)
}

// Close leaves both overlays and persists the final score record.
func (w *Worker) Close() error {
	if w.inf != nil {
		_ = w.inf.Leave()
	}
	if w.scoreOv != nil {
		_ = w.scoreOv.Leave()
	}
	return w.manager.Persist()
}

func (w *Worker) runInferenceEvents() {
	for ev := range w.inf.Events() {
		switch ev.Kind {
		case overlay.EventMessage:
			w.handleInferenceMessage(ev.PeerID, ev.Message)
		case overlay.EventPeerDisconnected:
			w.queue.RemoveIf(func(e pqueue.Entry) bool {
				return w.originPeer(e.RequestID) == ev.PeerID
			})
		}
	}
}

func (w *Worker) runScoreEvents() {
	for ev := range w.scoreOv.Events() {
		if ev.Kind != overlay.EventMessage {
			continue
		}
		w.handleScoreMessage(ev.PeerID, ev.Message)
	}
}

func (w *Worker) handleInferenceMessage(peerID string, m map[string]any) {
	switch stringField(m, "type") {
	case msgStatus:
		w.replyStatus(peerID)
	case msgInference:
		w.admit(peerID, inferenceRequestMsg{
			RequestID:   stringField(m, "requestId"),
			Prompt:      stringField(m, "prompt"),
			SenderID:    stringField(m, "senderId"),
			SenderScore: intField(m, "senderScore"),
			MaxTokens:   intField(m, "maxTokens"),
			Temperature: float64Field(m, "temperature"),
		})
	}
}

func (w *Worker) handleScoreMessage(peerID string, m map[string]any) {
	switch stringField(m, "type") {
	case msgScoreRequest:
		snap := w.manager.Snapshot()
		_ = w.scoreOv.Send(peerID, scoreResponseMsg{Type: msgScoreResponse, Data: snap})
	case msgScoreAnnounce, msgScoreResponse:
		if raw, ok := m["data"].(map[string]any); ok {
			if rec, ok := decodeRecord(raw); ok {
				w.registry.UpdatePeer(rec)
			}
		}
	case msgLeaderboardSync:
		if raw, ok := m["scores"].([]any); ok {
			var recs []score.Record
			for _, item := range raw {
				if entry, ok := item.(map[string]any); ok {
					if rec, ok := decodeRecord(entry); ok {
						recs = append(recs, rec)
					}
				}
			}
			w.registry.UpdateMany(recs)
		}
	}
}

func (w *Worker) replyStatus(peerID string) {
	snap := w.manager.Snapshot()
	rank := 0
	for _, entry := range w.registry.GetLeaderboard(0) {
		if entry.WorkerID == w.id {
			rank = entry.Rank
			break
		}
	}

	reply := statusReply{
		Type:              msgStatus,
		WorkerID:          w.id,
		Ready:             w.adapter.Ready(),
		RequestsProcessed: w.requestCount(),
		QueueLength:       w.queue.Len(),
		Score:             snap.TotalScore,
		Level:             snap.Level,
		Rank:              rank,
		Achievements:      snap.Achievements,
	}
	_ = w.inf.Send(peerID, reply)
}

// admit implements §4.4 steps 1-5.
func (w *Worker) admit(peerID string, req inferenceRequestMsg) {
	if !w.adapter.Ready() {
		_ = w.inf.Send(peerID, errorMsg{Type: msgError, RequestID: req.RequestID, Error: "worker-not-ready"})
		w.recordAdmission("not_ready")
		return
	}

	if !w.admissionLimiter.Allow() {
		_ = w.inf.Send(peerID, errorMsg{Type: msgError, RequestID: req.RequestID, Error: "admission rate exceeded", Retry: true})
		w.recordAdmission("rate_limited")
		return
	}

	capacity := w.monitor.DynamicCapacity(w.baseCapacity)
	if !w.monitor.AcceptingWork(w.queue.Len(), capacity) {
		_ = w.inf.Send(peerID, errorMsg{Type: msgError, RequestID: req.RequestID, Error: "worker overloaded", Retry: true})
		w.recordAdmission("overloaded")
		return
	}

	priority := w.verifier.EffectivePriority(req.SenderID, req.SenderScore)

	w.mu.Lock()
	w.pendingPeer[req.RequestID] = peerID
	w.mu.Unlock()

	w.queue.Enqueue(pqueue.Entry{
		RequestID: req.RequestID,
		Request:   req,
		Priority:  priority,
		Timestamp: time.Now(),
	})
	w.monitor.SetQueueSize(w.queue.Len())
	w.recordAdmission("accepted")
	if w.metrics != nil {
		w.metrics.QueueLength.Set(float64(w.queue.Len()))
	}
	w.signalDispatch()
}

func (w *Worker) recordAdmission(outcome string) {
	if w.metrics != nil {
		w.metrics.AdmissionDecisionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (w *Worker) signalDispatch() {
	select {
	case w.dispatchSignal <- struct{}{}:
	default:
	}
}

func (w *Worker) originPeer(requestID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingPeer[requestID]
}

// runDispatcher is the single point of serialization into the Inference
// Adapter: while the queue is non-empty and no dispatch is in progress, it
// dequeues the highest-priority entry and executes it.
func (w *Worker) runDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.dispatchSignal:
		}

		for {
			entry, ok := w.queue.Dequeue()
			if !ok {
				break
			}
			w.monitor.SetQueueSize(w.queue.Len())

			req := entry.Request.(inferenceRequestMsg)
			peerID := w.originPeer(req.RequestID)
			if !w.connectionAlive(peerID) {
				continue
			}

			w.dispatchOne(ctx, peerID, req)
		}
	}
}

func (w *Worker) connectionAlive(peerID string) bool {
	for _, p := range w.inf.Peers() {
		if p == peerID {
			return true
		}
	}
	return false
}

func (w *Worker) dispatchOne(ctx context.Context, peerID string, req inferenceRequestMsg) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	result, err := w.adapter.Generate(callCtx, req.Prompt, inference.GenerateOpts{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	elapsed := time.Since(start)

	if err != nil {
		_ = w.inf.Send(peerID, errorMsg{Type: msgError, RequestID: req.RequestID, Error: err.Error()})
		if err == inference.ErrModelNotLoaded {
			w.reloadAdapter(ctx)
		}
		w.recordDispatch("error", elapsed)
		go w.scoreAsync(false, elapsed, len(req.Prompt), 0)
		return
	}

	_ = w.inf.Send(peerID, inferenceResultMsg{Type: msgInferenceResult, RequestID: req.RequestID, Result: result.Text, WorkerID: w.id})
	w.monitor.RecordResponseTime(elapsed)
	w.incrementRequestCount()
	w.recordDispatch("success", elapsed)
	go w.scoreAsync(true, elapsed, len(req.Prompt), len(result.Text))
}

func (w *Worker) recordDispatch(outcome string, elapsed time.Duration) {
	if w.metrics == nil {
		return
	}
	w.metrics.DispatchTotal.WithLabelValues(outcome).Inc()
	w.metrics.DispatchDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	w.metrics.QueueLength.Set(float64(w.queue.Len()))
}

// scoreAsync updates the Score Manager without delaying the response
// already sent to the client, per §4.4: "scoring must not delay the
// response."
func (w *Worker) scoreAsync(success bool, elapsed time.Duration, promptLen, resultLen int) {
	snap := w.monitor.Snapshot()
	w.manager.RecordRequest(success, elapsed, promptLen, resultLen, snap)
	if err := w.manager.Persist(); err != nil {
		slog.Warn("worker: persist score record failed", "error", err)
	}
}

func (w *Worker) reloadAdapter(ctx context.Context) {
	slog.Warn("worker: model not loaded, restarting adapter", "worker", w.id)
	rctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := w.adapter.Start(rctx); err != nil {
		slog.Error("worker: adapter restart failed", "error", err)
	}
}

func (w *Worker) incrementRequestCount() {
	w.mu.Lock()
	w.requestsProcessed++
	w.mu.Unlock()
}

func (w *Worker) requestCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requestsProcessed
}

func (w *Worker) runHealthSampler(ctx context.Context) {
	ticker := time.NewTicker(healthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := w.monitor.Sample()
			if err != nil {
				slog.Warn("worker: health sample failed", "error", err)
				continue
			}
			if w.metrics != nil {
				w.metrics.HealthScore.Set(snap.HealthScore)
			}
		}
	}
}

func (w *Worker) runScoreBroadcaster(ctx context.Context) {
	ticker := time.NewTicker(scoreBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := w.manager.Snapshot()
			snap.System = w.monitor.Snapshot()
			now := time.Now()
			snap.LastSeen = now
			snap.Timestamp = now
			w.registry.UpdatePeer(snap)
			w.scoreOv.Broadcast(scoreAnnounceMsg{Type: msgScoreAnnounce, Data: snap})
			if w.metrics != nil {
				w.metrics.ScoreTotal.Set(float64(snap.TotalScore))
				w.metrics.ScoreBroadcastTotal.Inc()
				w.metrics.RegistryPeerCount.Set(float64(w.registry.NetworkStats().TotalWorkers))
			}
			w.rewriteLeaderboardSnapshot()
		}
	}
}

// rewriteLeaderboardSnapshot implements spec.md §4.10's leaderboard
// snapshot rewrite: the existing leaderboard/ range is deleted and the
// current top-leaderboardLimit entries are written in the same Batch
// call, then gossiped so peers can sync their registries without each
// polling every worker individually.
func (w *Worker) rewriteLeaderboardSnapshot() {
	entries := w.registry.GetLeaderboard(leaderboardLimit)

	old, err := w.st.ScanRange(store.LeaderboardPrefix)
	if err != nil {
		slog.Warn("worker: leaderboard scan failed", "error", err)
		return
	}

	ops := make([]store.Op, 0, len(old)+len(entries))
	for _, kv := range old {
		ops = append(ops, store.Op{Delete: true, Key: kv.Key})
	}
	records := make([]score.Record, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e.Record)
		if err != nil {
			slog.Warn("worker: leaderboard marshal failed", "worker", e.WorkerID, "error", err)
			continue
		}
		ops = append(ops, store.Op{Key: store.LeaderboardKey(e.Rank), Value: data})
		records = append(records, e.Record)
	}

	if err := w.st.Batch(ops); err != nil {
		slog.Warn("worker: leaderboard batch rewrite failed", "error", err)
		return
	}
	w.scoreOv.Broadcast(leaderboardSyncMsg{Type: msgLeaderboardSync, Scores: records})
}

func (w *Worker) runRegistrySweeper(ctx context.Context) {
	ticker := time.NewTicker(registrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.registry.CleanupStale()
		}
	}
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
