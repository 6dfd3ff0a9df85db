package router

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/qmesh/internal/overlay"
	"github.com/shurlinet/qmesh/internal/registry"
	"github.com/shurlinet/qmesh/internal/telemetry"
)

const (
	healthRefreshInterval = 30 * time.Second
	defaultSendDeadline   = 30 * time.Second
	maxBatchConcurrency   = 5
)

// Result is one sendPrompt outcome.
type Result struct {
	Text     string
	WorkerID string
}

// BatchItem is one sendBatch outcome, keyed by the prompt's index in the
// input slice.
type BatchItem struct {
	Index  int
	Result Result
	Err    error
}

// inflight is the client-side bookkeeping entry of spec.md §4.1: created on
// send, destroyed on response, timeout, or worker loss.
type inflight struct {
	requestID  string
	workerPeer string
	startTime  time.Time
	deadline   time.Time
	done       chan inflightOutcome
}

type inflightOutcome struct {
	result Result
	err    error
}

// Config configures a Router.
type Config struct {
	SenderID     string
	Transport    *overlay.Transport
	SmartRouting *bool // nil defaults to true
	SendDeadline time.Duration

	// Metrics is nil-safe: a nil Metrics disables all Prometheus recording.
	Metrics *telemetry.Metrics
}

// Router is the Client Router: it joins both overlays client-only,
// discovers and status-probes workers, and serves SendPrompt/SendBatch
// against the Global Score Registry's worker selection.
type Router struct {
	senderID     string
	transport    *overlay.Transport
	smartRouting bool
	sendDeadline time.Duration

	inf     *overlay.Overlay
	scoreOv *overlay.Overlay

	registry *registry.Registry
	metrics  *telemetry.Metrics

	mu         sync.Mutex
	ready      map[string]bool   // peer shortID -> ready
	peerWorker map[string]string // peer shortID -> announced WorkerID
	workerPeer map[string]string // WorkerID -> peer shortID
	inflight   map[string]*inflight

	wg sync.WaitGroup
}

// New constructs a Router. Join must be called before use.
func New(cfg Config) *Router {
	smart := true
	if cfg.SmartRouting != nil {
		smart = *cfg.SmartRouting
	}
	deadline := cfg.SendDeadline
	if deadline <= 0 {
		deadline = defaultSendDeadline
	}
	return &Router{
		senderID:     cfg.SenderID,
		transport:    cfg.Transport,
		smartRouting: smart,
		sendDeadline: deadline,
		registry:     registry.New(),
		metrics:      cfg.Metrics,
		ready:        make(map[string]bool),
		peerWorker:   make(map[string]string),
		workerPeer:   make(map[string]string),
		inflight:     make(map[string]*inflight),
	}
}

// Join attaches the router to both overlays as a pure client.
func (r *Router) Join(ctx context.Context) error {
	inf, err := r.transport.Join(ctx, overlay.InferenceTopic, overlay.RoleClient)
	if err != nil {
		return err
	}
	r.inf = inf

	scoreOv, err := r.transport.Join(ctx, overlay.ScoreTopic, overlay.RoleClient)
	if err != nil {
		return err
	}
	r.scoreOv = scoreOv

	// The health refresher stops with ctx or once the score overlay is
	// left, so Close does not wait on the caller's context.
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	r.wg.Add(3)
	go r.runInferenceEvents()
	go func() {
		r.runScoreEvents()
		stopRefresh()
	}()
	go r.runHealthRefresher(refreshCtx)
	return nil
}

// Close leaves both overlays and waits for the router's goroutines to exit.
func (r *Router) Close() error {
	if r.inf != nil {
		_ = r.inf.Leave()
	}
	if r.scoreOv != nil {
		_ = r.scoreOv.Leave()
	}
	r.wg.Wait()
	return nil
}

// Registry exposes the router's locally-maintained worker registry, for
// status reporting and tests.
func (r *Router) Registry() *registry.Registry { return r.registry }

func (r *Router) runInferenceEvents() {
	defer r.wg.Done()
	for ev := range r.inf.Events() {
		switch ev.Kind {
		case overlay.EventPeerConnected:
			_ = r.inf.Send(ev.PeerID, statusQuery{Type: msgStatus})
		case overlay.EventPeerDisconnected:
			r.mu.Lock()
			delete(r.ready, ev.PeerID)
			if wid, ok := r.peerWorker[ev.PeerID]; ok {
				delete(r.workerPeer, wid)
				delete(r.peerWorker, ev.PeerID)
			}
			r.mu.Unlock()
			r.failInflightForPeer(ev.PeerID, fmt.Errorf("worker %s disconnected", ev.PeerID))
		case overlay.EventMessage:
			r.handleInferenceMessage(ev.PeerID, ev.Message)
		}
	}
}

func (r *Router) runScoreEvents() {
	defer r.wg.Done()
	for ev := range r.scoreOv.Events() {
		switch ev.Kind {
		case overlay.EventPeerConnected:
			_ = r.scoreOv.Send(ev.PeerID, scoreRequestMsg{Type: msgScoreRequest, WorkerID: r.senderID})
		case overlay.EventMessage:
			r.handleScoreMessage(ev.Message)
		}
	}
}

func (r *Router) handleInferenceMessage(peerID string, m map[string]any) {
	switch stringField(m, "type") {
	case msgStatus:
		workerID := stringField(m, "workerId")
		r.mu.Lock()
		r.ready[peerID] = boolField(m, "ready")
		if workerID != "" {
			r.peerWorker[peerID] = workerID
			r.workerPeer[workerID] = peerID
		}
		r.mu.Unlock()
	case msgInferenceResult:
		r.resolveInflight(stringField(m, "requestId"), inflightOutcome{
			result: Result{Text: stringField(m, "result"), WorkerID: stringField(m, "workerId")},
		})
	case msgError:
		r.resolveInflight(stringField(m, "requestId"), inflightOutcome{
			err: fmt.Errorf("worker error: %s", stringField(m, "error")),
		})
	}
}

func (r *Router) handleScoreMessage(m map[string]any) {
	switch stringField(m, "type") {
	case msgScoreAnnounce, msgScoreResponse:
		if raw, ok := m["data"].(map[string]any); ok {
			if rec, ok := decodeRecord(raw); ok {
				r.registry.UpdatePeer(rec)
			}
		}
	case msgLeaderboardSync:
		if raw, ok := m["scores"].([]any); ok {
			for _, item := range raw {
				if entry, ok := item.(map[string]any); ok {
					if rec, ok := decodeRecord(entry); ok {
						r.registry.UpdatePeer(rec)
					}
				}
			}
		}
	}
}

func (r *Router) runHealthRefresher(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peerID := range r.scoreOv.Peers() {
				_ = r.scoreOv.Send(peerID, scoreRequestMsg{Type: msgScoreRequest, WorkerID: r.senderID})
			}
			r.registry.CleanupStale()
		}
	}
}

// readyPeers returns the inference-overlay peer shortIDs currently marked
// ready by a status reply.
func (r *Router) readyPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ready))
	for id, ready := range r.ready {
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// SendPrompt implements spec.md §4.8's sendPrompt: selects a worker (smart
// or uniform-random among ready peers), records an inflight entry, sends
// the inference request, and blocks until the matching result/error
// arrives or the deadline expires.
func (r *Router) SendPrompt(ctx context.Context, prompt string, senderScore int) (Result, error) {
	start := time.Now()
	result, err := r.sendPrompt(ctx, prompt, senderScore)
	if r.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		r.metrics.RouterRequestsTotal.WithLabelValues(outcome).Inc()
		r.metrics.RouterRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		r.metrics.RouterReadyPeers.Set(float64(len(r.readyPeers())))
	}
	return result, err
}

func (r *Router) sendPrompt(ctx context.Context, prompt string, senderScore int) (Result, error) {
	peerID, err := r.choosePeer()
	if err != nil {
		return Result{}, err
	}

	requestID := uuid.NewString()
	deadline := time.Now().Add(r.sendDeadline)
	entry := &inflight{
		requestID:  requestID,
		workerPeer: peerID,
		startTime:  time.Now(),
		deadline:   deadline,
		done:       make(chan inflightOutcome, 1),
	}

	r.mu.Lock()
	r.inflight[requestID] = entry
	r.mu.Unlock()
	defer r.removeInflight(requestID)

	if err := r.inf.Send(peerID, inferenceRequestMsg{
		Type:        msgInference,
		RequestID:   requestID,
		Prompt:      prompt,
		SenderID:    r.senderID,
		SenderScore: senderScore,
	}); err != nil {
		return Result{}, fmt.Errorf("router: send to %s: %w", peerID, err)
	}

	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case outcome := <-entry.done:
		return outcome.result, outcome.err
	case <-callCtx.Done():
		return Result{}, fmt.Errorf("router: request %s timed out", requestID)
	}
}

// choosePeer implements the smartRouting/uniform-random selection of
// spec.md §4.8 step 1.
func (r *Router) choosePeer() (string, error) {
	if r.smartRouting {
		if best, ok := r.registry.SelectBest(); ok {
			r.mu.Lock()
			peerID, known := r.workerPeer[best.WorkerID]
			ready := known && r.ready[peerID]
			r.mu.Unlock()
			if ready {
				return peerID, nil
			}
		}
	}

	peers := r.readyPeers()
	if len(peers) == 0 {
		return "", fmt.Errorf("router: no ready workers available")
	}
	return peers[rand.Intn(len(peers))], nil
}

func (r *Router) resolveInflight(requestID string, outcome inflightOutcome) {
	r.mu.Lock()
	entry, ok := r.inflight[requestID]
	if ok {
		delete(r.inflight, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case entry.done <- outcome:
	default:
	}
}

func (r *Router) removeInflight(requestID string) {
	r.mu.Lock()
	delete(r.inflight, requestID)
	r.mu.Unlock()
}

func (r *Router) failInflightForPeer(peerID string, err error) {
	r.mu.Lock()
	var matched []*inflight
	for id, e := range r.inflight {
		if e.workerPeer == peerID {
			matched = append(matched, e)
			delete(r.inflight, id)
		}
	}
	r.mu.Unlock()
	for _, e := range matched {
		select {
		case e.done <- inflightOutcome{err: err}:
		default:
		}
	}
}

// SendBatch implements spec.md §4.8's sendBatch: up to
// min(len(prompts), workerCount, 5) concurrent sendPrompts, collecting
// per-prompt results keyed by index. Grounded on the teacher's
// maxConcurrentDials buffered-channel semaphore in peermanager.go,
// generalized here via golang.org/x/sync/errgroup instead of a bare
// WaitGroup since any one prompt's context cancellation should not abort
// its siblings.
func (r *Router) SendBatch(ctx context.Context, prompts []string, senderScore int) []BatchItem {
	if r.metrics != nil {
		r.metrics.RouterBatchSize.Observe(float64(len(prompts)))
	}
	workerCount := len(r.readyPeers())
	concurrency := min(len(prompts), workerCount, maxBatchConcurrency)
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]BatchItem, len(prompts))
	sem := make(chan struct{}, concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := r.SendPrompt(gctx, prompt, senderScore)
			results[i] = BatchItem{Index: i, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
