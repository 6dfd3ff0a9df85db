package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/shurlinet/qmesh/internal/inference"
	"github.com/shurlinet/qmesh/internal/overlay"
	"github.com/shurlinet/qmesh/internal/store"
	"github.com/shurlinet/qmesh/internal/telemetry"
)

// newPairedTransports builds two Transports on localhost, with b bootstrapped
// off a so both end up in each other's DHT routing table, following the
// teacher's two-host-direct-connect integration test pattern.
func newPairedTransports(t *testing.T) (a, b *overlay.Transport) {
	t.Helper()
	dir := t.TempDir()

	a, err := overlay.New(overlay.Config{
		KeyFile:     filepath.Join(dir, "a.key"),
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		DisableMDNS: true,
	})
	if err != nil {
		t.Fatalf("transport a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	addrs := a.Host().Addrs()
	if len(addrs) == 0 {
		t.Fatal("transport a has no listen addrs")
	}
	bootstrap := addrs[0].String() + "/p2p/" + a.Host().ID().String()

	b, err = overlay.New(overlay.Config{
		KeyFile:        filepath.Join(dir, "b.key"),
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers: []string{bootstrap},
		DisableMDNS:    true,
	})
	if err != nil {
		t.Fatalf("transport b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	return a, b
}

func newFakeModelServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/completion", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func readEventUntilMessage(t *testing.T, ov *overlay.Overlay, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ov.Events():
			if ev.Kind == overlay.EventMessage {
				return ev.Message
			}
		case <-deadline:
			t.Fatal("timed out waiting for message event")
		}
	}
}

func waitForPeer(t *testing.T, ov *overlay.Overlay, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(ov.Peers()) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for peer connection")
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/libp2p/go-libp2p-kad-dht.(*IpfsDHT).populatePeers"),
	)
}

func TestEndToEndInferenceHappyPath(t *testing.T) {
	workerT, clientT := newPairedTransports(t)

	srv := newFakeModelServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "four", "stop": true, "stop_reason": "eos"})
	})
	adapter := inference.New(inference.Config{BaseURL: srv.URL, RequestTimeout: 5 * time.Second})
	setAdapterReady(t, adapter)

	w, err := New(Config{WorkerID: "worker-1", BaseCapacity: 5, Transport: workerT, Adapter: adapter, Store: store.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	clientInf, err := clientT.Join(ctx, overlay.InferenceTopic, overlay.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	defer clientInf.Leave()

	waitForPeer(t, clientInf, 10*time.Second)
	peers := clientInf.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected one peer, got %d", len(peers))
	}

	if err := clientInf.Send(peers[0], map[string]any{
		"type":        msgInference,
		"requestId":   "req-1",
		"prompt":      "2+2?",
		"senderId":    "client-1",
		"senderScore": 10,
	}); err != nil {
		t.Fatal(err)
	}

	msg := readEventUntilMessage(t, clientInf, 10*time.Second)
	if stringField(msg, "type") != msgInferenceResult {
		t.Fatalf("expected inference_result, got %v", msg)
	}
	if stringField(msg, "result") != "four" {
		t.Fatalf("result = %v", msg["result"])
	}
}

func TestDispatchRecordsMetrics(t *testing.T) {
	workerT, clientT := newPairedTransports(t)

	srv := newFakeModelServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "four", "stop": true, "stop_reason": "eos"})
	})
	adapter := inference.New(inference.Config{BaseURL: srv.URL, RequestTimeout: 5 * time.Second})
	setAdapterReady(t, adapter)

	metrics := telemetry.New("test", "go1.x")
	w, err := New(Config{WorkerID: "worker-metrics", BaseCapacity: 5, Transport: workerT, Adapter: adapter, Store: store.NewMemory(), Metrics: metrics})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	clientInf, err := clientT.Join(ctx, overlay.InferenceTopic, overlay.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	defer clientInf.Leave()

	waitForPeer(t, clientInf, 10*time.Second)
	peers := clientInf.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected one peer, got %d", len(peers))
	}

	if err := clientInf.Send(peers[0], map[string]any{
		"type":        msgInference,
		"requestId":   "req-metrics",
		"prompt":      "2+2?",
		"senderId":    "client-metrics",
		"senderScore": 10,
	}); err != nil {
		t.Fatal(err)
	}
	readEventUntilMessage(t, clientInf, 10*time.Second)

	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{"qmesh_admission_decisions_total", "qmesh_dispatch_total", "qmesh_dispatch_duration_seconds", "qmesh_queue_length"} {
		if !found[name] {
			t.Errorf("expected metric family %s to have been recorded", name)
		}
	}
}

func TestAdmissionRejectsWhenWorkerNotReady(t *testing.T) {
	workerT, clientT := newPairedTransports(t)

	adapter := inference.New(inference.Config{BaseURL: "http://127.0.0.1:1"})

	w, err := New(Config{WorkerID: "worker-2", BaseCapacity: 5, Transport: workerT, Adapter: adapter, Store: store.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	clientInf, err := clientT.Join(ctx, overlay.InferenceTopic, overlay.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	defer clientInf.Leave()

	waitForPeer(t, clientInf, 10*time.Second)
	peers := clientInf.Peers()

	if err := clientInf.Send(peers[0], map[string]any{
		"type":      msgInference,
		"requestId": "req-2",
		"prompt":    "hi",
		"senderId":  "client-2",
	}); err != nil {
		t.Fatal(err)
	}

	msg := readEventUntilMessage(t, clientInf, 10*time.Second)
	if stringField(msg, "type") != msgError {
		t.Fatalf("expected error, got %v", msg)
	}
	if stringField(msg, "error") != "worker-not-ready" {
		t.Fatalf("error = %v", msg["error"])
	}
}

// TestPriorityOrderingUnderLoad gates the model server on a release channel
// so three requests queue up before any is dispatched, then verifies they
// are served in priority order rather than arrival order, per §4.3.
func TestPriorityOrderingUnderLoad(t *testing.T) {
	workerT, clientT := newPairedTransports(t)

	release := make(chan struct{})
	first := make(chan struct{}, 1)
	srv := newFakeModelServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case first <- struct{}{}:
			<-release
		default:
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "ok", "stop": true})
	})
	adapter := inference.New(inference.Config{BaseURL: srv.URL, RequestTimeout: 10 * time.Second})
	setAdapterReady(t, adapter)

	w, err := New(Config{WorkerID: "worker-3", BaseCapacity: 10, Transport: workerT, Adapter: adapter, Store: store.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	clientInf, err := clientT.Join(ctx, overlay.InferenceTopic, overlay.RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	defer clientInf.Leave()

	waitForPeer(t, clientInf, 10*time.Second)
	peers := clientInf.Peers()

	send := func(reqID string, senderScore int) {
		if err := clientInf.Send(peers[0], map[string]any{
			"type":        msgInference,
			"requestId":   reqID,
			"prompt":      "p",
			"senderId":    "client-3",
			"senderScore": senderScore,
		}); err != nil {
			t.Fatal(err)
		}
	}

	send("low", 10)
	<-first // the first request is now blocked inside the handler
	send("mid", 50)
	send("high", 90)
	time.Sleep(200 * time.Millisecond) // let mid/high settle into the queue
	close(release)

	var order []string
	for i := 0; i < 3; i++ {
		msg := readEventUntilMessage(t, clientInf, 10*time.Second)
		order = append(order, stringField(msg, "requestId"))
	}

	want := []string{"low", "high", "mid"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

// setAdapterReady marks the adapter ready without spawning a subprocess, by
// running the same /health probe HealthCheck uses against a fake HTTP
// server, for tests that drive /completion directly.
func setAdapterReady(t *testing.T, a *inference.Adapter) {
	t.Helper()
	if !a.HealthCheck(context.Background()) {
		t.Fatal("fake model server did not report healthy")
	}
}
