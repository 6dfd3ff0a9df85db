// Command qmesh-worker runs an inference worker: it joins the inference
// and score overlays, admits and dispatches requests against a local
// llama.cpp-style subprocess, and gossips its health/score to the rest of
// the mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/shurlinet/qmesh/internal/config"
	"github.com/shurlinet/qmesh/internal/identity"
	"github.com/shurlinet/qmesh/internal/inference"
	"github.com/shurlinet/qmesh/internal/overlay"
	"github.com/shurlinet/qmesh/internal/store"
	"github.com/shurlinet/qmesh/internal/telemetry"
	"github.com/shurlinet/qmesh/internal/worker"
	"github.com/shurlinet/qmesh/internal/workerapi"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o qmesh-worker ./cmd/qmesh-worker
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		printVersion()
		return
	}

	runServe(os.Args[1:])
}

func printVersion() {
	fmt.Printf("qmesh-worker %s (%s)\n", version, commit)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("qmesh-worker", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		osExit(1)
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("config error: %v", err)
	}
	cfg, err := config.LoadWorkerConfig(cfgFile)
	if err != nil {
		fatal("config error: %v", err)
	}
	if err := config.ValidateWorkerConfig(cfg); err != nil {
		fatal("invalid config: %v", err)
	}

	dir := filepath.Dir(cfgFile)
	keyFile := resolvePath(dir, cfg.Identity.KeyFile)
	workerIDFile := cfg.Identity.WorkerIDFile
	if workerIDFile == "" {
		workerIDFile = keyFile + ".worker-id"
	}
	workerIDFile = resolvePath(dir, workerIDFile)

	workerID, err := identity.LoadOrCreateWorkerID(workerIDFile)
	if err != nil {
		fatal("identity error: %v", err)
	}
	slog.Info("worker identity loaded", "worker_id", string(workerID))

	transport, err := overlay.New(overlay.Config{
		KeyFile:           keyFile,
		ListenAddrs:       cfg.Network.ListenAddresses,
		BootstrapPeers:    cfg.Network.BootstrapPeers,
		DiscoveryInterval: cfg.Network.DiscoveryInterval,
		DisableMDNS:       !cfg.Network.IsMDNSEnabled(),
	})
	if err != nil {
		fatal("overlay error: %v", err)
	}
	defer transport.Close()

	adapter := inference.New(inference.Config{
		Command:         cfg.Inference.Command,
		Args:            cfg.Inference.Args,
		BaseURL:         cfg.Inference.BaseURL,
		StartupTimeout:  cfg.Inference.StartupTimeout,
		RequestTimeout:  cfg.Inference.RequestTimeout,
		StopGracePeriod: cfg.Inference.StopGracePeriod,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Inference.Command != "" {
		if err := adapter.Start(ctx); err != nil {
			fatal("failed to start inference subprocess: %v", err)
		}
		defer adapter.Stop(cfg.Inference.StopGracePeriod)
	}

	mem := store.NewMemory()
	snapPath := resolvePath(dir, cfg.Store.SnapshotPath)
	snapshotter := store.NewSnapshotter(snapPath, mem)
	if err := snapshotter.Load(); err != nil {
		slog.Warn("failed to load score snapshot, starting empty", "error", err)
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.New(version, runtime.Version())
	}

	w, err := worker.New(worker.Config{
		WorkerID:     string(workerID),
		BaseCapacity: cfg.BaseCapacity,
		Transport:    transport,
		Adapter:      adapter,
		Store:        mem,
		Metrics:      metrics,
	})
	if err != nil {
		fatal("failed to construct worker: %v", err)
	}

	if err := w.Join(ctx); err != nil {
		fatal("failed to join overlays: %v", err)
	}
	defer w.Close()

	stopSnapshotting := runPeriodicSnapshots(ctx, snapshotter, cfg.Store.SnapshotInterval)
	defer stopSnapshotting()

	var apiSrv *workerapi.Server
	if metrics != nil {
		apiSrv, err = startStatusServer(w, metrics, cfg.Telemetry.Metrics.ListenAddress, version)
		if err != nil {
			fatal("failed to start status/metrics server: %v", err)
		}
	}

	slog.Info("qmesh-worker ready", "worker_id", string(workerID), "base_capacity", cfg.BaseCapacity)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = apiSrv.Stop(shutdownCtx)
	}
	// Leave the overlays and persist the final score record before the
	// last snapshot, so that record is included in it.
	if err := w.Close(); err != nil {
		slog.Error("failed to persist final score record on shutdown", "error", err)
	}
	if err := snapshotter.Save(); err != nil {
		slog.Error("failed to save score snapshot on shutdown", "error", err)
	}
}

// startStatusServer wires the worker's status API (bearer-token protected)
// and Prometheus handler onto the telemetry listen address. The bearer
// token is logged once at startup rather than written to disk: operators
// are expected to capture it from the unit's journal.
func startStatusServer(w *worker.Worker, metrics *telemetry.Metrics, addr, version string) (*workerapi.Server, error) {
	if addr == "" {
		addr = "127.0.0.1:9091"
	}
	srv, token, err := workerapi.NewServer(w, version)
	if err != nil {
		return nil, err
	}
	srv.MetricsHandler = metrics.Handler()
	if err := srv.Start(addr); err != nil {
		return nil, err
	}
	slog.Info("status API token issued", "token", token)
	return srv, nil
}

// runPeriodicSnapshots saves the score store on a ticker, returning a stop
// function. A zero or negative interval falls back to 5 minutes (shutdown
// also saves once).
func runPeriodicSnapshots(ctx context.Context, s *store.Snapshotter, interval time.Duration) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := s.Save(); err != nil {
					slog.Error("periodic snapshot save failed", "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
