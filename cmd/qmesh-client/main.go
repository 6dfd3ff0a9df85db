// Command qmesh-client sends inference prompts into the mesh: it joins the
// inference and score overlays as a pure client, discovers ready workers,
// and issues single or batched sendPrompt calls against the router.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shurlinet/qmesh/internal/config"
	"github.com/shurlinet/qmesh/internal/identity"
	"github.com/shurlinet/qmesh/internal/overlay"
	"github.com/shurlinet/qmesh/internal/router"
	"github.com/shurlinet/qmesh/internal/telemetry"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o qmesh-client ./cmd/qmesh-client
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
	}

	switch os.Args[1] {
	case "send":
		runSend(os.Args[2:])
	case "batch":
		runBatch(os.Args[2:])
	case "leaderboard":
		runLeaderboard(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("qmesh-client %s (%s)\n", version, commit)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: qmesh-client <command> [options]")
	fmt.Println()
	fmt.Println("  send <prompt> [--config path] [--wait 10s]    Send a single prompt")
	fmt.Println("  batch <prompt>... [--config path] [--wait 10s]  Send prompts concurrently")
	fmt.Println("  leaderboard [--config path] [--wait 5s] [--limit 20]  Report ranked worker scores")
	fmt.Println("  version                                        Show version information")
	fmt.Println()
	fmt.Println("Without --config, qmesh-client searches: ./qmesh.yaml, ~/.config/qmesh/config.yaml, /etc/qmesh/config.yaml")
}

// newRouter loads config, constructs the overlay transport, and joins a
// Router. waitFor bounds how long it waits for at least one ready worker
// before issuing requests; zero skips waiting.
func newRouter(ctx context.Context, configFlag string, waitFor time.Duration) (*router.Router, func(), error) {
	cfgFile, err := config.FindConfigFile(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	cfg, err := config.LoadClientConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	if err := config.ValidateClientConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfgFile)
	keyFile := resolvePath(dir, cfg.Identity.KeyFile)

	senderID := cfg.SenderID
	if senderID == "" {
		id, err := identity.NewEphemeralWorkerID()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate sender id: %w", err)
		}
		senderID = string(id)
	}

	transport, err := overlay.New(overlay.Config{
		KeyFile:           keyFile,
		ListenAddrs:       cfg.Network.ListenAddresses,
		BootstrapPeers:    cfg.Network.BootstrapPeers,
		DiscoveryInterval: cfg.Network.DiscoveryInterval,
		DisableMDNS:       !cfg.Network.IsMDNSEnabled(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("overlay error: %w", err)
	}

	var metrics *telemetry.Metrics
	var metricsSrv *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.New(version, runtime.Version())
		addr := cfg.Telemetry.Metrics.ListenAddress
		if addr == "" {
			addr = "127.0.0.1:9092"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		slog.Info("metrics listening", "address", addr)
	}

	r := router.New(router.Config{
		SenderID:     senderID,
		Transport:    transport,
		SmartRouting: cfg.SmartRouting,
		SendDeadline: cfg.SendDeadline,
		Metrics:      metrics,
	})
	if err := r.Join(ctx); err != nil {
		_ = transport.Close()
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		return nil, nil, fmt.Errorf("failed to join overlays: %w", err)
	}

	cleanup := func() {
		_ = r.Close()
		_ = transport.Close()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}

	if waitFor > 0 {
		waitForReadyWorker(ctx, r, waitFor)
	}
	return r, cleanup, nil
}

func waitForReadyWorker(ctx context.Context, r *router.Router, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(r.Registry().GetAvailable()) > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	wait := fs.Duration("wait", 10*time.Second, "how long to wait for a ready worker before sending")
	senderScore := fs.Int("score", 0, "claimed sender score, used by reputation-aware admission")
	if err := fs.Parse(args); err != nil {
		osExit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "send requires a prompt argument")
		osExit(1)
	}
	prompt := strings.Join(fs.Args(), " ")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, cleanup, err := newRouter(ctx, *configFlag, *wait)
	if err != nil {
		fatal("%v", err)
	}
	defer cleanup()

	res, err := r.SendPrompt(ctx, prompt, *senderScore)
	if err != nil {
		fatal("sendPrompt failed: %v", err)
	}
	fmt.Println(res.Text)
}

func runBatch(args []string) {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	wait := fs.Duration("wait", 10*time.Second, "how long to wait for a ready worker before sending")
	senderScore := fs.Int("score", 0, "claimed sender score, used by reputation-aware admission")
	if err := fs.Parse(args); err != nil {
		osExit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "batch requires at least one prompt argument")
		osExit(1)
	}
	prompts := fs.Args()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, cleanup, err := newRouter(ctx, *configFlag, *wait)
	if err != nil {
		fatal("%v", err)
	}
	defer cleanup()

	items := r.SendBatch(ctx, prompts, *senderScore)
	for _, item := range items {
		if item.Err != nil {
			fmt.Printf("[%d] error: %v\n", item.Index, item.Err)
			continue
		}
		fmt.Printf("[%d] %s\n", item.Index, item.Result.Text)
	}
}

// runLeaderboard implements the peer_score.go-style one-shot CLI report:
// join the overlays, wait briefly for score gossip to arrive, then print
// the registry's ranked view. Unlike send/batch it doesn't need a worker
// marked ready for dispatch, only score records to have been gossiped.
func runLeaderboard(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	wait := fs.Duration("wait", 5*time.Second, "how long to wait for score gossip before reporting")
	limit := fs.Int("limit", 20, "maximum number of ranked workers to show (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		osExit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, cleanup, err := newRouter(ctx, *configFlag, 0)
	if err != nil {
		fatal("%v", err)
	}
	defer cleanup()

	waitForLeaderboardData(ctx, r, *wait)

	entries := r.Registry().GetLeaderboard(*limit)
	if len(entries) == 0 {
		fmt.Println("no workers observed yet")
		return
	}
	for _, e := range entries {
		fmt.Printf("%3d  %-24s  score=%-6d level=%-8s success=%.0f%%\n",
			e.Rank, e.WorkerID, e.TotalScore, e.Level, e.SuccessRate*100)
	}
}

func waitForLeaderboardData(ctx context.Context, r *router.Router, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(r.Registry().GetLeaderboard(1)) > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
