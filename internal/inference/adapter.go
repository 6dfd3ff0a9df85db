// Package inference mediates the external inference-engine subprocess:
// spawning it, polling its readiness, and exposing generate/generateStream/
// chatStream/healthCheck/stop over its loopback HTTP API (§4.5).
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxConsecutiveRestarts bounds the auto-restart counter; the adapter
// gives up, logs the failure and exits the process after this many
// restarts without an intervening successful start.
const maxConsecutiveRestarts = 3

// Config describes how to launch and reach the inference subprocess.
type Config struct {
	// Command and Args launch the subprocess (e.g. a llama.cpp-style
	// server binary).
	Command string
	Args    []string
	// BaseURL is the subprocess's loopback HTTP endpoint, e.g.
	// "http://127.0.0.1:8081".
	BaseURL string
	// StartupTimeout bounds how long Start waits for /health to succeed.
	StartupTimeout time.Duration
	// RequestTimeout bounds each HTTP call (§4.5: "must be cancellable
	// via a deadline").
	RequestTimeout time.Duration
	// StopGracePeriod is how long Stop waits after a graceful signal
	// before force-killing.
	StopGracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 10 * time.Second
	}
	return c
}

// GenerateResult is the adapter's reply to a non-streaming completion.
type GenerateResult struct {
	Text       string
	TokenCount int
	StopReason string
}

// ErrModelNotLoaded is returned by generate/stream calls when the
// subprocess reports its model is unavailable; the worker reacts by
// marking itself not-ready and restarting the adapter (§4.4).
var ErrModelNotLoaded = fmt.Errorf("inference: model not loaded")

// ErrProcessDiedDuringStartup surfaces when the child exits before its
// first successful health check.
var ErrProcessDiedDuringStartup = fmt.Errorf("inference: process died during startup")

// Adapter supervises one inference subprocess instance.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu               sync.Mutex
	cmd              *exec.Cmd
	ready            bool
	consecutiveFails int
	history          []chatTurn

	// exited is closed by the single goroutine that owns cmd.Wait(),
	// once per Start call. Stop selects on it instead of calling Wait
	// itself, since exec.Cmd.Wait must not be called concurrently from
	// two goroutines.
	exited chan struct{}
}

// chatTurn is one entry of chatStream's in-adapter conversation history.
type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// New constructs an Adapter; Start must be called before use.
func New(cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Start spawns the subprocess and polls /health until ready or
// StartupTimeout elapses. Ready reports false until the new subprocess
// passes its health check.
func (a *Adapter) Start(ctx context.Context) error {
	exited := make(chan struct{})
	a.mu.Lock()
	a.ready = false
	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	a.cmd = cmd
	a.exited = exited
	a.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("inference: spawn subprocess: %w", err)
	}

	died := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		died <- err
		close(exited)
	}()

	deadline := time.Now().Add(a.cfg.StartupTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-died:
			a.mu.Lock()
			a.ready = false
			a.mu.Unlock()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProcessDiedDuringStartup, err)
			}
			return ErrProcessDiedDuringStartup
		case <-ctx.Done():
			_ = a.killLocked()
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = a.killLocked()
				return fmt.Errorf("inference: startup timed out after %s", a.cfg.StartupTimeout)
			}
			if a.healthOnce(ctx) {
				a.mu.Lock()
				a.ready = true
				a.consecutiveFails = 0
				a.mu.Unlock()
				go a.superviseExit(died)
				return nil
			}
		}
	}
}

// superviseExit watches for an unexpected subprocess exit once Start has
// succeeded, auto-restarting up to maxConsecutiveRestarts times.
func (a *Adapter) superviseExit(died <-chan error) {
	err := <-died
	a.mu.Lock()
	a.ready = false
	a.mu.Unlock()

	if err == nil {
		return // graceful exit, e.g. from Stop
	}

	for {
		a.mu.Lock()
		a.consecutiveFails++
		fails := a.consecutiveFails
		a.mu.Unlock()

		if fails > maxConsecutiveRestarts {
			slog.Error("inference: subprocess crashed repeatedly, giving up", "consecutiveFails", fails)
			os.Exit(1)
		}

		slog.Warn("inference: subprocess exited unexpectedly, restarting", "error", err, "attempt", fails)
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StartupTimeout)
		err = a.Start(ctx)
		cancel()
		if err == nil {
			return
		}
		slog.Error("inference: restart failed", "error", err)
	}
}

// Ready reports whether the subprocess last passed its health check.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// HealthCheck performs a short-timeout readiness probe.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok := a.healthOnce(ctx)
	a.mu.Lock()
	a.ready = ok
	a.mu.Unlock()
	return ok
}

func (a *Adapter) healthOnce(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop signals the subprocess to terminate and force-kills it after
// gracePeriod if it hasn't exited.
func (a *Adapter) Stop(gracePeriod time.Duration) error {
	a.mu.Lock()
	cmd := a.cmd
	exited := a.exited
	a.ready = false
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if gracePeriod <= 0 {
		gracePeriod = a.cfg.StopGracePeriod
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
		return nil
	case <-time.After(gracePeriod):
		_ = cmd.Process.Kill()
		<-exited
		return nil
	}
}

func (a *Adapter) killLocked() error {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
