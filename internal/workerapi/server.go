// Package workerapi exposes a worker's admission/dispatch/health state over
// a small bearer-token-protected HTTP API, for operators and external
// monitoring (distinct from the Prometheus /metrics surface, which is
// unauthenticated and scrape-oriented).
package workerapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shurlinet/qmesh/internal/registry"
	"github.com/shurlinet/qmesh/internal/worker"
)

// StatusSource is the subset of *worker.Worker the API reads from.
type StatusSource interface {
	Status() worker.Status
	Leaderboard(limit int) []registry.LeaderboardEntry
}

// defaultLeaderboardLimit bounds GET /v1/leaderboard's response when the
// caller doesn't specify ?limit=.
const defaultLeaderboardLimit = 50

// Server is the worker's status/health HTTP API.
type Server struct {
	source     StatusSource
	version    string
	startedAt  time.Time
	authToken  string
	httpServer *http.Server

	// MetricsHandler, if set, is mounted at /metrics without the bearer
	// token check so Prometheus can scrape it directly.
	MetricsHandler http.Handler
}

// NewServer constructs a status API server for the given worker. The
// returned auth token must be distributed to callers out of band (for
// example, written to a file alongside the worker's config); requests
// without a matching "Authorization: Bearer <token>" header are rejected.
func NewServer(source StatusSource, version string) (*Server, string, error) {
	token, err := generateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate auth token: %w", err)
	}
	return &Server{
		source:    source,
		version:   version,
		startedAt: time.Now(),
		authToken: token,
	}, token, nil
}

// Start binds addr and begins serving in a background goroutine.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	top := http.NewServeMux()
	top.Handle("/v1/", s.authMiddleware(mux))
	if s.MetricsHandler != nil {
		top.Handle("/metrics", s.MetricsHandler)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("workerapi: listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:      top,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("workerapi server error", "error", err)
		}
	}()
	slog.Info("workerapi listening", "address", addr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/leaderboard", s.handleLeaderboard)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	resp := StatusResponse{
		WorkerID:          st.WorkerID,
		Version:           s.version,
		UptimeSeconds:     int(time.Since(s.startedAt).Seconds()),
		Ready:             st.Ready,
		RequestsProcessed: st.RequestsProcessed,
		QueueLength:       st.QueueLength,
		Score:             st.Score,
		Level:             st.Level,
		Achievements:      st.Achievements,
		Health:            st.Health,
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Ready:     st.Ready,
		Accepting: st.Health.Accepting,
		SampledAt: st.Health.SampledAt,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	respondJSON(w, http.StatusOK, LeaderboardResponse{Entries: s.source.Leaderboard(limit)})
}

// authMiddleware checks the Authorization: Bearer <token> header on every
// request, mirroring the unix-socket daemon's cookie scheme but over TCP
// since the worker status API and the Prometheus handler share a port.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			respondError(w, http.StatusUnauthorized, "unauthorized: invalid or missing auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
