package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completionResponse{Content: "the answer is 4", Tokens: 5, StopReason: "eos"})
	})
	return httptest.NewServer(mux)
}

func TestGenerateAgainstFakeServer(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, RequestTimeout: 5 * time.Second})
	a.mu.Lock()
	a.ready = true
	a.mu.Unlock()

	res, err := a.Generate(context.Background(), "2+2?", GenerateOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "the answer is 4" {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestGenerateRejectsWhenNotReady(t *testing.T) {
	a := New(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := a.Generate(context.Background(), "hi", GenerateOpts{}); err == nil {
		t.Fatal("expected error for not-ready adapter")
	}
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL})
	if !a.HealthCheck(context.Background()) {
		t.Fatal("expected healthy")
	}
}
