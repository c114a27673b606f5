package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/service"
)

// createBenchRequest creates an HTTP request carrying the context values
// the middleware would normally install.
func createBenchRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "bench-id"))
	req = req.WithContext(context.WithValue(req.Context(), "logger", zap.NewNop()))
	return req
}

// BenchmarkHandler_PostHook_Coalesced benchmarks the redelivery hot path:
// the same commit arriving again while its run is still queued.
func BenchmarkHandler_PostHook_Coalesced(b *testing.B) {
	env := newHandlerEnv(b, service.Options{QueueCapacity: 8}, nil, nil)
	router := mux.NewRouter()
	router.HandleFunc("/hooks/push", env.handler.PostHook)

	body := pushBody(b, "acme/webcore", "refs/heads/main", testSHA)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/hooks/push", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "push")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkHandler_PostHook_Signed benchmarks delivery verification: the
// HMAC check plus payload parse for a push that matches nothing.
func BenchmarkHandler_PostHook_Signed(b *testing.B) {
	secret := []byte("s3cret")
	env := newHandlerEnv(b, service.Options{}, nil, secret)
	router := mux.NewRouter()
	router.HandleFunc("/hooks/push", env.handler.PostHook)

	body := pushBody(b, "acme/webcore", "refs/heads/feature/bench", testSHA)
	signature := signHook(secret, body)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/hooks/push", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", signature)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkHandler_GetRuns benchmarks listing a store holding a typical
// page of recent runs.
func BenchmarkHandler_GetRuns(b *testing.B) {
	env := newHandlerEnv(b, service.Options{QueueCapacity: 64}, nil, nil)
	shas := []string{
		"1f6e331fc1290b82e4a9f1f5eef783ed57ee1c9b",
		"9bf2e0a33a1de3fbdee619bd9b742e01ae2b57c2",
		"3c1a4b30b5f86f2d5a76a69cf1d06bb3a85e8f44",
		"7d9e2c11f0ab4f41be5a8c3d2e6f7a8b9c0d1e2f",
	}
	for _, sha := range shas {
		if _, err := env.runs.Submit(context.Background(), service.SubmitRequest{
			Workflow: "tests",
			Repo:     "acme/webcore",
			SHA:      sha,
			Ref:      "refs/heads/main",
		}); err != nil {
			b.Fatalf("Submit() error = %v", err)
		}
	}
	router := mux.NewRouter()
	router.HandleFunc("/api/runs", env.handler.GetRuns)

	req := createBenchRequest("GET", "/api/runs")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkHandler_GetHealth benchmarks the health ladder with every
// threshold configured, the shape a deployed instance runs with.
func BenchmarkHandler_GetHealth(b *testing.B) {
	healthConfig := &HealthConfig{
		OverloadWindow:       60 * time.Second,
		OverloadThresholdPct: 80,
		RateLimitRPS:         100,
		DegradedWindow:       5 * time.Minute,
		DegradedErrorPct:     25,
		IdleWindow:           10 * time.Minute,
		IdleThresholdRuns:    1,
		MinimumLifespan:      5 * time.Minute,
		StartTime:            time.Now(),
		QueueDepth:           func() int { return 3 },
		QueueCapacity:        64,
	}
	handler := NewHandler(nil, nil, nil, nil, healthConfig, zap.NewNop())

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handler.GetHealth)

	req := createBenchRequest("GET", "/healthz")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
