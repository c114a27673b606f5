package forge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const statusPath = "/repos/acme/webcore/statuses/f00dfeedface"

// newTestReporter points a GitHubReporter at the test server with fast
// retry delays.
func newTestReporter(t *testing.T, serverURL string) *GitHubReporter {
	t.Helper()
	r, err := NewGitHubReporter(Options{
		Token:          "test-token-1234567890",
		BaseURL:        serverURL,
		Timeout:        2 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGitHubReporter() error = %v", err)
	}
	return r
}

func TestNewGitHubReporter_RequiresToken(t *testing.T) {
	_, err := NewGitHubReporter(Options{}, zap.NewNop())
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("error = %v, want ErrTokenInvalid", err)
	}
}

func TestGitHubReporter_Report_Delivers(t *testing.T) {
	var gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, statusPath) {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	rep := newTestReporter(t, server.URL)
	err := rep.Report(context.Background(), "acme/webcore", "f00dfeedface", Status{
		State:       StateSuccess,
		Context:     "greenlight/tests",
		Description: "5 of 5 jobs succeeded",
		TargetURL:   "https://ci.example.com/runs/run-1",
	})
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	if gotAuth != "Bearer test-token-1234567890" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(gotBody), &sent); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if sent["state"] != "success" || sent["context"] != "greenlight/tests" {
		t.Errorf("body = %s", gotBody)
	}
	if sent["description"] != "5 of 5 jobs succeeded" {
		t.Errorf("description = %v", sent["description"])
	}
	if sent["target_url"] != "https://ci.example.com/runs/run-1" {
		t.Errorf("target_url = %v", sent["target_url"])
	}
}

func TestGitHubReporter_Report_RetriesOn5xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	rep := newTestReporter(t, server.URL)
	err := rep.Report(context.Background(), "acme/webcore", "f00dfeedface", Status{State: StatePending, Context: "greenlight/tests"})
	if err != nil {
		t.Fatalf("Report() error = %v, want success after retries", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestGitHubReporter_Report_NoRetryOnNotFound(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	}))
	defer server.Close()

	rep := newTestReporter(t, server.URL)
	err := rep.Report(context.Background(), "acme/webcore", "f00dfeedface", Status{State: StatePending, Context: "greenlight/tests"})
	if !errors.Is(err, ErrRepoNotFound) {
		t.Fatalf("error = %v, want ErrRepoNotFound", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (4xx must not retry)", got)
	}
}

func TestGitHubReporter_TokenInvalidFlag(t *testing.T) {
	var unauthorized atomic.Bool
	unauthorized.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if unauthorized.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message": "Bad credentials"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	rep := newTestReporter(t, server.URL)
	st := Status{State: StatePending, Context: "greenlight/tests"}

	err := rep.Report(context.Background(), "acme/webcore", "f00dfeedface", st)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("error = %v, want ErrTokenInvalid", err)
	}
	if !rep.TokenInvalid() {
		t.Fatal("TokenInvalid() should be set after a 401")
	}

	unauthorized.Store(false)
	if err := rep.Report(context.Background(), "acme/webcore", "f00dfeedface", st); err != nil {
		t.Fatalf("Report() after fix: %v", err)
	}
	if rep.TokenInvalid() {
		t.Error("TokenInvalid() should clear after a successful delivery")
	}
}

func TestGitHubReporter_BreakerDropsDuringOutage(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rep := newTestReporter(t, server.URL)
	st := Status{State: StatePending, Context: "greenlight/tests"}

	// Default breaker opens after 5 consecutive failed deliveries.
	for i := 0; i < 5; i++ {
		if err := rep.Report(context.Background(), "acme/webcore", "f00dfeedface", st); err == nil {
			t.Fatalf("delivery %d should fail", i)
		}
	}
	before := requests.Load()

	if err := rep.Report(context.Background(), "acme/webcore", "f00dfeedface", st); err != nil {
		t.Fatalf("breaker-open delivery should be dropped, not failed: %v", err)
	}
	if requests.Load() != before {
		t.Error("breaker-open delivery must not reach the forge")
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		in        string
		owner     string
		name      string
		wantError bool
	}{
		{"acme/webcore", "acme", "webcore", false},
		{"acme", "", "", true},
		{"acme/", "", "", true},
		{"/webcore", "", "", true},
		{"acme/web/core", "", "", true},
	}
	for _, tt := range tests {
		owner, name, err := splitRepo(tt.in)
		if (err != nil) != tt.wantError {
			t.Errorf("splitRepo(%q) error = %v, wantError %v", tt.in, err, tt.wantError)
			continue
		}
		if owner != tt.owner || name != tt.name {
			t.Errorf("splitRepo(%q) = %q, %q", tt.in, owner, name)
		}
	}
}
