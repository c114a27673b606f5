//go:build integration
// +build integration

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/forge"
	"github.com/ninakahr/greenlight/internal/gitcmd"
	"github.com/ninakahr/greenlight/internal/models"
	"github.com/ninakahr/greenlight/internal/runner"
	"github.com/ninakahr/greenlight/internal/schedule"
	"github.com/ninakahr/greenlight/internal/service"
	"github.com/ninakahr/greenlight/internal/store"
	"github.com/ninakahr/greenlight/internal/testhelpers"
	"github.com/ninakahr/greenlight/internal/workflow"
)

// The integration workflow checks out the pushed commit, fakes a test
// suite that writes a coverage.py JSON report, and gates on it.
const integrationWorkflow = `
name: integration
on:
  push:
    branches: ["main"]
jobs:
  test:
    steps:
      - checkout: {}
      - name: verify tree
        run: "test -f README.md"
      - name: pytest
        run: |
          echo '{"totals": {"covered_lines": 70, "num_statements": 100}, "files": {"webcore/api.py": {"summary": {"covered_lines": 70, "num_statements": 100}}}}' > coverage.json
      - coverage: {report: "coverage.json", min-percent: 65}
`

// Same workflow, but the fake suite reports coverage below the gate.
const gateFailWorkflow = `
name: integration
on:
  push:
    branches: ["main"]
jobs:
  test:
    steps:
      - checkout: {}
      - name: pytest
        run: |
          echo '{"totals": {"covered_lines": 50, "num_statements": 100}, "files": {"webcore/api.py": {"summary": {"covered_lines": 50, "num_statements": 100}}}}' > coverage.json
      - coverage: {report: "coverage.json", min-percent: 65}
`

// recordingReporter captures commit statuses instead of calling a forge.
type recordingReporter struct {
	mu       sync.Mutex
	statuses []forge.Status
}

func (r *recordingReporter) Report(ctx context.Context, repo, sha string, st forge.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
	return nil
}

func (r *recordingReporter) states() []forge.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]forge.State, 0, len(r.statuses))
	for _, st := range r.statuses {
		out = append(out, st.State)
	}
	return out
}

// integrationEnv is a fully started pipeline: real engine, real git,
// in-memory store, statuses captured locally.
type integrationEnv struct {
	handler  *Handler
	runs     *service.RunService
	reporter *recordingReporter
}

func newIntegrationEnv(t *testing.T, workflowYAML string, secret []byte) *integrationEnv {
	t.Helper()

	wfDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(wfDir, "integration.yml"), []byte(workflowYAML), 0o600); err != nil {
		t.Fatalf("writing workflow fixture: %v", err)
	}
	reg := workflow.NewRegistry(wfDir, zap.NewNop())
	if err := reg.LoadDir(); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}

	git, err := gitcmd.New(zap.NewNop(), "", 30*time.Second)
	if err != nil {
		t.Fatalf("gitcmd.New() error = %v", err)
	}
	engine := runner.New(git, nil, zap.NewNop(), runner.Options{
		WorkspaceRoot: t.TempDir(),
	})

	reporter := &recordingReporter{}
	st := store.NewInMemoryStore(50, 0)
	svc := service.NewRunService(reg, st, engine, reporter, zap.NewNop(), service.Options{
		MaxConcurrentRuns: 2,
		QueueCapacity:     8,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})
	svc.Start(ctx)

	sched, err := schedule.NewStore(filepath.Join(t.TempDir(), "schedules.yaml"))
	if err != nil {
		t.Fatalf("schedule.NewStore() error = %v", err)
	}

	return &integrationEnv{
		handler:  NewHandler(svc, reg, sched, secret, nil, zap.NewNop()),
		runs:     svc,
		reporter: reporter,
	}
}

func (e *integrationEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router := NewRouter(RouterConfig{
		Handler:        e.handler,
		Logger:         zap.NewNop(),
		RequestTimeout: 30 * time.Second,
	})
	router.ServeHTTP(w, req)
	return w
}

// waitForRun polls until the run completes.
func waitForRun(t *testing.T, env *integrationEnv, id string) *models.Run {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		run, err := env.runs.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun(%s) error = %v", id, err)
		}
		if run.Status == models.StatusCompleted {
			return run
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("run %s did not complete in time", id)
	return nil
}

// TestIntegration_PushRunsToCompletion verifies the full pipeline: a signed
// push delivery checks out the commit from a real git origin, runs the
// steps, passes the coverage gate, and reports pending then success.
func TestIntegration_PushRunsToCompletion(t *testing.T) {
	testhelpers.RequireGit(t)
	origin, sha := testhelpers.InitOriginRepo(t)
	secret := []byte("integration-secret")
	env := newIntegrationEnv(t, integrationWorkflow, secret)

	payload := map[string]interface{}{
		"ref":     "refs/heads/main",
		"after":   sha,
		"deleted": false,
		"repository": map[string]interface{}{
			"full_name": "acme/webcore",
			"clone_url": origin,
		},
		"pusher":      map[string]string{"name": "drew"},
		"head_commit": map[string]string{"message": "initial"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}

	req := httptest.NewRequest("POST", "/hooks/push", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signHook(secret, body))

	// Act: deliver the push and wait for the run to finish
	w := env.serve(req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("PostHook() status = %d, want 202; body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Runs []string `json:"runs"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(resp.Runs))
	}
	run := waitForRun(t, env, resp.Runs[0])

	// Assert: success end to end
	if run.Conclusion != models.ConclusionSuccess {
		t.Fatalf("conclusion = %q, want success; jobs %+v", run.Conclusion, run.Jobs)
	}
	if len(run.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(run.Jobs))
	}
	for _, step := range run.Jobs[0].Steps {
		if step.Status != models.StepSuccess {
			t.Errorf("step %q status = %q, want success (error: %s)", step.Name, step.Status, step.Error)
		}
	}

	states := env.reporter.states()
	if len(states) < 2 {
		t.Fatalf("reported states = %v, want pending then final", states)
	}
	if states[0] != forge.StatePending {
		t.Errorf("first reported state = %q, want pending", states[0])
	}
	if states[len(states)-1] != forge.StateSuccess {
		t.Errorf("final reported state = %q, want success", states[len(states)-1])
	}

	// The run is visible through the API with its step detail.
	getW := env.serve(httptest.NewRequest("GET", "/api/runs/"+run.ID, nil))
	if getW.Code != http.StatusOK {
		t.Fatalf("GetRun() status = %d, want 200", getW.Code)
	}
	var apiRun models.Run
	if err := json.NewDecoder(getW.Body).Decode(&apiRun); err != nil {
		t.Fatalf("Failed to decode run: %v", err)
	}
	if apiRun.Conclusion != models.ConclusionSuccess {
		t.Errorf("API conclusion = %q, want success", apiRun.Conclusion)
	}
}

// TestIntegration_CoverageGateFailure verifies that a suite reporting
// coverage below the gate fails the run and the commit status.
func TestIntegration_CoverageGateFailure(t *testing.T) {
	testhelpers.RequireGit(t)
	origin, sha := testhelpers.InitOriginRepo(t)
	env := newIntegrationEnv(t, gateFailWorkflow, nil)

	run, err := env.runs.Submit(context.Background(), service.SubmitRequest{
		Workflow: "integration",
		Repo:     "acme/webcore",
		Ref:      "refs/heads/main",
		SHA:      sha,
		CloneURL: origin,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	done := waitForRun(t, env, run.ID)

	if done.Conclusion != models.ConclusionFailure {
		t.Fatalf("conclusion = %q, want failure; jobs %+v", done.Conclusion, done.Jobs)
	}

	steps := done.Jobs[0].Steps
	last := steps[len(steps)-1]
	if !strings.HasPrefix(last.Name, "coverage") {
		t.Fatalf("last step = %q, want the coverage gate", last.Name)
	}
	if last.Status != models.StepFailure {
		t.Errorf("coverage step status = %q, want failure", last.Status)
	}

	states := env.reporter.states()
	if len(states) == 0 || states[len(states)-1] != forge.StateFailure {
		t.Errorf("reported states = %v, want failure last", states)
	}
}

// TestIntegration_ManualDispatch verifies a run dispatched through the
// API executes like a pushed one.
func TestIntegration_ManualDispatch(t *testing.T) {
	testhelpers.RequireGit(t)
	origin, sha := testhelpers.InitOriginRepo(t)
	env := newIntegrationEnv(t, integrationWorkflow, nil)

	body, err := json.Marshal(map[string]string{
		"workflow": "integration",
		"repo":     "acme/webcore",
		"sha":      sha,
		"ref":      "refs/heads/main",
		"cloneUrl": origin,
	})
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	req := httptest.NewRequest("POST", "/api/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := env.serve(req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("PostRun() status = %d, want 202; body %s", w.Code, w.Body.String())
	}
	var queued models.Run
	if err := json.NewDecoder(w.Body).Decode(&queued); err != nil {
		t.Fatalf("Failed to decode run: %v", err)
	}

	done := waitForRun(t, env, queued.ID)
	if done.Conclusion != models.ConclusionSuccess {
		t.Errorf("conclusion = %q, want success; jobs %+v", done.Conclusion, done.Jobs)
	}
	if done.Trigger != models.TriggerManual {
		t.Errorf("trigger = %q, want manual", done.Trigger)
	}
}

// TestIntegration_MetricsExposed verifies the Prometheus endpoint carries
// pipeline metrics after a run has executed.
func TestIntegration_MetricsExposed(t *testing.T) {
	testhelpers.RequireGit(t)
	origin, sha := testhelpers.InitOriginRepo(t)
	env := newIntegrationEnv(t, integrationWorkflow, nil)

	run, err := env.runs.Submit(context.Background(), service.SubmitRequest{
		Workflow: "integration",
		Repo:     "acme/webcore",
		Ref:      "refs/heads/main",
		SHA:      sha,
		CloneURL: origin,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForRun(t, env, run.ID)

	w := env.serve(httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", w.Code)
	}
	metricsBody := w.Body.String()
	for _, name := range []string{"runsCompletedTotal", "runsStartedTotal", "stepDurationSeconds", "httpRequestsTotal"} {
		if !strings.Contains(metricsBody, name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}
