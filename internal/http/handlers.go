package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/degraded"
	"github.com/ninakahr/greenlight/internal/hook"
	"github.com/ninakahr/greenlight/internal/idle"
	"github.com/ninakahr/greenlight/internal/lifecycle"
	"github.com/ninakahr/greenlight/internal/models"
	"github.com/ninakahr/greenlight/internal/observability"
	"github.com/ninakahr/greenlight/internal/overload"
	"github.com/ninakahr/greenlight/internal/schedule"
	"github.com/ninakahr/greenlight/internal/service"
	"github.com/ninakahr/greenlight/internal/store"
	"github.com/ninakahr/greenlight/internal/validation"
	"github.com/ninakahr/greenlight/internal/workflow"
)

// maxHookBody caps webhook delivery bodies. The forge itself caps
// deliveries at 25 MiB.
const maxHookBody = 25 << 20

const (
	defaultRecentRuns = 20
	maxRecentRuns     = 100
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	IdleWindow           time.Duration
	IdleThresholdRuns    int
	MinimumLifespan      time.Duration
	StartTime            time.Time
	Version              string

	// TokenInvalid, when set, reports whether the forge has rejected our
	// credentials. Wired to the GitHub reporter's token flag.
	TokenInvalid func() bool
	// StorePing, when set, is called to check run-store reachability.
	// Used when the backend is memcached.
	StorePing func() error
	// QueueDepth and QueueCapacity expose run queue saturation.
	QueueDepth    func() int
	QueueCapacity int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	runs         *service.RunService
	registry     *workflow.Registry
	schedules    *schedule.Store
	hookSecret   []byte
	healthConfig *HealthConfig
	logger       *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	runs *service.RunService,
	registry *workflow.Registry,
	schedules *schedule.Store,
	hookSecret []byte,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		runs:         runs,
		registry:     registry,
		schedules:    schedules,
		hookSecret:   hookSecret,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// PostHook handles POST /hooks/push: verify the delivery signature,
// parse the push, and submit a run per matching workflow.
func (h *Handler) PostHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHookBody))
	if err != nil {
		observability.HooksReceivedTotal.WithLabelValues("rejected").Inc()
		writeError(w, r, http.StatusBadRequest, "BODY_UNREADABLE", "could not read delivery body")
		return
	}
	if err := hook.VerifySignature(h.hookSecret, body, r.Header.Get(hook.SignatureHeader)); err != nil {
		observability.HooksReceivedTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, r, http.StatusUnauthorized, "BAD_SIGNATURE", "delivery signature mismatch")
		return
	}

	ev, err := hook.ParsePush(hook.EventType(r), body)
	if errors.Is(err, hook.ErrIgnoredEvent) {
		// Ping deliveries and other event types we never act on.
		observability.HooksReceivedTotal.WithLabelValues("ignored").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		observability.HooksReceivedTotal.WithLabelValues("rejected").Inc()
		writeError(w, r, http.StatusBadRequest, "BAD_PAYLOAD", "could not parse push delivery")
		return
	}

	runs, err := h.runs.HandlePush(r.Context(), ev)
	if err != nil && len(runs) == 0 {
		observability.HooksReceivedTotal.WithLabelValues("rejected").Inc()
		h.writeSubmitError(w, r, err)
		return
	}
	if err != nil {
		// Some workflows submitted before one hit the queue limit. The
		// delivery still counts as accepted; the forge will not redeliver.
		requestLogger(r, h.logger).Warn("push partially submitted",
			zap.String("delivery_id", hook.DeliveryID(r)),
			zap.Int("submitted", len(runs)),
			zap.Error(err))
	}
	if len(runs) == 0 {
		observability.HooksReceivedTotal.WithLabelValues("ignored").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	observability.HooksReceivedTotal.WithLabelValues("accepted").Inc()
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	requestLogger(r, h.logger).Info("push accepted",
		zap.String("delivery_id", hook.DeliveryID(r)),
		zap.String("repo", ev.Repo),
		zap.String("branch", ev.Branch),
		zap.Int("runs", len(ids)))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"runs": ids})
}

// GetRuns handles GET /api/runs. The optional n query parameter bounds
// the listing; it is clamped to maxRecentRuns.
func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	n := defaultRecentRuns
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, r, http.StatusBadRequest, "INVALID_COUNT", "n must be a positive integer")
			return
		}
		n = v
	}
	if n > maxRecentRuns {
		n = maxRecentRuns
	}

	summaries, err := h.runs.RecentRuns(r.Context(), n)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": summaries})
}

// GetRun handles GET /api/runs/{id}. A malformed id is reported as not
// found rather than a validation error: no run can exist under it.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ValidateRunID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusNotFound, "RUN_NOT_FOUND", "no run with that id")
		return
	}
	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, r, http.StatusNotFound, "RUN_NOT_FOUND", "no run with that id")
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// PostRun handles POST /api/runs: a manual dispatch of a workflow
// against an explicit commit.
func (h *Handler) PostRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Workflow string `json:"workflow"`
		Repo     string `json:"repo"`
		SHA      string `json:"sha"`
		Ref      string `json:"ref"`
		CloneURL string `json:"cloneUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return
	}

	workflowName, err := validation.ValidateWorkflowName(body.Workflow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_WORKFLOW", err.Error())
		return
	}
	repo, err := validation.ValidateRepo(body.Repo)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REPO", err.Error())
		return
	}
	sha, err := validation.ValidateSHA(body.SHA)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_SHA", err.Error())
		return
	}
	ref := body.Ref
	if ref != "" {
		if ref, err = validation.ValidateRef(ref); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_REF", err.Error())
			return
		}
	}

	run, err := h.runs.Submit(r.Context(), service.SubmitRequest{
		Workflow: workflowName,
		Repo:     repo,
		SHA:      sha,
		Ref:      ref,
		CloneURL: body.CloneURL,
		Trigger:  models.TriggerManual,
	})
	if errors.Is(err, service.ErrWorkflowNotFound) {
		writeError(w, r, http.StatusNotFound, "WORKFLOW_NOT_FOUND", "no workflow with that name")
		return
	}
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// GetWorkflows handles GET /api/workflows.
func (h *Handler) GetWorkflows(w http.ResponseWriter, r *http.Request) {
	type workflowInfo struct {
		Name     string   `json:"name"`
		Branches []string `json:"branches,omitempty"`
		Runtime  string   `json:"runtime,omitempty"`
		Versions []string `json:"versions,omitempty"`
		Jobs     []string `json:"jobs"`
	}
	defs := h.registry.All()
	out := make([]workflowInfo, 0, len(defs))
	for _, def := range defs {
		info := workflowInfo{Name: def.Name, Jobs: def.JobNames()}
		if def.On.Push != nil {
			info.Branches = def.On.Push.Branches
		}
		if def.Runtime != nil {
			info.Runtime = def.Runtime.Kind
			info.Versions = def.Runtime.Versions
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": out})
}

// scheduleBody is the create payload for a scheduled task. Enabled
// defaults to true when omitted.
type scheduleBody struct {
	Workflow string `json:"workflow"`
	Repo     string `json:"repo"`
	Ref      string `json:"ref"`
	CloneURL string `json:"cloneUrl"`
	Interval string `json:"interval"`
	Hour     *int   `json:"hour"`
	Minute   int    `json:"minute"`
	Enabled  *bool  `json:"enabled"`
}

// PostSchedule handles POST /api/schedules.
func (h *Handler) PostSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return
	}
	if _, ok := h.registry.Get(body.Workflow); !ok {
		writeError(w, r, http.StatusBadRequest, "UNKNOWN_WORKFLOW", "workflow is not registered")
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	task, err := h.schedules.Create(schedule.Task{
		Workflow: body.Workflow,
		Repo:     body.Repo,
		Ref:      body.Ref,
		CloneURL: body.CloneURL,
		Interval: body.Interval,
		Hour:     body.Hour,
		Minute:   body.Minute,
		Enabled:  enabled,
	})
	if errors.Is(err, schedule.ErrInvalidTask) {
		writeError(w, r, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	if err != nil {
		requestLogger(r, h.logger).Error("schedule save failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "SCHEDULE_SAVE_FAILED", "could not persist schedule")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// GetSchedules handles GET /api/schedules.
func (h *Handler) GetSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": h.schedules.List()})
}

// GetSchedule handles GET /api/schedules/{id}.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	task, err := h.schedules.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "no schedule with that id")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// PatchSchedule handles PATCH /api/schedules/{id}. Absent fields keep
// their current value.
func (h *Handler) PatchSchedule(w http.ResponseWriter, r *http.Request) {
	var p schedule.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return
	}
	if p.Workflow != nil {
		if _, ok := h.registry.Get(*p.Workflow); !ok {
			writeError(w, r, http.StatusBadRequest, "UNKNOWN_WORKFLOW", "workflow is not registered")
			return
		}
	}

	task, err := h.schedules.Update(mux.Vars(r)["id"], p)
	if errors.Is(err, schedule.ErrTaskNotFound) {
		writeError(w, r, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "no schedule with that id")
		return
	}
	if errors.Is(err, schedule.ErrInvalidTask) {
		writeError(w, r, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	if err != nil {
		requestLogger(r, h.logger).Error("schedule save failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "SCHEDULE_SAVE_FAILED", "could not persist schedule")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteSchedule handles DELETE /api/schedules/{id}.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	err := h.schedules.Delete(mux.Vars(r)["id"])
	if errors.Is(err, schedule.ErrTaskNotFound) {
		writeError(w, r, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "no schedule with that id")
		return
	}
	if err != nil {
		requestLogger(r, h.logger).Error("schedule save failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "SCHEDULE_SAVE_FAILED", "could not persist schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /healthz.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
		if h.healthConfig.TokenInvalid != nil {
			if h.healthConfig.TokenInvalid() {
				checks["forge"] = "unhealthy"
			} else {
				checks["forge"] = "healthy"
			}
		}
		if h.healthConfig.StorePing != nil {
			if h.healthConfig.StorePing() == nil {
				checks["store"] = "healthy"
			} else {
				checks["store"] = "unhealthy"
			}
		}
		if h.healthConfig.QueueDepth != nil && h.healthConfig.QueueCapacity > 0 {
			checks["queue"] = fmt.Sprintf("%d/%d", h.healthConfig.QueueDepth(), h.healthConfig.QueueCapacity)
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "greenlight",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating multiple conditions
// in priority order. Returns healthResult with status, HTTP status code, and reason.
// Decision order: shutting-down > token-invalid > overloaded > idle > degraded > healthy.
// Each condition is evaluated only if previous conditions are not met.
func (h *Handler) computeHealthStatus() healthResult {
	// Priority 1: Check if service is shutting down
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	// Priority 2: Rejected forge credentials. Runs still execute, but
	// their outcomes go unreported, so commits stay yellow forever.
	if h.healthConfig != nil && h.healthConfig.TokenInvalid != nil && h.healthConfig.TokenInvalid() {
		return healthResult{"token-invalid", http.StatusServiceUnavailable, "forge_credentials"}
	}
	// Priority 3: If no health config, nothing more to evaluate
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Priority 4: Check overload (run queue saturated, or traffic exceeds
	// the rate-limit-derived threshold)
	if h.healthConfig.QueueDepth != nil && h.healthConfig.QueueCapacity > 0 &&
		h.healthConfig.QueueDepth() >= h.healthConfig.QueueCapacity {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "queue_saturated"}
	}
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if threshold > 0 && float64(overload.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "traffic_spike"}
	}
	// Priority 5: Check idle conditions (only if uptime exceeds minimum lifespan)
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if idle.ActivityCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdRuns {
			return healthResult{"idle", http.StatusOK, "no_recent_runs"}
		}
	}
	// Priority 6: Check degraded state (infra error rate exceeds configured threshold)
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errCount, total := degraded.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusOK, "infra_error_rate"}
			}
		}
	}
	// Default: All checks passed, service is healthy
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeSubmitError maps submission failures to responses. Queue-full
// rejections count as shed load for the overload window.
func (h *Handler) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrQueueFull):
		overload.RecordDenial()
		writeError(w, r, http.StatusServiceUnavailable, "QUEUE_FULL", "run queue is full, retry later")
	case errors.Is(err, service.ErrShuttingDown):
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is draining")
	default:
		requestLogger(r, h.logger).Error("run submission failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "SUBMIT_FAILED", "could not submit run")
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeStoreError writes a 503 for run-store failures and logs the
// underlying error.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "run store unavailable")
	requestLogger(r, nil).Debug("store error", zap.Error(err))
}

// requestLogger returns the correlation-scoped logger from the request
// context, falling back to fallback when the middleware did not run.
func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}
