package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ninakahr/greenlight/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Hook delivery outcomes. Watch for: unauthorized spikes (bad secret rotation), rejected spikes (forge change).
	HooksReceivedTotal *prometheus.CounterVec

	// Runs started, by trigger. Watch for: traffic volume, rate() for runs/minute.
	RunsStartedTotal *prometheus.CounterVec

	// Runs completed, by conclusion. Watch for: failure ratio, error conclusions (infra trouble).
	RunsCompletedTotal *prometheus.CounterVec

	// Submissions absorbed by an in-flight run for the same commit. Watch for: forge redelivery storms.
	RunsCoalescedTotal prometheus.Counter

	// Whole-run wall time. Watch for: p95 > job timeout budget (pipeline creep).
	RunDurationSeconds *prometheus.HistogramVec

	// Per-step wall time by step kind. Watch for: checkout p95 (remote slowness) vs run p95 (suite growth).
	StepDurationSeconds *prometheus.HistogramVec

	// Matrix entries produced by expansion. Expanded/started ratio shows early rejects.
	MatrixJobsExpandedTotal prometheus.Counter

	// Last measured coverage per workflow and package. Watch for: slow decay toward the gate.
	CoverageRatio *prometheus.GaugeVec

	// Gate verdicts below threshold. Watch for: any increase; this is the signal the service exists for.
	CoverageGateFailuresTotal prometheus.Counter

	// Commit-status deliveries by outcome. Watch for: dropped > 0 means the breaker is open.
	ForgeReportsTotal *prometheus.CounterVec

	// Retry attempts for status deliveries. Watch for: high retries = unstable forge.
	ForgeReportRetriesTotal prometheus.Counter

	// Scheduler fires by result. Watch for: failed fires (submit path broken while idle).
	SchedulerFiresTotal *prometheus.CounterVec

	// Workflow registry reloads that swapped a new snapshot in.
	WorkflowReloadsTotal prometheus.Counter

	// Per-workflow run count (allow-list; others go to "other"). Watch for: top workflows, traffic distribution.
	RunsByWorkflowTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// trackedWorkflows is built from the registry; bounds label cardinality.
	trackedWorkflowsMu sync.RWMutex
	trackedWorkflows   map[string]struct{}

	extraGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	HooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hooksReceivedTotal",
			Help: "Hook deliveries by result (accepted, ignored, rejected, unauthorized)",
		},
		[]string{"result"},
	)
	RunsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsStartedTotal",
			Help: "Runs started, by trigger (push, manual, schedule)",
		},
		[]string{"trigger"},
	)
	RunsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsCompletedTotal",
			Help: "Runs completed, by conclusion (success, failure, cancelled, error)",
		},
		[]string{"conclusion"},
	)
	RunsCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runsCoalescedTotal",
			Help: "Submissions absorbed by an in-flight run for the same commit",
		},
	)
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runDurationSeconds",
			Help:    "Whole-run wall time in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"workflow"},
	)
	StepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepDurationSeconds",
			Help:    "Per-step wall time in seconds, by step kind",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)
	MatrixJobsExpandedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matrixJobsExpandedTotal",
			Help: "Matrix entries produced by workflow expansion",
		},
	)
	CoverageRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coverageRatio",
			Help: "Last measured coverage percentage per workflow and package",
		},
		[]string{"workflow", "package"},
	)
	CoverageGateFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coverageGateFailuresTotal",
			Help: "Coverage gate evaluations below the configured threshold",
		},
	)
	ForgeReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeReportsTotal",
			Help: "Commit-status deliveries by outcome (delivered, failed, dropped)",
		},
		[]string{"outcome"},
	)
	ForgeReportRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgeReportRetriesTotal",
			Help: "Retry attempts for commit-status deliveries",
		},
	)
	SchedulerFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedulerFiresTotal",
			Help: "Scheduled task fires by result (submitted, failed)",
		},
		[]string{"result"},
	)
	WorkflowReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workflowReloadsTotal",
			Help: "Workflow registry reloads that swapped in a new snapshot",
		},
	)
	RunsByWorkflowTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runsByWorkflowTotal",
			Help: "Runs by workflow (allow-list; others use workflow=other)",
		},
		[]string{"workflow"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		HooksReceivedTotal,
		RunsStartedTotal, RunsCompletedTotal, RunsCoalescedTotal, RunDurationSeconds,
		StepDurationSeconds, MatrixJobsExpandedTotal,
		CoverageRatio, CoverageGateFailuresTotal,
		ForgeReportsTotal, ForgeReportRetriesTotal,
		SchedulerFiresTotal, WorkflowReloadsTotal,
		RunsByWorkflowTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterLoadGauges registers sliding-window load gauges for the hook
// path and a queue-depth gauge for the run queue. Call from serve after
// config load; window should match the overload window.
func RegisterLoadGauges(window time.Duration, queueDepth func() int) {
	extraGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "outcomesInWindow",
					Help: "Run outcomes plus denials in the sliding window; load/capacity planning",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "denialsInWindow",
					Help: "Shed submissions (rate-limited or queue-full) in the sliding window",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "runQueueDepth",
					Help: "Runs waiting for an engine slot",
				},
				func() float64 { return float64(queueDepth()) },
			),
		)
	})
}

// SetTrackedWorkflows sets the allow-list for per-workflow run metrics.
// Non-tracked workflows increment "other".
func SetTrackedWorkflows(names []string) {
	trackedWorkflowsMu.Lock()
	defer trackedWorkflowsMu.Unlock()
	trackedWorkflows = make(map[string]struct{}, len(names))
	for _, name := range names {
		trackedWorkflows[normalizeWorkflowForMetrics(name)] = struct{}{}
	}
}

// RecordRunSubmission records a run submission for the given workflow.
func RecordRunSubmission(trigger, workflow string) {
	RunsStartedTotal.WithLabelValues(trigger).Inc()
	name := normalizeWorkflowForMetrics(workflow)
	trackedWorkflowsMu.RLock()
	_, ok := trackedWorkflows[name]
	trackedWorkflowsMu.RUnlock()
	if ok {
		RunsByWorkflowTotal.WithLabelValues(name).Inc()
	} else {
		RunsByWorkflowTotal.WithLabelValues("other").Inc()
	}
}

func normalizeWorkflowForMetrics(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
