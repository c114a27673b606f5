// Package service owns the run lifecycle: it accepts work from hooks,
// the API and the scheduler, suppresses duplicate submissions, pushes
// runs through a bounded queue into the engine, persists every state
// change and reports outcomes to the forge.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/degraded"
	"github.com/ninakahr/greenlight/internal/forge"
	"github.com/ninakahr/greenlight/internal/hook"
	"github.com/ninakahr/greenlight/internal/idle"
	"github.com/ninakahr/greenlight/internal/lifecycle"
	"github.com/ninakahr/greenlight/internal/models"
	"github.com/ninakahr/greenlight/internal/observability"
	"github.com/ninakahr/greenlight/internal/store"
	"github.com/ninakahr/greenlight/internal/workflow"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMaxConcurrentRuns = 2
	DefaultQueueCapacity     = 16
)

// reportTimeout bounds each commit-status delivery, detached from the
// run context so terminal statuses still go out during shutdown.
const reportTimeout = 30 * time.Second

// ErrQueueFull is returned when the run queue cannot take another run.
var ErrQueueFull = errors.New("run queue full")

// ErrWorkflowNotFound is returned when a submission names an unknown
// workflow.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrShuttingDown is returned for submissions while the process drains.
var ErrShuttingDown = errors.New("service shutting down")

// Executor runs a workflow definition against a single commit, filling
// in the run's jobs and conclusion.
type Executor interface {
	ExecuteRun(ctx context.Context, run *models.Run, def *workflow.Definition) error
}

// Options configures a RunService.
type Options struct {
	// MaxConcurrentRuns bounds how many runs execute at once.
	MaxConcurrentRuns int
	// QueueCapacity bounds how many accepted runs may wait for a slot.
	QueueCapacity int
	// CloneURLBase derives a clone URL from the repo name when a
	// submission carries none, e.g. "https://github.com".
	CloneURLBase string
}

// SubmitRequest is a direct run submission from the API or scheduler.
type SubmitRequest struct {
	Workflow string
	Repo     string
	Ref      string
	SHA      string
	CloneURL string
	Trigger  string
}

// RunService orchestrates runs end to end. Safe for concurrent use.
type RunService struct {
	registry  *workflow.Registry
	store     store.RunStore
	engine    Executor
	reporter  forge.Reporter
	logger    *zap.Logger
	opts      Options
	coalescer *runCoalescer
	queue     chan queuedRun
	done      chan struct{}
	active    atomic.Int64
}

// queuedRun is one accepted run waiting for an engine slot.
type queuedRun struct {
	run *models.Run
	def *workflow.Definition
	key string
}

// NewRunService creates a RunService with the provided dependencies.
// Call Start before submitting work.
func NewRunService(registry *workflow.Registry, st store.RunStore, engine Executor, reporter forge.Reporter, logger *zap.Logger, opts Options) *RunService {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if reporter == nil {
		reporter = forge.NoopReporter{}
	}
	return &RunService{
		registry:  registry,
		store:     st,
		engine:    engine,
		reporter:  reporter,
		logger:    logger,
		opts:      opts,
		coalescer: newRunCoalescer(),
		queue:     make(chan queuedRun, opts.QueueCapacity),
		done:      make(chan struct{}),
	}
}

// Start launches the run workers. Workers exit when ctx is cancelled;
// a run in flight at that point is marked cancelled by the engine.
func (s *RunService) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.opts.MaxConcurrentRuns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// Wait blocks until every worker has exited. Call after cancelling the
// Start context during shutdown.
func (s *RunService) Wait() {
	<-s.done
}

func (s *RunService) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.queue:
			s.dispatch(ctx, item)
		}
	}
}

// QueueDepth returns the number of runs waiting for an engine slot.
func (s *RunService) QueueDepth() int {
	return len(s.queue)
}

// ActiveRuns returns how many runs are executing right now. Shutdown
// polls this to drain naturally before cancelling the workers.
func (s *RunService) ActiveRuns() int64 {
	return s.active.Load()
}

// loggerFromContext extracts the request-scoped logger if middleware
// injected one. Falls back to the service logger.
func (s *RunService) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}

// HandlePush turns a push delivery into runs, one per matching
// workflow. Branch deletions and non-branch refs produce no runs.
// Returns the runs accepted or coalesced; the error reports the first
// submission that could not be accepted.
func (s *RunService) HandlePush(ctx context.Context, ev hook.PushEvent) ([]*models.Run, error) {
	logger := s.loggerFromContext(ctx)

	if ev.Deleted {
		logger.Debug("push ignored: branch deleted", zap.String("repo", ev.Repo), zap.String("ref", ev.Ref))
		return nil, nil
	}
	if ev.Branch == "" {
		logger.Debug("push ignored: not a branch ref", zap.String("repo", ev.Repo), zap.String("ref", ev.Ref))
		return nil, nil
	}

	defs := s.registry.MatchPush(ev.Branch)
	if len(defs) == 0 {
		logger.Debug("push matched no workflows", zap.String("repo", ev.Repo), zap.String("branch", ev.Branch))
		return nil, nil
	}

	var runs []*models.Run
	var firstErr error
	for _, def := range defs {
		run, err := s.submit(ctx, def, SubmitRequest{
			Repo:     ev.Repo,
			Ref:      ev.Ref,
			SHA:      ev.SHA,
			CloneURL: ev.CloneURL,
		}, models.TriggerPush)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logger.Warn("push submission rejected",
				zap.String("workflow", def.Name),
				zap.String("repo", ev.Repo),
				zap.String("sha", ev.SHA),
				zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, firstErr
}

// Submit accepts a direct run submission. The workflow must exist; the
// branch filter is not consulted, an explicit submission is its own
// authority.
func (s *RunService) Submit(ctx context.Context, req SubmitRequest) (*models.Run, error) {
	def, ok := s.registry.Get(req.Workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotFound, req.Workflow)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}
	return s.submit(ctx, def, req, trigger)
}

// submit creates and enqueues one run, or returns the in-flight run
// already covering the same commit and workflow.
func (s *RunService) submit(ctx context.Context, def *workflow.Definition, req SubmitRequest, trigger string) (*models.Run, error) {
	if lifecycle.IsShuttingDown() {
		return nil, ErrShuttingDown
	}
	logger := s.loggerFromContext(ctx)

	cloneURL := req.CloneURL
	if cloneURL == "" && s.opts.CloneURLBase != "" {
		cloneURL = strings.TrimRight(s.opts.CloneURLBase, "/") + "/" + req.Repo + ".git"
	}

	run := &models.Run{
		ID:        uuid.NewString(),
		Workflow:  def.Name,
		Repo:      req.Repo,
		SHA:       req.SHA,
		Ref:       req.Ref,
		CloneURL:  cloneURL,
		Trigger:   trigger,
		Status:    models.StatusQueued,
		CreatedAt: time.Now(),
	}

	key := coalesceKey(run.Repo, run.SHA, run.Workflow)
	if existingID, ok := s.coalescer.Register(key, run.ID); !ok {
		existing, err := s.store.Get(ctx, existingID)
		if err == nil {
			observability.RunsCoalescedTotal.Inc()
			logger.Info("submission coalesced into in-flight run",
				zap.String("runId", existingID),
				zap.String("workflow", run.Workflow),
				zap.String("sha", run.SHA))
			return existing, nil
		}
		// The registered run vanished from the store; drop the stale
		// claim and submit fresh.
		s.coalescer.Release(key)
		if _, ok := s.coalescer.Register(key, run.ID); !ok {
			return nil, fmt.Errorf("run for %s already in flight", key)
		}
	}

	if err := s.store.Put(ctx, run); err != nil {
		s.coalescer.Release(key)
		return nil, fmt.Errorf("recording run: %w", err)
	}

	// The queued run belongs to the worker the moment the send succeeds;
	// everything after, including the caller's response encoding, reads
	// this snapshot.
	accepted := run.Clone()
	select {
	case s.queue <- queuedRun{run: run, def: def, key: key}:
	default:
		s.coalescer.Release(key)
		return nil, ErrQueueFull
	}

	idle.RecordActivity()
	observability.RecordRunSubmission(trigger, accepted.Workflow)
	logger.Info("run accepted",
		zap.String("runId", accepted.ID),
		zap.String("workflow", accepted.Workflow),
		zap.String("repo", accepted.Repo),
		zap.String("sha", accepted.SHA),
		zap.String("trigger", trigger))

	s.report(accepted.Repo, accepted.SHA, forge.PendingStatus(accepted))
	return accepted, nil
}

// dispatch executes one queued run and finalizes it no matter how
// execution ends. A panic inside the engine concludes the run as an
// internal error instead of taking the worker down.
func (s *RunService) dispatch(ctx context.Context, item queuedRun) {
	run := item.run
	s.active.Add(1)
	defer s.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked",
				zap.String("runId", run.ID),
				zap.String("workflow", run.Workflow),
				zap.Any("panic", r))
			s.finalizeErrored(run)
			s.finish(ctx, item)
		}
	}()

	run.Status = models.StatusRunning
	run.StartedAt = time.Now()
	if err := s.store.Put(ctx, run); err != nil {
		s.logger.Warn("persisting running state failed", zap.String("runId", run.ID), zap.Error(err))
	}

	if err := s.engine.ExecuteRun(ctx, run, item.def); err != nil {
		s.logger.Error("run could not be attempted",
			zap.String("runId", run.ID),
			zap.String("workflow", run.Workflow),
			zap.Error(err))
		s.finalizeErrored(run)
	}
	s.finish(ctx, item)
}

// finish persists the terminal run, releases the coalescing key,
// reports the final status and feeds the health trackers.
func (s *RunService) finish(ctx context.Context, item queuedRun) {
	run := item.run

	if err := s.store.Put(ctx, run); err != nil {
		s.logger.Warn("persisting finished run failed", zap.String("runId", run.ID), zap.Error(err))
	}
	s.coalescer.Release(item.key)
	s.report(run.Repo, run.SHA, forge.FinalStatus(run))

	if infraBroke(run) {
		degraded.RecordError()
		degraded.NotifyDegraded()
	} else {
		degraded.RecordSuccess()
	}
}

// finalizeErrored closes out a run the engine never carried to a
// conclusion.
func (s *RunService) finalizeErrored(run *models.Run) {
	run.Status = models.StatusCompleted
	run.Conclusion = models.ConclusionError
	run.FinishedAt = time.Now()
	observability.RunsCompletedTotal.WithLabelValues(models.ConclusionError).Inc()
}

// report delivers a commit status on its own timeout, off the caller's
// goroutine. Reporting failures are the reporter's to log; they never
// affect the run.
func (s *RunService) report(repo, sha string, st forge.Status) {
	if sha == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := s.reporter.Report(ctx, repo, sha, st); err != nil {
			category := forge.CategorizeError(err)
			s.logger.Warn("commit status delivery failed",
				zap.String("repo", repo),
				zap.String("sha", sha),
				zap.String("state", string(st.State)),
				zap.String("category", string(category)),
				zap.Error(err))
			switch category {
			case forge.ErrorCategoryNetwork, forge.ErrorCategoryTimeout, forge.ErrorCategoryUpstream5xx:
				degraded.RecordError()
				degraded.NotifyDegraded()
			}
		}
	}()
}

// GetRun returns one run by ID.
func (s *RunService) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return s.store.Get(ctx, id)
}

// RecentRuns lists the newest runs first.
func (s *RunService) RecentRuns(ctx context.Context, n int) ([]models.RunSummary, error) {
	return s.store.Recent(ctx, n)
}

// infraBroke reports whether the run's trouble was the pipeline's own:
// an error conclusion at the run or job level. Test failures are not
// infra trouble.
func infraBroke(run *models.Run) bool {
	if run.Conclusion == models.ConclusionError {
		return true
	}
	for _, job := range run.Jobs {
		if job.Conclusion == models.ConclusionError {
			return true
		}
	}
	return false
}
