// Package runner executes runs: it expands a workflow's matrix, orders
// jobs by their needs, and drives each entry's steps in an isolated
// workspace. Matrix entries are independent; one entry failing never
// cancels its siblings.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ninakahr/greenlight/internal/coverage"
	"github.com/ninakahr/greenlight/internal/gitcmd"
	"github.com/ninakahr/greenlight/internal/interp"
	"github.com/ninakahr/greenlight/internal/models"
	"github.com/ninakahr/greenlight/internal/observability"
	"github.com/ninakahr/greenlight/internal/workflow"
)

// DefaultMaxParallel bounds concurrent matrix entries when the config
// does not say otherwise.
const DefaultMaxParallel = 4

// Options tunes engine behavior.
type Options struct {
	// WorkspaceRoot is the base directory for per-run workspaces.
	// Empty means a greenlight directory under the system temp dir.
	WorkspaceRoot string
	// MaxParallelJobs bounds how many matrix entries execute at once.
	MaxParallelJobs int
	// KeepWorkspaces skips workspace cleanup after a run, for debugging.
	KeepWorkspaces bool
	// LocalSource, when set, runs every job in that directory instead of
	// cloning the commit. Used by the exec command. Entries run one at a
	// time because they share the directory.
	LocalSource string
	// VersionFilter narrows the matrix to a single runtime version.
	VersionFilter string
}

// Engine executes runs against workflow definitions.
type Engine struct {
	git     *gitcmd.Client
	interps *interp.Resolver
	logger  *zap.Logger
	opts    Options
}

// New builds an engine. The git client may be nil when every workflow
// uses a local source; a checkout step without a client fails.
func New(git *gitcmd.Client, interps *interp.Resolver, logger *zap.Logger, opts Options) *Engine {
	if opts.MaxParallelJobs <= 0 {
		opts.MaxParallelJobs = DefaultMaxParallel
	}
	if opts.LocalSource != "" {
		opts.MaxParallelJobs = 1
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = filepath.Join(os.TempDir(), "greenlight")
	}
	return &Engine{git: git, interps: interps, logger: logger, opts: opts}
}

// ExecuteRun runs the definition against the run's commit, filling in
// run.Jobs and the run's conclusion. It mutates run in place; callers
// persist it afterwards. A non-nil error means the run could not be
// attempted at all, not that a job failed.
func (e *Engine) ExecuteRun(ctx context.Context, run *models.Run, def *workflow.Definition) error {
	entries := def.NarrowMatrix(e.opts.VersionFilter)
	if len(entries) == 0 {
		return fmt.Errorf("workflow %q has no matrix entries for version %q", def.Name, e.opts.VersionFilter)
	}
	observability.MatrixJobsExpandedTotal.Add(float64(len(entries)))

	// Steps see the workflow timezone through TZ; fail before starting
	// anything if the zone cannot be loaded on this host.
	if _, err := time.LoadLocation(def.Timezone); err != nil {
		return fmt.Errorf("workflow %q timezone: %w", def.Name, err)
	}

	run.Status = models.StatusRunning
	run.StartedAt = time.Now()
	run.Jobs = make([]models.Job, len(entries))
	for i, mj := range entries {
		run.Jobs[i] = models.Job{Key: mj.Key, Name: mj.JobName, Version: mj.Version}
	}

	runRoot := filepath.Join(e.opts.WorkspaceRoot, run.ID)
	if e.opts.LocalSource == "" {
		if err := os.MkdirAll(runRoot, 0o755); err != nil {
			return fmt.Errorf("creating run workspace: %w", err)
		}
		if !e.opts.KeepWorkspaces {
			defer func() {
				if err := os.RemoveAll(runRoot); err != nil {
					e.logger.Warn("workspace cleanup failed", zap.String("dir", runRoot), zap.Error(err))
				}
			}()
		}
	}

	e.logger.Info("run started",
		zap.String("runId", run.ID),
		zap.String("workflow", def.Name),
		zap.String("sha", run.SHA),
		zap.Int("entries", len(entries)))

	e.executeWaves(ctx, run, def, entries, runRoot)

	run.Status = models.StatusCompleted
	run.FinishedAt = time.Now()
	run.Conclusion = runConclusion(ctx, run.Jobs)

	observability.RunsCompletedTotal.WithLabelValues(run.Conclusion).Inc()
	observability.RunDurationSeconds.WithLabelValues(run.Workflow).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())

	e.logger.Info("run completed",
		zap.String("runId", run.ID),
		zap.String("workflow", def.Name),
		zap.String("conclusion", run.Conclusion),
		zap.Duration("duration", run.FinishedAt.Sub(run.StartedAt)))
	return nil
}

// executeWaves walks the needs graph depth by depth. Within a wave every
// runnable entry is launched on the shared limit; entries whose needs
// did not fully succeed are marked skipped without starting.
func (e *Engine) executeWaves(ctx context.Context, run *models.Run, def *workflow.Definition, entries []workflow.MatrixJob, runRoot string) {
	depths := jobDepths(def)
	waves := wavesByDepth(entries, depths)

	// succeeded tracks whole-job outcomes: a dependent job starts only
	// when every matrix entry of every need succeeded.
	succeeded := make(map[string]bool, len(def.Jobs))

	for _, wave := range waves {
		if ctx.Err() != nil {
			for _, idx := range wave {
				markUnstarted(&run.Jobs[idx], entries[idx], models.ConclusionCancelled)
			}
			continue
		}

		var g errgroup.Group
		g.SetLimit(e.opts.MaxParallelJobs)
		for _, idx := range wave {
			mj := entries[idx]
			if !needsMet(mj.Job, succeeded) {
				markUnstarted(&run.Jobs[idx], mj, models.ConclusionSkipped)
				continue
			}
			idx := idx
			g.Go(func() error {
				e.executeEntry(ctx, run, def, mj, runRoot, &run.Jobs[idx])
				return nil
			})
		}
		_ = g.Wait()

		for _, idx := range wave {
			name := entries[idx].JobName
			if _, seen := succeeded[name]; !seen {
				succeeded[name] = true
			}
			if run.Jobs[idx].Conclusion != models.ConclusionSuccess {
				succeeded[name] = false
			}
		}
	}
}

// executeEntry runs one matrix entry: interpreter setup when the
// workflow declares a runtime, then the job's steps in order. The first
// failing step fails the entry and skips the rest.
func (e *Engine) executeEntry(ctx context.Context, run *models.Run, def *workflow.Definition, mj workflow.MatrixJob, runRoot string, out *models.Job) {
	out.StartedAt = time.Now()
	defer func() {
		out.FinishedAt = time.Now()
		e.logger.Info("job finished",
			zap.String("runId", run.ID),
			zap.String("jobKey", mj.Key),
			zap.String("conclusion", out.Conclusion),
			zap.Duration("duration", out.FinishedAt.Sub(out.StartedAt)))
	}()

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(mj.Job.TimeoutMinutes)*time.Minute)
	defer cancel()

	workdir := e.opts.LocalSource
	if workdir == "" {
		workdir = filepath.Join(runRoot, sanitizeKey(mj.Key))
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			out.Steps = []models.StepResult{failedStep("prepare workspace", fmt.Sprintf("creating workspace: %v", err))}
			out.Conclusion = models.ConclusionError
			return
		}
	}

	env := envState{
		run:      run,
		def:      def,
		matrix:   mj.Env,
		job:      mj.Job.Env,
		timezone: def.Timezone,
	}

	steps := make([]models.StepResult, 0, len(mj.Job.Steps)+1)
	failed := false
	infra := false

	if def.Runtime != nil {
		res, path := e.setupStep(jobCtx, def.Runtime.Kind, mj.Version)
		steps = append(steps, res)
		if res.Status != models.StepSuccess {
			failed, infra = true, true
		} else {
			env.interpKey = interpEnvKey(def.Runtime.Kind)
			env.interpPath = path
		}
	}

	for i := range mj.Job.Steps {
		st := &mj.Job.Steps[i]
		label := st.Label(i)
		if failed {
			steps = append(steps, models.StepResult{Name: label, Status: models.StepSkipped})
			continue
		}
		res, stepInfra := e.runStep(jobCtx, run, st, label, workdir, env)
		steps = append(steps, res)
		if res.Status != models.StepSuccess {
			failed = true
			infra = infra || stepInfra
		}
	}

	out.Steps = steps
	switch {
	case !failed:
		out.Conclusion = models.ConclusionSuccess
	case ctx.Err() != nil:
		out.Conclusion = models.ConclusionCancelled
	case infra:
		out.Conclusion = models.ConclusionError
	default:
		out.Conclusion = models.ConclusionFailure
	}
}

// setupStep resolves and sanity-checks the interpreter for a matrix
// entry. It mirrors what hosted runners call "setup": the entry fails
// here rather than at the first run step when the version is missing.
func (e *Engine) setupStep(ctx context.Context, kind, version string) (models.StepResult, string) {
	name := strings.TrimSpace(fmt.Sprintf("setup %s %s", kind, version))
	started := time.Now()
	res := models.StepResult{Name: name, StartedAt: started}

	path, err := e.interps.Resolve(kind, version)
	if err == nil {
		err = e.interps.Check(ctx, path)
	}
	res.FinishedAt = time.Now()
	observability.StepDurationSeconds.WithLabelValues("setup").Observe(res.FinishedAt.Sub(started).Seconds())

	if err != nil {
		res.Status = models.StepFailure
		res.Error = err.Error()
		return res, ""
	}
	res.Status = models.StepSuccess
	res.Output = fmt.Sprintf("using %s\n", path)
	return res, path
}

// runStep executes one declared step. The second return reports whether
// a failure was infrastructure (clone plumbing, missing shell) rather
// than the work itself failing.
func (e *Engine) runStep(ctx context.Context, run *models.Run, st *workflow.Step, label, workdir string, env envState) (models.StepResult, bool) {
	res := models.StepResult{Name: label, StartedAt: time.Now()}
	kind := "run"
	infra := false

	switch st.Kind() {
	case workflow.KindCheckout:
		kind = "checkout"
		infra = e.checkout(ctx, run, st.Checkout, workdir, &res)
	case workflow.KindRun:
		infra = e.shellStep(ctx, st, workdir, env, &res)
	case workflow.KindCoverage:
		kind = "coverage"
		e.coverageStep(run, st.Coverage, workdir, &res)
	default:
		res.Status = models.StepFailure
		res.Error = "step declares no action"
	}

	res.FinishedAt = time.Now()
	observability.StepDurationSeconds.WithLabelValues(kind).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	return res, infra
}

// checkout fetches the run's commit into the workspace, or records the
// local source when the engine runs against one.
func (e *Engine) checkout(ctx context.Context, run *models.Run, spec *workflow.CheckoutSpec, workdir string, res *models.StepResult) bool {
	if e.opts.LocalSource != "" {
		res.Status = models.StepSuccess
		res.Output = fmt.Sprintf("using local source %s\n", e.opts.LocalSource)
		return false
	}
	if e.git == nil {
		res.Status = models.StepFailure
		res.Error = "no git client configured"
		return true
	}
	if run.CloneURL == "" {
		res.Status = models.StepFailure
		res.Error = "run has no clone URL"
		return true
	}
	if err := e.git.CloneAt(ctx, run.CloneURL, run.SHA, workdir, spec.Depth); err != nil {
		res.Status = models.StepFailure
		res.Error = err.Error()
		return true
	}
	res.Status = models.StepSuccess
	history := "full history"
	if spec.Depth > 0 {
		history = fmt.Sprintf("depth %d", spec.Depth)
	}
	res.Output = fmt.Sprintf("checked out %s (%s)\n", run.SHA, history)
	return false
}

// shellStep runs a command step through sh -c with the layered
// environment. The return reports an infrastructure failure (shell
// missing, process could not start) as opposed to the command failing.
func (e *Engine) shellStep(ctx context.Context, st *workflow.Step, workdir string, env envState, res *models.StepResult) bool {
	var timeout time.Duration
	if st.TimeoutMinutes > 0 {
		timeout = time.Duration(st.TimeoutMinutes) * time.Minute
	}

	cmd := runShell(ctx, workdir, st.Run, env.flatten(st.Env), timeout)
	res.Output = cmd.Output
	res.ExitCode = cmd.ExitCode

	switch {
	case cmd.Err != nil:
		res.Status = models.StepFailure
		res.Error = cmd.Err.Error()
		return true
	case cmd.TimedOut:
		res.Status = models.StepFailure
		res.Error = stepTimeoutError(st.TimeoutMinutes)
	case cmd.ExitCode != 0:
		res.Status = models.StepFailure
	case ctx.Err() != nil:
		res.Status = models.StepFailure
		res.Error = "cancelled"
	default:
		res.Status = models.StepSuccess
	}
	return false
}

func stepTimeoutError(minutes int) string {
	if minutes > 0 {
		return fmt.Sprintf("timed out after %dm", minutes)
	}
	return "timed out (job timeout reached)"
}

// coverageStep parses the report an earlier step wrote and evaluates
// the gate against it.
func (e *Engine) coverageStep(run *models.Run, spec *workflow.CoverageSpec, workdir string, res *models.StepResult) {
	if filepath.IsAbs(spec.Report) || strings.Contains(spec.Report, "..") {
		res.Status = models.StepFailure
		res.Error = fmt.Sprintf("report path %q must stay inside the workspace", spec.Report)
		return
	}

	rep, err := coverage.ParseFile(filepath.Join(workdir, spec.Report))
	if err != nil {
		res.Status = models.StepFailure
		res.Error = err.Error()
		return
	}

	gate := coverage.Gate{Package: spec.Package, MinPercent: spec.MinPercent}
	verdict := gate.Evaluate(rep)
	res.Output = verdict.String() + "\n"

	if verdict.Reason == "" {
		scope := spec.Package
		if scope == "" {
			scope = "total"
		}
		observability.CoverageRatio.WithLabelValues(run.Workflow, scope).Set(verdict.Percent)
		if !verdict.Passed {
			observability.CoverageGateFailuresTotal.Inc()
		}
	}
	if verdict.Passed {
		res.Status = models.StepSuccess
	} else {
		res.Status = models.StepFailure
	}
}

// envState layers the environment for a shell step. Later layers win:
// ambient allow-list, timezone, run identity, interpreter and matrix
// variables, then the workflow, job and step env blocks.
type envState struct {
	run        *models.Run
	def        *workflow.Definition
	matrix     map[string]string
	timezone   string
	interpKey  string
	interpPath string
	job        map[string]string
}

// ambientKeys are the only host variables a step inherits. Everything
// else a step sees is declared in the workflow or injected by the run.
var ambientKeys = []string{"PATH", "HOME", "LANG", "TMPDIR", "USER"}

func (s envState) flatten(stepEnv map[string]string) []string {
	merged := make(map[string]string, 16)
	for _, key := range ambientKeys {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	merged["TZ"] = s.timezone
	merged["GREENLIGHT_RUN_ID"] = s.run.ID
	merged["GREENLIGHT_REPO"] = s.run.Repo
	merged["GREENLIGHT_SHA"] = s.run.SHA
	merged["GREENLIGHT_REF"] = s.run.Ref
	merged["GREENLIGHT_WORKFLOW"] = s.run.Workflow
	if s.interpKey != "" {
		merged[s.interpKey] = s.interpPath
	}
	for k, v := range s.matrix {
		merged[k] = v
	}
	for k, v := range s.def.Env {
		merged[k] = v
	}
	for k, v := range s.job {
		merged[k] = v
	}
	for k, v := range stepEnv {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// jobDepths assigns each job its distance from the roots of the needs
// graph. Validation guarantees the graph is acyclic, so the recursion
// terminates.
func jobDepths(def *workflow.Definition) map[string]int {
	depths := make(map[string]int, len(def.Jobs))
	var depthOf func(name string) int
	depthOf = func(name string) int {
		if d, ok := depths[name]; ok {
			return d
		}
		depth := 0
		for _, need := range def.Jobs[name].Needs {
			if d := depthOf(need) + 1; d > depth {
				depth = d
			}
		}
		depths[name] = depth
		return depth
	}
	for name := range def.Jobs {
		depthOf(name)
	}
	return depths
}

// wavesByDepth groups entry indices by their job's depth, preserving
// the deterministic expansion order within each wave.
func wavesByDepth(entries []workflow.MatrixJob, depths map[string]int) [][]int {
	maxDepth := 0
	for _, d := range depths {
		if d > maxDepth {
			maxDepth = d
		}
	}
	waves := make([][]int, maxDepth+1)
	for i, mj := range entries {
		d := depths[mj.JobName]
		waves[d] = append(waves[d], i)
	}
	return waves
}

// needsMet reports whether every need of the job fully succeeded.
func needsMet(job *workflow.Job, succeeded map[string]bool) bool {
	for _, need := range job.Needs {
		if !succeeded[need] {
			return false
		}
	}
	return true
}

// markUnstarted records an entry that never ran, with every declared
// step marked skipped so the result shape matches executed entries.
func markUnstarted(out *models.Job, mj workflow.MatrixJob, conclusion string) {
	now := time.Now()
	out.StartedAt = now
	out.FinishedAt = now
	out.Conclusion = conclusion
	out.Steps = make([]models.StepResult, 0, len(mj.Job.Steps))
	for i := range mj.Job.Steps {
		out.Steps = append(out.Steps, models.StepResult{
			Name:   mj.Job.Steps[i].Label(i),
			Status: models.StepSkipped,
		})
	}
}

// runConclusion folds job conclusions into the run's. A run succeeds
// only when every entry succeeded; cancellation wins over failure.
func runConclusion(ctx context.Context, jobs []models.Job) string {
	if ctx.Err() != nil {
		return models.ConclusionCancelled
	}
	for _, j := range jobs {
		if j.Conclusion != models.ConclusionSuccess {
			return models.ConclusionFailure
		}
	}
	return models.ConclusionSuccess
}

func failedStep(name, msg string) models.StepResult {
	now := time.Now()
	return models.StepResult{
		Name:       name,
		Status:     models.StepFailure,
		Error:      msg,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// sanitizeKey turns a matrix key into a directory name.
func sanitizeKey(key string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range key {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// interpEnvKey derives the env var steps use to reach the interpreter:
// kind "python" becomes PYTHON.
func interpEnvKey(kind string) string {
	var b strings.Builder
	for _, r := range kind {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
