package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/config"
	"github.com/ninakahr/greenlight/internal/interp"
	"github.com/ninakahr/greenlight/internal/models"
	"github.com/ninakahr/greenlight/internal/runner"
	"github.com/ninakahr/greenlight/internal/watch"
	"github.com/ninakahr/greenlight/internal/workflow"
)

func newExecCmd() *cobra.Command {
	var (
		source        string
		versionFilter string
		watchMode     bool
		keep          bool
	)
	cmd := &cobra.Command{
		Use:   "exec <workflow-file>",
		Short: "Execute a workflow locally, one shot",
		Long: `Exec runs a workflow file against a local source directory instead of
a pushed commit: checkout steps become no-ops and every other step runs
in that directory. The exit code mirrors the run conclusion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(args[0], source, versionFilter, keep, watchMode)
		},
	}
	cmd.Flags().StringVar(&source, "source", ".", "directory to run the workflow against")
	cmd.Flags().StringVar(&versionFilter, "version", "", "narrow the runtime matrix to one version")
	cmd.Flags().BoolVar(&watchMode, "watch", false, "re-run whenever the workflow file changes")
	cmd.Flags().BoolVar(&keep, "keep-workspaces", false, "keep per-run workspaces for debugging")
	return cmd
}

func runExec(path, source, versionFilter string, keep, watchMode bool) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("workflow path: %w", err)
	}
	absSource, err := filepath.Abs(source)
	if err != nil {
		return fmt.Errorf("source path: %w", err)
	}

	// A config file is optional for local execution; it only contributes
	// the toolchain map when present.
	var toolchains map[string]string
	if cfg, err := config.Load(flagConfigEnv); err == nil {
		toolchains = cfg.Toolchains
	}

	if !watchMode {
		run, err := executeWorkflow(context.Background(), logger, absPath, absSource, toolchains, versionFilter, keep)
		if err != nil {
			return err
		}
		printRunSummary(os.Stdout, run)
		if run.Conclusion != models.ConclusionSuccess {
			return fmt.Errorf("run concluded %s", run.Conclusion)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rerun := func() {
		run, err := executeWorkflow(ctx, logger, absPath, absSource, toolchains, versionFilter, keep)
		if err != nil {
			fmt.Fprintln(os.Stderr, "exec:", err)
			return
		}
		printRunSummary(os.Stdout, run)
	}
	rerun()
	return watch.Dir(ctx, logger, filepath.Dir(absPath), 0, func(p string) bool {
		return filepath.Clean(p) == absPath
	}, rerun)
}

// executeWorkflow parses the workflow file and runs it once against the
// source directory, returning the finished run.
func executeWorkflow(ctx context.Context, logger *zap.Logger, path, source string, toolchains map[string]string, versionFilter string, keep bool) (*models.Run, error) {
	def, err := workflow.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	eng := runner.New(nil, interp.NewResolver(toolchains, logger), logger, runner.Options{
		LocalSource:    source,
		VersionFilter:  versionFilter,
		KeepWorkspaces: keep,
	})

	run := &models.Run{
		ID:        uuid.NewString(),
		Workflow:  def.Name,
		Repo:      "local",
		Ref:       "local",
		Trigger:   models.TriggerManual,
		Status:    models.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := eng.ExecuteRun(ctx, run, def); err != nil {
		return nil, err
	}
	return run, nil
}

// printRunSummary writes a human-readable account of the run: each job,
// each step with its status and duration, and the overall conclusion.
func printRunSummary(w io.Writer, run *models.Run) {
	for _, job := range run.Jobs {
		if job.Version != "" {
			fmt.Fprintf(w, "job %s (%s): %s\n", job.Name, job.Version, job.Conclusion)
		} else {
			fmt.Fprintf(w, "job %s: %s\n", job.Name, job.Conclusion)
		}
		for _, st := range job.Steps {
			fmt.Fprintf(w, "  [%s] %s (%.1fs)\n", st.Status, st.Name, st.FinishedAt.Sub(st.StartedAt).Seconds())
			if st.Error != "" {
				fmt.Fprintf(w, "        %s\n", st.Error)
			}
		}
	}
	fmt.Fprintf(w, "run %s: %s\n", run.Workflow, run.Conclusion)
}
