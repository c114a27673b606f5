package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/config"
	"github.com/ninakahr/greenlight/internal/degraded"
	"github.com/ninakahr/greenlight/internal/forge"
	"github.com/ninakahr/greenlight/internal/gitcmd"
	httphandler "github.com/ninakahr/greenlight/internal/http"
	"github.com/ninakahr/greenlight/internal/interp"
	"github.com/ninakahr/greenlight/internal/lifecycle"
	"github.com/ninakahr/greenlight/internal/models"
	"github.com/ninakahr/greenlight/internal/observability"
	"github.com/ninakahr/greenlight/internal/runner"
	"github.com/ninakahr/greenlight/internal/schedule"
	"github.com/ninakahr/greenlight/internal/service"
	"github.com/ninakahr/greenlight/internal/store"
	"github.com/ninakahr/greenlight/internal/workflow"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the CI service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(flagConfigEnv)
	if err != nil {
		logger.Error("config", zap.Error(err))
		return err
	}
	if flagWorkflows != "" {
		cfg.WorkflowsDir = flagWorkflows
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		st        store.RunStore
		storePing func() error
	)
	switch cfg.StoreBackend {
	case "memcached":
		mc, err := store.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StoreTTL, cfg.StoreMaxRuns)
		if err != nil {
			logger.Error("memcached store", zap.Error(err))
			return err
		}
		st = mc
		storePing = mc.Ping
		logger.Info("run store: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		st = store.NewInMemoryStore(cfg.StoreMaxRuns, cfg.StoreTTL)
		logger.Info("run store: in_memory", zap.Int("maxRuns", cfg.StoreMaxRuns))
	}

	var (
		reporter     forge.Reporter
		tokenInvalid func() bool
	)
	if cfg.ForgeToken != "" {
		gh, err := forge.NewGitHubReporter(forge.Options{
			Token:          cfg.ForgeToken,
			BaseURL:        cfg.ForgeBaseURL,
			Timeout:        cfg.ForgeTimeout,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
		}, logger)
		if err != nil {
			logger.Error("forge reporter", zap.Error(err))
			return err
		}
		reporter = gh
		tokenInvalid = gh.TokenInvalid
		logger.Info("commit statuses: github", zap.String("baseUrl", cfg.ForgeBaseURL))
	} else {
		reporter = forge.NoopReporter{}
		logger.Warn("no forge token configured; commit statuses disabled")
	}

	reg := workflow.NewRegistry(cfg.WorkflowsDir, logger)
	if err := reg.LoadDir(); err != nil {
		// An empty directory is survivable: the watcher can pick up
		// definitions added later. Anything else is fatal.
		if !errors.Is(err, workflow.ErrNoDefinitions) {
			logger.Error("loading workflows", zap.Error(err))
			return err
		}
		logger.Warn("workflow directory is empty; pushes will match nothing",
			zap.String("dir", cfg.WorkflowsDir))
	}
	if cfg.WatchWorkflows {
		go func() {
			if err := reg.Watch(ctx, 0, func(count int) {
				logger.Info("workflow registry reloaded", zap.Int("workflows", count))
			}); err != nil {
				logger.Warn("workflow watch stopped", zap.Error(err))
			}
		}()
	}

	git, err := gitcmd.New(logger, cfg.GitPath, cfg.GitTimeout)
	if err != nil {
		logger.Error("git", zap.Error(err))
		return err
	}
	if v, err := git.Version(ctx); err == nil {
		logger.Info("git ready", zap.String("version", v))
	}
	engine := runner.New(git, interp.NewResolver(cfg.Toolchains, logger), logger, runner.Options{
		WorkspaceRoot:   cfg.WorkspaceRoot,
		MaxParallelJobs: cfg.MaxParallelJobs,
		KeepWorkspaces:  cfg.KeepWorkspaces,
	})

	svc := service.NewRunService(reg, st, engine, reporter, logger, service.Options{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		QueueCapacity:     cfg.QueueCapacity,
		CloneURLBase:      cfg.CloneURLBase,
	})
	// Workers get their own context so a SIGTERM can drain them on the
	// shutdown budget instead of killing runs mid-step.
	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()
	svc.Start(runCtx)

	schedStore, err := schedule.NewStore(cfg.ScheduleFile)
	if err != nil {
		logger.Error("schedule store", zap.Error(err))
		return err
	}
	loc, err := time.LoadLocation(cfg.ScheduleTimezone)
	if err != nil {
		logger.Error("schedule timezone", zap.Error(err))
		return err
	}
	scheduler := schedule.NewScheduler(schedStore, loc, func(ctx context.Context, workflowName, repo, ref, cloneURL string) error {
		_, err := svc.Submit(ctx, service.SubmitRequest{
			Workflow: workflowName,
			Repo:     repo,
			Ref:      ref,
			CloneURL: cloneURL,
			Trigger:  models.TriggerSchedule,
		})
		return err
	}, logger)
	go scheduler.Run(ctx)

	degraded.StartRecoveryListener(ctx, infraCheck(git, cfg.WorkspaceRoot, storePing),
		cfg.DegradedRetryInitial, cfg.DegradedRetryMax, func() {
			logger.Error("infrastructure recovery attempts exhausted; manual intervention needed")
		})

	observability.RegisterLoadGauges(cfg.OverloadWindow, svc.QueueDepth)
	if len(cfg.TrackedWorkflows) > 0 {
		observability.SetTrackedWorkflows(cfg.TrackedWorkflows)
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		IdleWindow:           cfg.IdleWindow,
		IdleThresholdRuns:    cfg.IdleThresholdRuns,
		MinimumLifespan:      cfg.MinimumLifespan,
		StartTime:            time.Now(),
		Version:              version,
		TokenInvalid:         tokenInvalid,
		StorePing:            storePing,
		QueueDepth:           svc.QueueDepth,
		QueueCapacity:        cfg.QueueCapacity,
	}

	var limiter *httphandler.IPLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = httphandler.NewIPLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	if cfg.HookSecret == "" {
		logger.Warn("no hook secret configured; push deliveries are not signature-checked")
	}

	handler := httphandler.NewHandler(svc, reg, schedStore, []byte(cfg.HookSecret), healthConfig, logger)
	router := httphandler.NewRouter(httphandler.RouterConfig{
		Handler:        handler,
		Logger:         logger,
		RateLimiter:    limiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// The write timeout must outlast the per-request timeout or slow
		// but legitimate responses get cut mid-body.
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.String("version", version),
			zap.String("workflowsDir", cfg.WorkflowsDir))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	if n := httphandler.InFlightCount(); n > 0 {
		logger.Info("waiting for in-flight requests", zap.Int64("count", n))
		if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err),
				zap.Int64("remaining", httphandler.InFlightCount()))
		}
	}

	// Queued and running work gets the rest of the budget to finish;
	// whatever is still running after that concludes cancelled.
	drainDeadline := time.Now().Add(cfg.ShutdownTimeout)
	for (svc.ActiveRuns() > 0 || svc.QueueDepth() > 0) && time.Now().Before(drainDeadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if active := svc.ActiveRuns(); active > 0 {
		logger.Warn("cancelling runs still active at the shutdown deadline",
			zap.Int64("count", active))
	}
	stopRuns()
	svc.Wait()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// infraCheck probes the infrastructure runs depend on: the git binary,
// a writable workspace, and the run store when it has a ping. Degraded
// recovery calls it between backoff intervals.
func infraCheck(git *gitcmd.Client, workspaceRoot string, storePing func() error) degraded.ValidateFunc {
	return func(ctx context.Context) error {
		if _, err := git.Version(ctx); err != nil {
			return fmt.Errorf("git: %w", err)
		}
		dir := workspaceRoot
		if dir == "" {
			dir = os.TempDir()
		}
		probe := filepath.Join(dir, ".greenlight-infra-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return fmt.Errorf("workspace: %w", err)
		}
		if err := os.Remove(probe); err != nil {
			return fmt.Errorf("workspace: %w", err)
		}
		if storePing != nil {
			if err := storePing(); err != nil {
				return fmt.Errorf("store: %w", err)
			}
		}
		return nil
	}
}
