// Package config loads service configuration: a YAML file per
// environment, a secrets overlay, and GREENLIGHT_* environment
// variables on top. Env wins over secrets file wins over config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort      string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// HookSecret verifies push delivery signatures. Empty disables
	// verification, for local setups without a shared secret.
	HookSecret string

	// ForgeToken authenticates commit status reports. Empty means runs
	// execute without reporting.
	ForgeToken   string
	ForgeBaseURL string
	ForgeTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	StoreBackend          string // "in_memory" or "memcached"
	StoreMaxRuns          int
	StoreTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	WorkflowsDir   string
	WatchWorkflows bool

	ScheduleFile     string
	ScheduleTimezone string

	MaxConcurrentRuns int
	QueueCapacity     int
	CloneURLBase      string

	WorkspaceRoot   string
	MaxParallelJobs int
	KeepWorkspaces  bool
	GitPath         string
	GitTimeout      time.Duration
	// Toolchains maps "kind:version" (python:3.12) to an interpreter
	// path. Versions not listed here resolve from PATH.
	Toolchains map[string]string

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	IdleThresholdRuns    int
	IdleWindow           time.Duration
	MinimumLifespan      time.Duration
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	DegradedRetryInitial time.Duration
	DegradedRetryMax     time.Duration

	TrackedWorkflows []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Forge struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"forge"`

	Store struct {
		Backend   string `yaml:"backend"`
		MaxRuns   int    `yaml:"max_runs"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"store"`

	Workflows struct {
		Dir   string `yaml:"dir"`
		Watch *bool  `yaml:"watch"`
	} `yaml:"workflows"`

	Schedules struct {
		File     string `yaml:"file"`
		Timezone string `yaml:"timezone"`
	} `yaml:"schedules"`

	Runs struct {
		MaxConcurrent int    `yaml:"max_concurrent"`
		QueueCapacity int    `yaml:"queue_capacity"`
		CloneURLBase  string `yaml:"clone_url_base"`
	} `yaml:"runs"`

	Engine struct {
		WorkspaceRoot   string            `yaml:"workspace_root"`
		MaxParallelJobs int               `yaml:"max_parallel_jobs"`
		KeepWorkspaces  bool              `yaml:"keep_workspaces"`
		GitPath         string            `yaml:"git_path"`
		GitTimeout      string            `yaml:"git_timeout"`
		Toolchains      map[string]string `yaml:"toolchains"`
	} `yaml:"engine"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		IdleThresholdRuns    int    `yaml:"idle_threshold_runs"`
		IdleWindow           string `yaml:"idle_window"`
		MinimumLifespan      string `yaml:"minimum_lifespan"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial string `yaml:"degraded_retry_initial"`
		DegradedRetryMax     string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedWorkflows []string `yaml:"tracked_workflows"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	HookSecret string `yaml:"hook_secret"`
	ForgeToken string `yaml:"forge_token"`
}

// envOverrides are the environment variables the service honors. Env
// values beat both YAML files.
type envOverrides struct {
	ConfigEnv      string `env:"GREENLIGHT_ENV"`
	Port           string `env:"GREENLIGHT_PORT"`
	HookSecret     string `env:"GREENLIGHT_HOOK_SECRET"`
	ForgeToken     string `env:"GREENLIGHT_FORGE_TOKEN"`
	StoreBackend   string `env:"GREENLIGHT_STORE_BACKEND"`
	MemcachedAddrs string `env:"GREENLIGHT_MEMCACHED_ADDRS"`
	WorkflowsDir   string `env:"GREENLIGHT_WORKFLOWS_DIR"`
}

// Load reads configuration from config/{envName}.yaml and
// config/secrets.yaml under the working directory. envName empty falls
// back to GREENLIGHT_ENV, then "dev".
func Load(envName string) (*Config, error) {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if envName == "" {
		envName = ov.ConfigEnv
	}
	if envName == "" {
		envName = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", envName+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = ov.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = fc.Server.Port
	}
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.HookSecret = firstNonEmpty(ov.HookSecret, sec.HookSecret)
	cfg.ForgeToken = firstNonEmpty(ov.ForgeToken, sec.ForgeToken)
	cfg.ForgeBaseURL = strings.TrimSpace(fc.Forge.BaseURL)
	cfg.ForgeTimeout = parseDuration(fc.Forge.Timeout, 10*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}

	cfg.StoreBackend = strings.TrimSpace(strings.ToLower(ov.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = strings.TrimSpace(strings.ToLower(fc.Store.Backend))
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "in_memory"
	}
	cfg.StoreMaxRuns = fc.Store.MaxRuns
	if cfg.StoreMaxRuns <= 0 {
		cfg.StoreMaxRuns = 100
	}
	cfg.StoreTTL = parseDurationOrZero(fc.Store.TTL, 0)
	cfg.MemcachedAddrs = strings.TrimSpace(ov.MemcachedAddrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Store.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Store.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Store.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.WorkflowsDir = ov.WorkflowsDir
	if cfg.WorkflowsDir == "" {
		cfg.WorkflowsDir = fc.Workflows.Dir
	}
	if cfg.WorkflowsDir == "" {
		cfg.WorkflowsDir = "workflows"
	}
	cfg.WatchWorkflows = true
	if fc.Workflows.Watch != nil {
		cfg.WatchWorkflows = *fc.Workflows.Watch
	}

	cfg.ScheduleFile = fc.Schedules.File
	if cfg.ScheduleFile == "" {
		cfg.ScheduleFile = "schedules.yaml"
	}
	cfg.ScheduleTimezone = fc.Schedules.Timezone
	if cfg.ScheduleTimezone == "" {
		cfg.ScheduleTimezone = "UTC"
	}

	cfg.MaxConcurrentRuns = fc.Runs.MaxConcurrent
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 2
	}
	cfg.QueueCapacity = fc.Runs.QueueCapacity
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 16
	}
	cfg.CloneURLBase = strings.TrimSpace(fc.Runs.CloneURLBase)

	cfg.WorkspaceRoot = fc.Engine.WorkspaceRoot
	cfg.MaxParallelJobs = fc.Engine.MaxParallelJobs
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = 4
	}
	cfg.KeepWorkspaces = fc.Engine.KeepWorkspaces
	cfg.GitPath = fc.Engine.GitPath
	cfg.GitTimeout = parseDuration(fc.Engine.GitTimeout, 5*time.Minute)
	cfg.Toolchains = fc.Engine.Toolchains

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdRuns = fc.Lifecycle.IdleThresholdRuns
	if cfg.IdleThresholdRuns <= 0 {
		cfg.IdleThresholdRuns = 1
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 30*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 10*time.Minute)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 25
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, 1*time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	cfg.TrackedWorkflows = fc.Metrics.TrackedWorkflows

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSecrets reads the optional secrets overlay. A missing file is not
// an error: both secrets have workable empty defaults.
func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on
// empty string or parse error. Zero and negative results pass through.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("store.backend must be in_memory or memcached, got %q", cfg.StoreBackend)
	}
	if cfg.OverloadThresholdPct > 100 {
		return fmt.Errorf("lifecycle.overload_threshold_pct must be 1-100, got %d", cfg.OverloadThresholdPct)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("lifecycle.degraded_error_pct must be 1-100, got %d", cfg.DegradedErrorPct)
	}
	if _, err := time.LoadLocation(cfg.ScheduleTimezone); err != nil {
		return fmt.Errorf("schedules.timezone: %w", err)
	}
	for key, path := range cfg.Toolchains {
		kind, version, pinned := strings.Cut(key, ":")
		if kind == "" || (pinned && version == "") {
			return fmt.Errorf("engine.toolchains key %q must be kind or kind:version, like python:3.12", key)
		}
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("engine.toolchains[%q] has an empty path", key)
		}
	}
	return nil
}
