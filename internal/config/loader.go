package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/aristath/taskpilot/internal/health"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// EnvPrefix prefixes environment overrides, e.g. TASKPILOT_MAX_CONCURRENT_TASKS
// or TASKPILOT_THRESHOLDS_CPU_CRITICAL.
const EnvPrefix = "TASKPILOT"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed files are.
// YAML, JSON and TOML are accepted based on the file extension.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskpilot/config.yaml
// Project: .taskpilot.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	return Load(GlobalPath(homeDir), ProjectPath)
}

// ProjectPath is the conventional project config location.
const ProjectPath = ".taskpilot.yaml"

// GlobalPath returns the conventional global config location under homeDir.
func GlobalPath(homeDir string) string {
	return filepath.Join(homeDir, ".taskpilot", "config.yaml")
}

// mergeConfigFile reads path into a separate viper instance and merges it
// over v. Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	fileViper := viper.New()
	fileViper.SetConfigFile(path)
	if err := fileViper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := v.MergeConfigMap(fileViper.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Mode != ModeAutonomous && c.Mode != ModeSupervised {
		fail("mode must be %q or %q, got %q", ModeAutonomous, ModeSupervised, c.Mode)
	}
	if c.MaxConcurrentTasks < 1 {
		fail("max_concurrent_tasks must be at least 1")
	}
	if c.ConcurrencyCeiling < c.MaxConcurrentTasks {
		fail("concurrency_ceiling (%d) below max_concurrent_tasks (%d)", c.ConcurrencyCeiling, c.MaxConcurrentTasks)
	}
	if c.MaxRetries < 0 {
		fail("max_retries cannot be negative")
	}
	if c.PollInterval <= 0 || c.HealthCheckInterval <= 0 {
		fail("poll_interval and health_check_interval must be positive")
	}

	for name, th := range map[string]ThresholdConfig{
		"cpu":           c.Thresholds.CPU,
		"memory":        c.Thresholds.Memory,
		"disk":          c.Thresholds.Disk,
		"error_rate":    c.Thresholds.ErrorRate,
		"response_time": c.Thresholds.ResponseTime,
	} {
		if th.Warning > th.Critical {
			fail("thresholds.%s warning %.1f above critical %.1f", name, th.Warning, th.Critical)
		}
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		switch {
		case a.Name == "":
			fail("agents[%d] has no name", i)
		case seen[a.Name]:
			fail("agent %q defined twice", a.Name)
		case a.Command == "":
			fail("agent %q has no command", a.Name)
		case len(a.Capabilities) == 0:
			fail("agent %q declares no capabilities", a.Name)
		}
		seen[a.Name] = true
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		fail("%v", err)
	}

	return errors.Join(errs...)
}

// Supervised reports whether the orchestrator should only recommend actions.
func (c *Config) Supervised() bool {
	return c.Mode == ModeSupervised
}

// HealthThresholds converts the thresholds section for the health monitor.
func (c *Config) HealthThresholds() health.Thresholds {
	conv := func(t ThresholdConfig) health.Threshold {
		return health.Threshold{Warning: t.Warning, Critical: t.Critical}
	}
	return health.Thresholds{
		CPU:          conv(c.Thresholds.CPU),
		Memory:       conv(c.Thresholds.Memory),
		Disk:         conv(c.Thresholds.Disk),
		ErrorRate:    conv(c.Thresholds.ErrorRate),
		ResponseTime: conv(c.Thresholds.ResponseTime),
	}
}

// SchedulerQueue converts the queue section for the task queue.
func (c *Config) SchedulerQueue() scheduler.QueueConfig {
	return scheduler.QueueConfig{
		HistoryCap:           c.Queue.HistoryCap,
		DependencyRetryDelay: c.Queue.DependencyRetryDelay,
		AgeThreshold:         c.Queue.AgeThreshold,
		DeadlineWindow:       c.Queue.DeadlineWindow,
		DropWhenPaused:       c.Queue.DropWhenPaused,
	}
}
