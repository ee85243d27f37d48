package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Save writes cfg to path. The format follows the file extension.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	v := viper.New()
	v.Set("mode", cfg.Mode)
	v.Set("max_concurrent_tasks", cfg.MaxConcurrentTasks)
	v.Set("concurrency_ceiling", cfg.ConcurrencyCeiling)
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("poll_interval", cfg.PollInterval.String())
	v.Set("health_check_interval", cfg.HealthCheckInterval.String())
	v.Set("learning_interval", cfg.LearningInterval.String())
	v.Set("rebalance_interval", cfg.RebalanceInterval.String())
	v.Set("stuck_task_age", cfg.StuckTaskAge.String())
	v.Set("enable_learning", cfg.EnableLearning)
	v.Set("enable_auto_healing", cfg.EnableAutoHealing)

	setThreshold := func(key string, t ThresholdConfig) {
		v.Set("thresholds."+key+".warning", t.Warning)
		v.Set("thresholds."+key+".critical", t.Critical)
	}
	setThreshold("cpu", cfg.Thresholds.CPU)
	setThreshold("memory", cfg.Thresholds.Memory)
	setThreshold("disk", cfg.Thresholds.Disk)
	setThreshold("error_rate", cfg.Thresholds.ErrorRate)
	setThreshold("response_time", cfg.Thresholds.ResponseTime)

	v.Set("queue.history_cap", cfg.Queue.HistoryCap)
	v.Set("queue.dependency_retry_delay", cfg.Queue.DependencyRetryDelay.String())
	v.Set("queue.age_threshold", cfg.Queue.AgeThreshold.String())
	v.Set("queue.deadline_window", cfg.Queue.DeadlineWindow.String())
	v.Set("queue.drop_when_paused", cfg.Queue.DropWhenPaused)

	v.Set("health.history_cap", cfg.Health.HistoryCap)
	v.Set("health.staleness_window", cfg.Health.StalenessWindow.String())
	v.Set("health.probe_address", cfg.Health.ProbeAddress)
	v.Set("health.disk_path", cfg.Health.DiskPath)

	v.Set("learning.frequency_threshold", cfg.Learning.FrequencyThreshold)
	v.Set("learning.slow_task_threshold", cfg.Learning.SlowTaskThreshold.String())
	v.Set("learning.slow_task_count", cfg.Learning.SlowTaskCount)

	agents := make([]map[string]any, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		m := map[string]any{
			"name":         a.Name,
			"command":      a.Command,
			"capabilities": a.Capabilities,
		}
		if len(a.Args) > 0 {
			m["args"] = a.Args
		}
		if a.Timeout > 0 {
			m["timeout"] = a.Timeout.String()
		}
		if a.Dir != "" {
			m["dir"] = a.Dir
		}
		if len(a.Env) > 0 {
			m["env"] = a.Env
		}
		agents = append(agents, m)
	}
	v.Set("agents", agents)

	v.Set("archive_path", cfg.ArchivePath)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
