package config

import (
	"github.com/spf13/viper"
)

// setDefaults registers every default with v so partial files and env
// overrides layer on top of a complete configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeAutonomous)
	v.SetDefault("max_concurrent_tasks", 4)
	v.SetDefault("concurrency_ceiling", 16)
	v.SetDefault("max_retries", 3)
	v.SetDefault("poll_interval", "100ms")
	v.SetDefault("health_check_interval", "30s")
	v.SetDefault("learning_interval", "5m")
	v.SetDefault("rebalance_interval", "30s")
	v.SetDefault("stuck_task_age", "5m")
	v.SetDefault("enable_learning", true)
	v.SetDefault("enable_auto_healing", true)

	v.SetDefault("thresholds.cpu.warning", 70.0)
	v.SetDefault("thresholds.cpu.critical", 90.0)
	v.SetDefault("thresholds.memory.warning", 80.0)
	v.SetDefault("thresholds.memory.critical", 95.0)
	v.SetDefault("thresholds.disk.warning", 85.0)
	v.SetDefault("thresholds.disk.critical", 95.0)
	v.SetDefault("thresholds.error_rate.warning", 5.0)
	v.SetDefault("thresholds.error_rate.critical", 15.0)
	v.SetDefault("thresholds.response_time.warning", 2000.0)
	v.SetDefault("thresholds.response_time.critical", 5000.0)

	v.SetDefault("queue.history_cap", 1000)
	v.SetDefault("queue.dependency_retry_delay", "1s")
	v.SetDefault("queue.age_threshold", "5m")
	v.SetDefault("queue.deadline_window", "1m")
	v.SetDefault("queue.drop_when_paused", false)

	v.SetDefault("health.history_cap", 1000)
	v.SetDefault("health.staleness_window", "5m")
	v.SetDefault("health.probe_address", "")
	v.SetDefault("health.disk_path", "/")

	v.SetDefault("learning.frequency_threshold", 10)
	v.SetDefault("learning.slow_task_threshold", "5s")
	v.SetDefault("learning.slow_task_count", 3)

	v.SetDefault("archive_path", "")
	v.SetDefault("log_level", "info")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	// Defaults are static and always decode
	_ = v.Unmarshal(cfg)
	return cfg
}
