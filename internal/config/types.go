package config

import (
	"time"
)

// Orchestrator modes.
const (
	ModeAutonomous = "autonomous" // healing, emergency recovery and learning act on their own
	ModeSupervised = "supervised" // the same decisions are only published as recommendations
)

// ThresholdConfig is a warning/critical pair for one metric.
type ThresholdConfig struct {
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
}

// ThresholdsConfig holds per-metric thresholds. Percentages except response_time (ms).
type ThresholdsConfig struct {
	CPU          ThresholdConfig `mapstructure:"cpu"`
	Memory       ThresholdConfig `mapstructure:"memory"`
	Disk         ThresholdConfig `mapstructure:"disk"`
	ErrorRate    ThresholdConfig `mapstructure:"error_rate"`
	ResponseTime ThresholdConfig `mapstructure:"response_time"`
}

// QueueConfig tunes the task queue.
type QueueConfig struct {
	HistoryCap           int           `mapstructure:"history_cap"`
	DependencyRetryDelay time.Duration `mapstructure:"dependency_retry_delay"`
	AgeThreshold         time.Duration `mapstructure:"age_threshold"`
	DeadlineWindow       time.Duration `mapstructure:"deadline_window"`
	DropWhenPaused       bool          `mapstructure:"drop_when_paused"` // silently discard enqueues while paused
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	HistoryCap      int           `mapstructure:"history_cap"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	ProbeAddress    string        `mapstructure:"probe_address"` // host:port dialled for reachability
	DiskPath        string        `mapstructure:"disk_path"`
}

// LearningConfig tunes the learning loop.
type LearningConfig struct {
	FrequencyThreshold int           `mapstructure:"frequency_threshold"`
	SlowTaskThreshold  time.Duration `mapstructure:"slow_task_threshold"`
	SlowTaskCount      int           `mapstructure:"slow_task_count"`
}

// AgentConfig defines an agent backed by an external command.
type AgentConfig struct {
	Name         string        `mapstructure:"name"`
	Capabilities []string      `mapstructure:"capabilities"`
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Dir          string        `mapstructure:"dir"`
	Env          []string      `mapstructure:"env"`
}

// Config is the top-level configuration.
type Config struct {
	Mode                string        `mapstructure:"mode"`
	MaxConcurrentTasks  int           `mapstructure:"max_concurrent_tasks"`
	ConcurrencyCeiling  int           `mapstructure:"concurrency_ceiling"`
	MaxRetries          int           `mapstructure:"max_retries"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	LearningInterval    time.Duration `mapstructure:"learning_interval"`
	RebalanceInterval   time.Duration `mapstructure:"rebalance_interval"`
	StuckTaskAge        time.Duration `mapstructure:"stuck_task_age"`
	EnableLearning      bool          `mapstructure:"enable_learning"`
	EnableAutoHealing   bool          `mapstructure:"enable_auto_healing"`

	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Health     HealthConfig     `mapstructure:"health"`
	Learning   LearningConfig   `mapstructure:"learning"`
	Agents     []AgentConfig    `mapstructure:"agents"`

	ArchivePath string `mapstructure:"archive_path"` // empty disables the SQLite archive
	LogLevel    string `mapstructure:"log_level"`
}
