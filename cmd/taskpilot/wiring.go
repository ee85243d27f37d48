package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aristath/taskpilot/internal/agent"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/health"
	"github.com/aristath/taskpilot/internal/orchestrator"
	"github.com/aristath/taskpilot/internal/persistence"
)

// orchestratorConfig converts the loaded configuration.
func orchestratorConfig(cfg *config.Config, logger *slog.Logger) orchestrator.Config {
	retries := cfg.MaxRetries
	if retries == 0 {
		// orchestrator.Config reads zero as "default"
		retries = -1
	}

	return orchestrator.Config{
		Supervised:          cfg.Supervised(),
		MaxConcurrentTasks:  cfg.MaxConcurrentTasks,
		ConcurrencyCeiling:  cfg.ConcurrencyCeiling,
		MaxRetries:          retries,
		PollInterval:        cfg.PollInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		LearningInterval:    cfg.LearningInterval,
		RebalanceInterval:   cfg.RebalanceInterval,
		StuckTaskAge:        cfg.StuckTaskAge,
		EnableLearning:      cfg.EnableLearning,
		EnableAutoHealing:   cfg.EnableAutoHealing,
		Queue:               cfg.SchedulerQueue(),
		Health: health.Config{
			HistoryCap:      cfg.Health.HistoryCap,
			StalenessWindow: cfg.Health.StalenessWindow,
			Thresholds:      cfg.HealthThresholds(),
			Sampler:         health.NewHostSampler(cfg.Health.DiskPath, cfg.Health.ProbeAddress),
		},
		Learning: orchestrator.LearningConfig{
			FrequencyThreshold: cfg.Learning.FrequencyThreshold,
			SlowTaskThreshold:  cfg.Learning.SlowTaskThreshold,
			SlowTaskCount:      cfg.Learning.SlowTaskCount,
		},
		ArchiveKeep: cfg.Health.HistoryCap,
		Logger:      logger,
	}
}

// buildRegistry registers one command agent per configured agent.
func buildRegistry(cfg *config.Config, pm *agent.ProcessManager) *agent.Registry {
	registry := agent.NewRegistry()
	for _, ac := range cfg.Agents {
		registry.Register(ac.Name, agent.NewCommandAgent(agent.CommandConfig{
			Command:      ac.Command,
			Args:         ac.Args,
			Capabilities: ac.Capabilities,
			Timeout:      ac.Timeout,
			Dir:          ac.Dir,
			Env:          ac.Env,
		}, pm))
	}
	return registry
}

// openArchive opens the SQLite archive when one is configured and trims old
// snapshots to the health history cap. Returns nil when archiving is off.
func openArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*persistence.SQLiteStore, error) {
	if cfg.ArchivePath == "" {
		return nil, nil
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	store.WithLogger(logger)

	if err := store.PruneSnapshots(ctx, cfg.Health.HistoryCap); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// coverage maps each capability to the agents declaring it.
func coverage(registry *agent.Registry, caps []string) map[string][]string {
	out := make(map[string][]string, len(caps))
	for _, c := range caps {
		out[c] = nil
	}
	for _, r := range registry.Reports() {
		for _, c := range r.Capabilities {
			if _, wanted := out[c]; wanted {
				out[c] = append(out[c], r.Name)
			}
		}
	}
	return out
}
