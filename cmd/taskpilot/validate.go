package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/agent"
	"github.com/aristath/taskpilot/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and task manifest",
	Long: `Load and validate the configuration. With --tasks, also check the
manifest for priorities, duplicate ids and dependency cycles, and report which
agents cover each required capability.

Exits non-zero when anything would prevent the manifest from running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var manifest *Manifest
		if tasksPath != "" {
			if manifest, err = LoadManifest(tasksPath); err != nil {
				return err
			}
		}
		return validate(cmd.OutOrStdout(), cfg, manifest)
	},
}

// validate reports on cfg and the optional manifest.
func validate(w io.Writer, cfg *config.Config, m *Manifest) error {
	fmt.Fprintf(w, "config ok: mode=%s agents=%d max_concurrent=%d\n", cfg.Mode, len(cfg.Agents), cfg.MaxConcurrentTasks)
	if m == nil {
		return nil
	}

	tasks, err := m.SchedulerTasks(time.Now())
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	fmt.Fprintf(w, "manifest ok: %d tasks\n", len(tasks))

	cov := coverage(buildRegistry(cfg, agent.NewProcessManager()), m.Capabilities())
	var uncovered []string
	for _, c := range m.Capabilities() {
		agents := cov[c]
		if len(agents) == 0 {
			uncovered = append(uncovered, c)
			fmt.Fprintf(w, "  %-20s MISSING\n", c)
			continue
		}
		fmt.Fprintf(w, "  %-20s %v\n", c, agents)
	}
	if len(uncovered) > 0 {
		return fmt.Errorf("no agent for capabilities %v", uncovered)
	}
	return nil
}
