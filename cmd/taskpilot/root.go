package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/config"
)

var (
	configPath string
	tasksPath  string
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "Priority task orchestrator with health monitoring and self-healing",
	Long: `taskpilot runs tasks from a prioritised queue against a pool of agents.

Agents are external commands declared in the configuration file. Each task
names the capabilities it needs and the agent best suited for every
capability runs it. A background health monitor samples the host and the
agents, and in autonomous mode degraded states trigger healing, emergency
recovery and adaptive concurrency. Supervised mode reports the same decisions
without acting on them.

Configuration is read from ~/.taskpilot/config.yaml, then .taskpilot.yaml (or
the file given with --config), then TASKPILOT_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Project config file (default "+config.ProjectPath+")")
	rootCmd.PersistentFlags().StringVarP(&tasksPath, "tasks", "t", "", "Task manifest (YAML)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the global config merged with the project config.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.LoadDefault()
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return config.Load(config.GlobalPath(homeDir), configPath)
}
