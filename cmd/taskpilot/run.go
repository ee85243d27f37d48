package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/agent"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/orchestrator"
	"github.com/aristath/taskpilot/internal/scheduler"
	"github.com/aristath/taskpilot/internal/tui"
)

// shutdownTimeout bounds how long in-flight tasks get to finish on exit.
const shutdownTimeout = 10 * time.Second

var (
	runTUI     bool
	runWait    bool
	runLogFile string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator",
	Long: `Start the orchestrator, register the configured agents and submit the
tasks from --tasks, if given.

The process runs until interrupted. With --wait it exits once every submitted
task has settled; tasks stuck behind a failed dependency are reported and left
behind. With --tui a live dashboard shows queue depth, agent health and
recent events, and quitting the dashboard stops the orchestrator.`,
	RunE: runOrchestrator,
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live dashboard")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Exit once the queue drains")
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "Write logs to this file (default stderr; discarded with --tui)")
}

func runOrchestrator(cmd *cobra.Command, args []string) (retErr error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logOut, closeLog, err := logWriter(runLogFile, runTUI)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := cfg.NewLogger(logOut)

	var manifest *Manifest
	if tasksPath != "" {
		if manifest, err = LoadManifest(tasksPath); err != nil {
			return err
		}
	}

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Subprocesses started by command agents are tracked so they can be killed on exit
	pm := agent.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			logger.Error("killing subprocesses", "error", err)
		}
	}()

	registry := buildRegistry(cfg, pm)
	ocfg := orchestratorConfig(cfg, logger)

	store, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		ocfg.Archive = store
	}

	orch, err := orchestrator.New(ocfg, registry)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Stop(shutdownCtx); err != nil && retErr == nil {
			retErr = err
		}
	}()

	if manifest != nil {
		if err := submitManifest(orch, manifest, logger); err != nil {
			return err
		}
	}

	switch {
	case runTUI:
		return runDashboard(ctx, stop, orch)
	case runWait:
		waitForDrain(ctx, orch, cfg, logger)
	default:
		<-ctx.Done()
	}

	// Restore default signal handling so a second Ctrl+C force-exits
	stop()
	logger.Info("shutting down")
	return nil
}

// logWriter picks where logs go. The returned func closes any opened file.
func logWriter(path string, dashboard bool) (io.Writer, func(), error) {
	if path == "" {
		if dashboard {
			return io.Discard, func() {}, nil
		}
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// submitManifest submits every manifest task. A cycle rejects the whole
// manifest; individual submission failures are logged and skipped.
func submitManifest(orch *orchestrator.Orchestrator, m *Manifest, logger *slog.Logger) error {
	tasks, err := m.SchedulerTasks(time.Now())
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	submitted := 0
	for _, t := range tasks {
		id, err := orch.Submit(t)
		if err != nil {
			logger.Error("task rejected", "task_id", t.ID, "error", err)
			continue
		}
		logger.Debug("task submitted", "task_id", id, "priority", t.Priority)
		submitted++
	}
	logger.Info("manifest submitted", "tasks", submitted, "rejected", len(tasks)-submitted)
	return nil
}

// runDashboard runs the TUI until the user quits or a signal arrives.
func runDashboard(ctx context.Context, stop context.CancelFunc, orch *orchestrator.Orchestrator) error {
	p := tea.NewProgram(tui.New(orch, orch.Events()), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// Normal TUI exit (user pressed 'q')
		return err
	case <-ctx.Done():
		stop()
		p.Quit()

		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		select {
		case err := <-errChan:
			return err
		case <-waitCtx.Done():
			return errors.New("dashboard did not exit in time")
		}
	}
}

// waitForDrain returns once no task is queued, running or waiting. Work that
// only waits on dependencies and makes no progress for a while is treated as
// blocked behind a failed dependency.
func waitForDrain(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	stall := 3*cfg.Queue.DependencyRetryDelay + time.Second
	lastProcessed := -1
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		q := orch.Metrics().Queue
		if q.TotalProcessed != lastProcessed {
			lastProcessed = q.TotalProcessed
			lastProgress = time.Now()
		}
		if q.InFlight > 0 || q.TotalDepth > 0 {
			continue
		}
		if q.Waiting == 0 {
			logger.Info("queue drained", "completed", q.TotalCompleted, "failed", q.TotalFailed)
			return
		}
		if time.Since(lastProgress) > stall {
			logger.Warn("tasks blocked on dependencies that will not complete",
				"waiting", q.Waiting, "blocked", blockedTasks(orch.Queue()))
			return
		}
	}
}

func blockedTasks(q *scheduler.TaskQueue) []string {
	var ids []string
	for _, t := range q.Waiting() {
		ids = append(ids, t.ID)
	}
	return ids
}
