package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// CommandConfig describes an agent backed by an external program.
type CommandConfig struct {
	Command      string
	Args         []string
	Capabilities []string
	Timeout      time.Duration // Zero means no per-task timeout
	Dir          string
	Env          []string
}

// commandInput is written to the subprocess's stdin as JSON.
type commandInput struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Priority string   `json:"priority"`
	Attempt  int      `json:"attempt"`
	Payload  any      `json:"payload,omitempty"`
	Caps     []string `json:"capabilities"`
}

// CommandAgent runs one subprocess per task. The task is passed as JSON on
// stdin and the trimmed stdout becomes the result; a non-zero exit fails it.
type CommandAgent struct {
	cfg      CommandConfig
	pm       *ProcessManager
	lookPath func(string) (string, error)
}

// NewCommandAgent creates a CommandAgent. pm may be nil.
func NewCommandAgent(cfg CommandConfig, pm *ProcessManager) *CommandAgent {
	return &CommandAgent{cfg: cfg, pm: pm, lookPath: exec.LookPath}
}

func (c *CommandAgent) Capabilities() []string { return c.cfg.Capabilities }

// Ready reports whether the configured command resolves to an executable.
func (c *CommandAgent) Ready() bool {
	_, err := c.lookPath(c.cfg.Command)
	return err == nil
}

func (c *CommandAgent) Execute(ctx context.Context, task scheduler.Task) (any, error) {
	input, err := json.Marshal(commandInput{
		ID:       task.ID,
		Type:     task.Type,
		Priority: string(task.Priority),
		Attempt:  task.RetryCount + 1,
		Payload:  task.Payload,
		Caps:     task.Capabilities,
	})
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	cmd := newCommand(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"TASKPILOT_TASK_ID="+task.ID,
		"TASKPILOT_TASK_TYPE="+task.Type,
	)

	stdout, _, err := runCommand(cmd, input, c.pm)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, ctx.Err())
		}
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}

	return strings.TrimSpace(string(stdout)), nil
}
