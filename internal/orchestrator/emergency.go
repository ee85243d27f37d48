package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/taskpilot/internal/agent"
	"github.com/aristath/taskpilot/internal/events"
)

// Notifier delivers emergency alerts outside the process.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// logNotifier is the default Notifier.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Error("EMERGENCY",
		"source", msg.Source,
		"issue", msg.Issue,
		"content", msg.Content,
		"at", msg.Timestamp)
	return nil
}

// emergency pauses non-critical work, raises the alert and attempts the
// recovery named by msg.Issue. Non-critical work resumes only if recovery
// succeeds. In supervised mode the alert is raised and the recovery is only
// published.
func (o *Orchestrator) emergency(ctx context.Context, msg Message) {
	ev := events.EmergencyProtocolEvent{
		Source:  msg.Source,
		Issue:   msg.Issue,
		Message: msg.Content,
		Action:  recoveryAction(msg.Issue),
		Applied: !o.cfg.Supervised,
	}

	if !o.cfg.Supervised {
		o.queue.PauseNonCritical()
	}

	if err := o.notifier.Notify(ctx, msg); err != nil {
		o.logger.Warn("emergency notification failed", "issue", msg.Issue, "err", err)
	}

	if o.cfg.Supervised {
		o.logger.Warn("emergency recovery recommended", "issue", msg.Issue, "action", ev.Action)
		ev.Timestamp = time.Now()
		o.bus.Publish(ev)
		return
	}

	err := o.runRecovery(ctx, msg.Issue)
	ev.Recovered = err == nil
	ev.Err = err
	if err == nil {
		o.ResumeNonCritical()
		o.logger.Info("emergency recovered", "issue", msg.Issue, "action", ev.Action)
	} else {
		o.logger.Error("emergency recovery failed, non-critical work stays paused", "issue", msg.Issue, "err", err)
	}

	ev.Timestamp = time.Now()
	o.bus.Publish(ev)
}

func recoveryAction(issue string) string {
	switch issue {
	case IssueReconnect:
		return "retry network probe with backoff"
	case IssueBackoff:
		return "halve concurrency and back off"
	case IssueRestartAgents:
		return "restart failed agents"
	default:
		return "none"
	}
}

// runRecovery runs the scripted recovery for issue.
func (o *Orchestrator) runRecovery(ctx context.Context, issue string) error {
	switch issue {
	case IssueReconnect:
		if err := retry(ctx, o.cfg.Retry, func() error { return o.probe(ctx) }); err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
		return nil

	case IssueBackoff:
		o.mu.Lock()
		o.maxConcurrent = max(1, o.maxConcurrent/2)
		limit := o.maxConcurrent
		o.mu.Unlock()
		o.logger.Warn("concurrency reduced", "max_concurrent", limit)
		if err := pause(ctx, o.cfg.Retry); err != nil {
			return fmt.Errorf("backoff: %w", err)
		}
		return nil

	case IssueRestartAgents:
		restarted := o.restartAgents(o.unhealthyAgents())
		o.logger.Info("agents restarted", "agents", restarted)
		return nil

	default:
		return fmt.Errorf("no recovery for issue %q", issue)
	}
}

// unhealthyAgents lists agents failed in the latest snapshot or degraded in
// the registry, in registration order.
func (o *Orchestrator) unhealthyAgents() []string {
	failed := make(map[string]bool)
	if snap, ok := o.monitor.Latest(); ok {
		for _, name := range snap.FailedAgents() {
			failed[name] = true
		}
	}

	status := o.registry.HealthStatus()
	var out []string
	for _, name := range o.registry.Names() {
		if failed[name] || status[name] == agent.Degraded {
			out = append(out, name)
		}
	}
	return out
}

// restartAgents resets metrics and circuit breakers for names.
func (o *Orchestrator) restartAgents(names []string) []string {
	var restarted []string
	for _, name := range names {
		if o.registry.Reset(name) {
			o.breakers.reset(name)
			restarted = append(restarted, name)
		}
	}
	return restarted
}
