package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/taskpilot/internal/agent"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// step is one capability resolved to an agent.
type step struct {
	capability string
	name       string
	agent      agent.Agent
}

// execute runs one attempt of a task. Capabilities are resolved up front so a
// routing error fails the task before any agent is called.
func (o *Orchestrator) execute(ctx context.Context, ex *execution) {
	defer o.execWG.Done()
	defer o.signal()

	task := ex.task
	o.bus.Publish(events.TaskStartedEvent{
		ID:        task.ID,
		Type:      task.Type,
		Priority:  string(task.Priority),
		Attempt:   task.RetryCount + 1,
		Timestamp: time.Now(),
	})

	steps, err := o.resolve(task)
	if err != nil {
		o.finish(ex, nil, err, true)
		return
	}

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	o.queue.Assign(task.ID, names)

	results := make(map[string]any, len(steps))
	for _, s := range steps {
		res, err := o.runStep(ctx, task, s)
		if !o.owns(ex) {
			o.logger.Debug("discarding result of abandoned execution", "task", task.ID, "agent", s.name)
			return
		}
		if err != nil {
			o.finish(ex, nil, fmt.Errorf("agent %s: %w", s.name, err), false)
			return
		}
		results[s.capability] = res
	}

	o.finish(ex, results, nil, false)
}

// resolve picks the best agent per required capability, honouring the
// task's preferred agents.
func (o *Orchestrator) resolve(task scheduler.Task) ([]step, error) {
	steps := make([]step, 0, len(task.Capabilities))
	for _, c := range task.Capabilities {
		name, a, ok := o.registry.BestFor(c, task.PreferredAgents...)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrNoAgent, c)
		}
		steps = append(steps, step{capability: c, name: name, agent: a})
	}
	return steps, nil
}

// runStep calls one agent through its circuit breaker and records the outcome.
func (o *Orchestrator) runStep(ctx context.Context, task scheduler.Task, s step) (any, error) {
	o.bus.Publish(events.AgentExecutingEvent{
		Agent:      s.name,
		TaskID:     task.ID,
		Capability: s.capability,
		Timestamp:  time.Now(),
	})

	start := time.Now()
	res, err := o.breakers.call(s.name, func() (any, error) {
		return s.agent.Execute(ctx, task)
	})
	elapsed := time.Since(start)

	o.registry.RecordOutcome(s.name, err == nil, millis(elapsed))

	if err != nil {
		o.bus.Publish(events.AgentFailedEvent{
			Agent:     s.name,
			TaskID:    task.ID,
			Err:       err,
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
		return nil, err
	}

	o.bus.Publish(events.AgentCompletedEvent{
		Agent:     s.name,
		TaskID:    task.ID,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
	return res, nil
}

// finish settles an execution. Outcomes of executions already taken by the
// stuck-task sweep are dropped.
func (o *Orchestrator) finish(ex *execution, results map[string]any, err error, routing bool) {
	if !o.release(ex) {
		return
	}

	elapsed := time.Since(ex.started)
	if err != nil {
		o.settleFailure(ex.task, err, routing, elapsed)
		return
	}

	task := ex.task
	o.queue.Complete(task.ID, true)
	o.monitor.RecordTask(true, millis(elapsed))
	if rec, ok := o.queue.Get(task.ID); ok {
		o.archiveTask(rec)
	}

	o.logger.Info("task completed", "task", task.ID, "type", task.Type, "duration", elapsed)
	o.bus.Publish(events.TaskCompletedEvent{
		ID:        task.ID,
		Type:      task.Type,
		Results:   results,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
}

// settleFailure marks a task failed and requeues it while retries remain.
// Routing errors are never retried.
func (o *Orchestrator) settleFailure(task scheduler.Task, err error, routing bool, elapsed time.Duration) {
	o.queue.Complete(task.ID, false)
	o.monitor.RecordTask(false, millis(elapsed))
	if rec, ok := o.queue.Get(task.ID); ok {
		o.archiveTask(rec)
	}

	retried := false
	if !routing && task.RetryCount < o.cfg.MaxRetries {
		retried = o.queue.Requeue(task.ID)
	}

	attempt := task.RetryCount + 1
	if retried {
		o.logger.Warn("task failed, requeued", "task", task.ID, "attempt", attempt, "err", err)
	} else {
		o.logger.Error("task failed", "task", task.ID, "attempt", attempt, "routing", routing, "err", err)
	}

	o.bus.Publish(events.TaskFailedEvent{
		ID:        task.ID,
		Type:      task.Type,
		Err:       err,
		Attempt:   attempt,
		Terminal:  !retried,
		Routing:   routing,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
