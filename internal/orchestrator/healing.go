package orchestrator

import (
	"sort"
	"time"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/health"
)

// Adaptive concurrency.
const (
	concurrencyWindow = 5    // snapshots averaged
	cpuHigh           = 80.0 // above: shrink by one
	cpuLow            = 40.0 // below with queued work: grow by one
)

// handleReport is called at the end of every health cycle.
func (o *Orchestrator) handleReport(r health.Report) {
	o.archiveSnapshot(r.Snapshot)

	if r.Degradation != nil && o.cfg.EnableAutoHealing {
		o.Heal(r.Snapshot)
	}
}

// Heal restarts agents failed in snap, sweeps stuck executions back through
// the retry path and re-runs the concurrency optimisation. In supervised
// mode the same plan is published without being applied.
func (o *Orchestrator) Heal(snap health.Snapshot) events.AutoHealingInitiatedEvent {
	ev := events.AutoHealingInitiatedEvent{Applied: !o.cfg.Supervised}
	failed := snap.FailedAgents()

	if o.cfg.Supervised {
		ev.RestartedAgents = failed
		ev.RequeuedTasks = o.stuckTaskIDs(time.Now())
		ev.MaxConcurrent, _ = o.concurrencyTarget()
	} else {
		ev.RestartedAgents = o.restartAgents(failed)
		ev.RequeuedTasks = o.SweepStuckTasks()
		ev.MaxConcurrent = o.OptimizeConcurrency()
	}

	o.logger.Warn("auto-healing initiated",
		"applied", ev.Applied,
		"restarted", ev.RestartedAgents,
		"swept", ev.RequeuedTasks,
		"max_concurrent", ev.MaxConcurrent)

	ev.Timestamp = time.Now()
	o.bus.Publish(ev)
	return ev
}

// stuckTaskIDs lists active tasks running longer than StuckTaskAge, sorted.
func (o *Orchestrator) stuckTaskIDs(now time.Time) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ids []string
	for id, ex := range o.active {
		if now.Sub(ex.started) > o.cfg.StuckTaskAge {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SweepStuckTasks abandons executions older than StuckTaskAge and settles
// them as failures, which requeues them while retries remain. Whatever the
// abandoned agent call eventually returns is discarded.
func (o *Orchestrator) SweepStuckTasks() []string {
	now := time.Now()

	o.mu.Lock()
	var stuck []*execution
	for id, ex := range o.active {
		if now.Sub(ex.started) > o.cfg.StuckTaskAge {
			stuck = append(stuck, ex)
			delete(o.active, id)
		}
	}
	o.mu.Unlock()

	sort.Slice(stuck, func(i, j int) bool { return stuck[i].task.ID < stuck[j].task.ID })

	ids := make([]string, 0, len(stuck))
	for _, ex := range stuck {
		o.settleFailure(ex.task, ErrStuckTask, false, now.Sub(ex.started))
		ids = append(ids, ex.task.ID)
	}
	if len(ids) > 0 {
		o.signal()
	}
	return ids
}

// concurrencyTarget reports the cap OptimizeConcurrency would set.
// Returns false when there is no health history yet.
func (o *Orchestrator) concurrencyTarget() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextConcurrencyLocked()
}

// nextConcurrencyLocked derives the cap from the mean CPU of the most recent
// snapshots, one step away from the current cap at most.
func (o *Orchestrator) nextConcurrencyLocked() (int, bool) {
	current := o.maxConcurrent
	recent := o.monitor.Recent(concurrencyWindow)
	if len(recent) == 0 {
		return current, false
	}

	var sum float64
	for _, s := range recent {
		sum += s.System.CPU
	}
	avg := sum / float64(len(recent))

	switch {
	case avg > cpuHigh:
		return max(1, current-1), true
	case avg < cpuLow && o.queue.Len() > 0:
		return min(o.cfg.ConcurrencyCeiling, current+1), true
	}
	return current, true
}

// OptimizeConcurrency nudges the concurrency cap by one step based on recent
// CPU and returns the cap in effect. Supervised mode never changes it.
func (o *Orchestrator) OptimizeConcurrency() int {
	o.mu.Lock()
	prev := o.maxConcurrent
	target, ok := o.nextConcurrencyLocked()
	if !ok || o.cfg.Supervised {
		target = prev
	}
	o.maxConcurrent = target
	o.mu.Unlock()

	if target != prev {
		o.logger.Info("concurrency adjusted", "from", prev, "to", target)
		if target > prev {
			o.signal()
		}
	}
	return target
}
