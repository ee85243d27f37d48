package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// preferredAgentLimit caps how many agents a learned rule pins.
const preferredAgentLimit = 2

// LearningMetrics summarises what the learning loop has done.
type LearningMetrics struct {
	Cycles          int
	RulesApplied    int
	SlowTasks       int // slow completions seen in the last cycle
	Recommendations []string
	LastRun         time.Time
}

type typePriority struct {
	taskType string
	priority scheduler.Priority
}

// Learn inspects task history once. Frequent (type, priority) pairs become
// routing rules that pin the priority and the agents most used for the type;
// recurring slow completions produce a "parallelize" recommendation and a
// concurrency nudge. Supervised mode publishes the findings without
// installing rules.
func (o *Orchestrator) Learn() {
	history := o.queue.History()

	// Each failed attempt leaves its own record, so frequency and agent use
	// count distinct task IDs.
	counts := make(map[typePriority]int)
	usage := make(map[string]map[string]int) // type -> agent -> tasks
	seen := make(map[typePriority]map[string]bool)
	used := make(map[string]bool) // task ID + agent
	slow := 0
	for _, t := range history {
		if t.Type != "" {
			k := typePriority{t.Type, t.BasePriority}
			if seen[k] == nil {
				seen[k] = make(map[string]bool)
			}
			if !seen[k][t.ID] {
				seen[k][t.ID] = true
				counts[k]++
			}
			if usage[t.Type] == nil {
				usage[t.Type] = make(map[string]int)
			}
			for _, a := range t.Agents {
				if key := t.ID + "\x00" + a; !used[key] {
					used[key] = true
					usage[t.Type][a]++
				}
			}
		}
		if t.Status == scheduler.TaskCompleted && t.Duration() > o.cfg.Learning.SlowTaskThreshold {
			slow++
		}
	}

	rules := o.learnRules(counts, usage)

	var recs []string
	if slow >= o.cfg.Learning.SlowTaskCount {
		recs = append(recs, fmt.Sprintf("parallelize: %d tasks took longer than %s", slow, o.cfg.Learning.SlowTaskThreshold))
		o.OptimizeConcurrency()
	}

	types := make([]string, 0, len(rules))
	for _, r := range rules {
		if !o.cfg.Supervised {
			o.queue.SetRule(r)
		}
		types = append(types, r.TaskType)
	}

	o.learnMu.Lock()
	o.learning.Cycles++
	if !o.cfg.Supervised {
		o.learning.RulesApplied += len(rules)
	}
	o.learning.SlowTasks = slow
	o.learning.Recommendations = recs
	o.learning.LastRun = time.Now()
	o.learnMu.Unlock()

	if len(types) == 0 && len(recs) == 0 {
		return
	}

	o.logger.Info("learnings applied", "rules", types, "recommendations", recs, "applied", !o.cfg.Supervised)
	o.bus.Publish(events.LearningsAppliedEvent{
		Rules:           types,
		Recommendations: recs,
		Applied:         !o.cfg.Supervised,
		Timestamp:       time.Now(),
	})
}

// learnRules turns frequent pairs into rules, one per task type. When a type
// has several frequent priorities the most frequent wins, then the more urgent.
// Types whose current rule already matches are skipped.
func (o *Orchestrator) learnRules(counts map[typePriority]int, usage map[string]map[string]int) []scheduler.RoutingRule {
	best := make(map[string]typePriority)
	for k, n := range counts {
		if n < o.cfg.Learning.FrequencyThreshold {
			continue
		}
		cur, ok := best[k.taskType]
		if !ok || n > counts[cur] || (n == counts[cur] && urgency(k.priority) > urgency(cur.priority)) {
			best[k.taskType] = k
		}
	}

	var rules []scheduler.RoutingRule
	for taskType, k := range best {
		rule := scheduler.RoutingRule{
			TaskType:        taskType,
			Priority:        k.priority,
			PreferredAgents: topAgents(usage[taskType], preferredAgentLimit),
			CreatedAt:       time.Now(),
		}
		if existing, ok := o.queue.Rule(taskType); ok && sameRule(existing, rule) {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].TaskType < rules[j].TaskType })
	return rules
}

func urgency(p scheduler.Priority) int {
	for i, q := range scheduler.Priorities {
		if p == q {
			return len(scheduler.Priorities) - i
		}
	}
	return 0
}

// topAgents returns up to n agents by descending use, ties by name.
func topAgents(uses map[string]int, n int) []string {
	names := make([]string, 0, len(uses))
	for name := range uses {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if uses[names[i]] != uses[names[j]] {
			return uses[names[i]] > uses[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

func sameRule(a, b scheduler.RoutingRule) bool {
	if a.Priority != b.Priority || len(a.PreferredAgents) != len(b.PreferredAgents) {
		return false
	}
	for i := range a.PreferredAgents {
		if a.PreferredAgents[i] != b.PreferredAgents[i] {
			return false
		}
	}
	return true
}

// LearningMetrics returns a copy of the learning loop's counters.
func (o *Orchestrator) LearningMetrics() LearningMetrics {
	o.learnMu.Lock()
	defer o.learnMu.Unlock()

	m := o.learning
	m.Recommendations = append([]string(nil), m.Recommendations...)
	return m
}
