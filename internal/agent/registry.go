package agent

import (
	"sync"
	"time"
)

// healthySuccessRate is the success percentage an agent must exceed to be healthy.
const healthySuccessRate = 80.0

// Classification is the registry's view of an agent's health.
type Classification string

const (
	Healthy  Classification = "healthy"
	Degraded Classification = "degraded"
)

// Metrics tracks per-agent execution statistics.
type Metrics struct {
	Processed       int
	Errors          int
	SuccessRate     float64 // percent
	AvgResponseTime float64 // milliseconds
	LastActive      time.Time
}

// Report is a point-in-time view of one registered agent.
type Report struct {
	Name         string
	Capabilities []string
	Ready        bool
	Metrics      Metrics
}

type entry struct {
	agent   Agent
	caps    []string
	metrics Metrics
}

// Registry maps names and capabilities to agents and tracks their metrics.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	order   []string            // registration order
	entries map[string]*entry   // name -> entry
	byCap   map[string][]string // capability -> names in registration order
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byCap:   make(map[string][]string),
		now:     time.Now,
	}
}

func freshMetrics(now time.Time) Metrics {
	return Metrics{SuccessRate: 100, LastActive: now}
}

// Register stores an agent under name and indexes its capabilities.
// Registering an existing name replaces the agent and resets its metrics,
// keeping its original position in registration order.
func (r *Registry) Register(name string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}

	caps := append([]string(nil), a.Capabilities()...)
	r.entries[name] = &entry{agent: a, caps: caps, metrics: freshMetrics(r.now())}
	r.reindexLocked()
}

// Unregister removes an agent. Returns false if name was unknown.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return false
	}

	r.unindexLocked(name)
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) unindexLocked(name string) {
	for c, names := range r.byCap {
		kept := names[:0]
		for _, n := range names {
			if n != name {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(r.byCap, c)
		} else {
			r.byCap[c] = kept
		}
	}
}

// reindexLocked rebuilds the capability index in registration order.
func (r *Registry) reindexLocked() {
	r.byCap = make(map[string][]string)
	for _, name := range r.order {
		e := r.entries[name]
		for _, c := range e.caps {
			r.byCap[c] = append(r.byCap[c], name)
		}
	}
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// Names returns registered agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Resolve returns all agents declaring capability, in registration order.
func (r *Registry) Resolve(capability string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byCap[capability]
	out := make([]Agent, 0, len(names))
	for _, n := range names {
		out = append(out, r.entries[n].agent)
	}
	return out
}

// score ranks agents for BestFor; higher is better.
func score(m Metrics) float64 {
	return m.SuccessRate - m.AvgResponseTime/1000
}

// BestFor picks the highest-scoring agent declaring capability.
// Ties go to the earliest registered. When any of prefer declares the
// capability the choice is restricted to those agents.
func (r *Registry) BestFor(capability string, prefer ...string) (string, Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.byCap[capability]
	if len(prefer) > 0 {
		wanted := make(map[string]bool, len(prefer))
		for _, p := range prefer {
			wanted[p] = true
		}
		var preferred []string
		for _, n := range candidates {
			if wanted[n] {
				preferred = append(preferred, n)
			}
		}
		if len(preferred) > 0 {
			candidates = preferred
		}
	}

	var (
		bestName  string
		bestScore float64
		found     bool
	)
	for _, n := range candidates {
		s := score(r.entries[n].metrics)
		if !found || s > bestScore {
			bestName, bestScore, found = n, s, true
		}
	}
	if !found {
		return "", nil, false
	}
	return bestName, r.entries[bestName].agent, true
}

// RecordOutcome folds one execution into the agent's metrics.
// Unknown names are ignored.
func (r *Registry) RecordOutcome(name string, success bool, responseTimeMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return
	}

	m := &e.metrics
	m.Processed++
	if !success {
		m.Errors++
	}
	n := float64(m.Processed)
	m.AvgResponseTime = (m.AvgResponseTime*(n-1) + responseTimeMs) / n
	m.SuccessRate = float64(m.Processed-m.Errors) / n * 100
	m.LastActive = r.now()
}

// Reset restores an agent's metrics to a clean baseline.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.metrics = freshMetrics(r.now())
	return true
}

// Metrics returns the metrics for one agent.
func (r *Registry) Metrics(name string) (Metrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Metrics{}, false
	}
	return e.metrics, true
}

// AllMetrics returns a copy of every agent's metrics keyed by name.
func (r *Registry) AllMetrics() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Metrics, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.metrics
	}
	return out
}

// HealthStatus classifies every agent: healthy iff ready and success rate above 80%.
func (r *Registry) HealthStatus() map[string]Classification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Classification, len(r.entries))
	for name, e := range r.entries {
		out[name] = classify(e)
	}
	return out
}

func classify(e *entry) Classification {
	if e.agent.Ready() && e.metrics.SuccessRate > healthySuccessRate {
		return Healthy
	}
	return Degraded
}

// Reports returns a view of every agent in registration order.
func (r *Registry) Reports() []Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Report, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, Report{
			Name:         name,
			Capabilities: append([]string(nil), e.caps...),
			Ready:        e.agent.Ready(),
			Metrics:      e.metrics,
		})
	}
	return out
}
