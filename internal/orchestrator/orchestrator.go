// Package orchestrator pulls tasks from the queue under an adaptive
// concurrency cap, routes them to agents and reacts to health signals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskpilot/internal/agent"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/health"
	"github.com/aristath/taskpilot/internal/scheduler"
)

var (
	// ErrNotRunning is returned by Stop and Notify before Start.
	ErrNotRunning = errors.New("orchestrator is not running")
	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("orchestrator is already running")
	// ErrStopped is returned by Start after Stop; an orchestrator runs once.
	ErrStopped = errors.New("orchestrator has been stopped")
	// ErrInboxFull is returned by Notify when the message buffer is full.
	ErrInboxFull = errors.New("message inbox is full")
	// ErrNoAgent is the routing error for a capability no agent declares.
	ErrNoAgent = errors.New("no agent for capability")
	// ErrStuckTask fails executions abandoned by the stuck-task sweep.
	ErrStuckTask = errors.New("task exceeded stuck age")
)

// Archive receives terminal task records and health snapshots.
// persistence.SQLiteStore satisfies it.
type Archive interface {
	RecordTask(ctx context.Context, task scheduler.Task) error
	RecordSnapshot(ctx context.Context, snap health.Snapshot) error
}

// SnapshotPruner is implemented by archives that can drop old snapshots.
// persistence.SQLiteStore satisfies it.
type SnapshotPruner interface {
	PruneSnapshots(ctx context.Context, keep int) error
}

// LearningConfig tunes the learning loop.
type LearningConfig struct {
	FrequencyThreshold int           // (type, priority) occurrences that earn a routing rule (default 10)
	SlowTaskThreshold  time.Duration // Completions slower than this count as slow (default 5s)
	SlowTaskCount      int           // Slow completions that trigger a recommendation (default 3)
}

// Config configures an Orchestrator. Zero fields take defaults.
type Config struct {
	Supervised          bool // Publish healing, emergency and learning decisions without acting
	MaxConcurrentTasks  int  // Initial concurrency cap (default 4)
	ConcurrencyCeiling  int  // Upper bound for adaptive growth (default 4x MaxConcurrentTasks)
	MaxRetries          int  // Requeues before a task fails terminally (default 3; negative disables retries)
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	LearningInterval    time.Duration
	RebalanceInterval   time.Duration
	StuckTaskAge        time.Duration
	EnableLearning      bool
	EnableAutoHealing   bool

	Queue    scheduler.QueueConfig
	Health   health.Config // Interval, Agents, Bus, Logger and OnReport are set by the orchestrator
	Learning LearningConfig
	Retry    RetryConfig

	Notifier Notifier                        // default logs
	Probe    func(ctx context.Context) error // reachability check for "reconnect" recovery
	Archive  Archive                         // optional
	// Snapshots an archive keeps when it implements SnapshotPruner
	// (default Health.HistoryCap, else 1000)
	ArchiveKeep int
	Logger      *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.ConcurrencyCeiling <= 0 {
		c.ConcurrencyCeiling = 4 * c.MaxConcurrentTasks
	}
	if c.ConcurrencyCeiling < c.MaxConcurrentTasks {
		c.ConcurrencyCeiling = c.MaxConcurrentTasks
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.LearningInterval <= 0 {
		c.LearningInterval = 5 * time.Minute
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 30 * time.Second
	}
	if c.StuckTaskAge <= 0 {
		c.StuckTaskAge = 5 * time.Minute
	}
	if c.Learning.FrequencyThreshold <= 0 {
		c.Learning.FrequencyThreshold = 10
	}
	if c.Learning.SlowTaskThreshold <= 0 {
		c.Learning.SlowTaskThreshold = 5 * time.Second
	}
	if c.Learning.SlowTaskCount <= 0 {
		c.Learning.SlowTaskCount = 3
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
	if c.ArchiveKeep <= 0 {
		c.ArchiveKeep = c.Health.HistoryCap
	}
	if c.ArchiveKeep <= 0 {
		c.ArchiveKeep = 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// execution is one dispatched attempt of a task.
type execution struct {
	task    scheduler.Task
	started time.Time
}

// Orchestrator owns the task queue, health monitor and event bus and runs
// tasks against the agent registry.
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	registry *agent.Registry
	queue    *scheduler.TaskQueue
	monitor  *health.Monitor
	bus      *events.EventBus
	breakers *breakerRegistry
	notifier Notifier
	probe    func(ctx context.Context) error

	inbox chan Message
	wake  chan struct{}

	mu            sync.Mutex
	running       bool
	stopped       bool
	maxConcurrent int
	active        map[string]*execution
	cancel        context.CancelFunc
	execCtx       context.Context
	execCancel    context.CancelFunc
	group         *errgroup.Group
	execWG        sync.WaitGroup

	learnMu  sync.Mutex
	learning LearningMetrics

	archivedSnapshots atomic.Int64
}

// New creates an orchestrator that routes tasks to agents in registry.
func New(cfg Config, registry *agent.Registry) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("agent registry is required")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:           cfg,
		logger:        cfg.Logger,
		registry:      registry,
		bus:           events.NewEventBus(),
		breakers:      newBreakerRegistry(cfg.Logger),
		notifier:      cfg.Notifier,
		inbox:         make(chan Message, inboxSize),
		wake:          make(chan struct{}, 1),
		maxConcurrent: cfg.MaxConcurrentTasks,
		active:        make(map[string]*execution),
	}
	if o.notifier == nil {
		o.notifier = logNotifier{logger: cfg.Logger}
	}

	qcfg := cfg.Queue
	if qcfg.Logger == nil {
		qcfg.Logger = cfg.Logger
	}
	o.queue = scheduler.NewTaskQueue(qcfg)

	hcfg := cfg.Health
	hcfg.Interval = cfg.HealthCheckInterval
	hcfg.Agents = o.agentReports
	hcfg.Bus = o.bus
	hcfg.Logger = cfg.Logger
	hcfg.OnReport = o.handleReport
	if hcfg.Sampler == nil {
		hcfg.Sampler = health.NewHostSampler("", "")
	}
	o.monitor = health.New(hcfg)

	o.probe = cfg.Probe
	if o.probe == nil {
		sampler := hcfg.Sampler
		o.probe = func(ctx context.Context) error {
			// Gauge errors are irrelevant here, only reachability counts
			s, _ := sampler.Sample(ctx)
			if !s.NetworkReachable {
				return errors.New("network unreachable")
			}
			return nil
		}
	}

	return o, nil
}

// Start launches the poll, health, inbox, learning and rebalance loops.
// In-flight executions outlive ctx until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrAlreadyRunning
	}
	if o.stopped {
		return ErrStopped
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.execCtx, o.execCancel = context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return o.pollLoop(gctx) })
	g.Go(func() error { return o.monitor.Run(gctx) })
	g.Go(func() error { return o.inboxLoop(gctx) })
	g.Go(func() error { return o.every(gctx, o.cfg.RebalanceInterval, o.queue.Rebalance) })
	if o.cfg.EnableLearning {
		g.Go(func() error { return o.every(gctx, o.cfg.LearningInterval, o.Learn) })
	}
	o.group = g
	o.running = true

	o.logger.Info("orchestrator started",
		"max_concurrent", o.maxConcurrent,
		"ceiling", o.cfg.ConcurrencyCeiling,
		"supervised", o.cfg.Supervised,
		"agents", len(o.registry.Names()))
	return nil
}

// Stop halts dispatch and waits for in-flight executions. If ctx expires
// first, executions are cancelled and Stop waits for them to return.
// The queue is closed afterwards, so tasks still waiting on dependencies stop
// being re-offered and further submissions fail with scheduler.ErrQueueClosed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	o.stopped = true
	cancel, g, execCancel := o.cancel, o.group, o.execCancel
	o.mu.Unlock()

	cancel()
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		o.execWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("stop deadline reached, cancelling executions", "active", o.activeCount())
		execCancel()
		<-done
	}
	execCancel()
	o.queue.Close()

	o.logger.Info("orchestrator stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Submit enqueues a task and returns its id. A missing id is generated.
// Completion is observed through events or Status.
func (o *Orchestrator) Submit(task scheduler.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if err := o.queue.CheckDependencies(task); err != nil {
		return "", fmt.Errorf("submitting %s: %w", task.ID, err)
	}
	task.RetryCount = 0
	if err := o.queue.Enqueue(task); err != nil {
		return "", fmt.Errorf("submitting %s: %w", task.ID, err)
	}
	o.signal()
	return task.ID, nil
}

// SetRoutingRule installs a rule by hand.
func (o *Orchestrator) SetRoutingRule(rule scheduler.RoutingRule) {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	o.queue.SetRule(rule)
}

// ResumeNonCritical lifts an emergency pause.
func (o *Orchestrator) ResumeNonCritical() {
	o.queue.ResumeNonCritical()
	o.signal()
}

// PauseNonCritical restricts dispatch to critical tasks.
func (o *Orchestrator) PauseNonCritical() {
	o.queue.PauseNonCritical()
}

// Events returns the bus all orchestrator events are published on.
func (o *Orchestrator) Events() *events.EventBus { return o.bus }

// Queue returns the underlying task queue.
func (o *Orchestrator) Queue() *scheduler.TaskQueue { return o.queue }

// Monitor returns the health monitor.
func (o *Orchestrator) Monitor() *health.Monitor { return o.monitor }

// Registry returns the agent registry.
func (o *Orchestrator) Registry() *agent.Registry { return o.registry }

// MaxConcurrent returns the current concurrency cap.
func (o *Orchestrator) MaxConcurrent() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxConcurrent
}

func (o *Orchestrator) activeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// signal wakes the poll loop without blocking.
func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// pollLoop dispatches on every tick or wake-up until ctx is done.
func (o *Orchestrator) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o.dispatch()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// dispatch dequeues until the cap is reached or nothing is eligible.
// Each task runs in its own goroutine.
func (o *Orchestrator) dispatch() {
	for {
		o.mu.Lock()
		if !o.running || len(o.active) >= o.maxConcurrent {
			o.mu.Unlock()
			return
		}
		task, ok := o.queue.Dequeue()
		if !ok {
			o.mu.Unlock()
			return
		}
		ex := &execution{task: task, started: time.Now()}
		o.active[task.ID] = ex
		o.execWG.Add(1)
		ctx := o.execCtx
		o.mu.Unlock()

		go o.execute(ctx, ex)
	}
}

// release drops ex from the active set. Returns false if the stuck-task
// sweep already took it, in which case its outcome must be discarded.
func (o *Orchestrator) release(ex *execution) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[ex.task.ID] != ex {
		return false
	}
	delete(o.active, ex.task.ID)
	return true
}

// owns reports whether ex is still the live execution for its task.
func (o *Orchestrator) owns(ex *execution) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[ex.task.ID] == ex
}

// every runs fn on each tick of interval until ctx is done.
func (o *Orchestrator) every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// agentReports adapts registry state for the health monitor.
func (o *Orchestrator) agentReports() []health.AgentReport {
	status := o.registry.HealthStatus()
	reports := o.registry.Reports()
	out := make([]health.AgentReport, 0, len(reports))
	for _, r := range reports {
		out = append(out, health.AgentReport{
			Name:            r.Name,
			Healthy:         status[r.Name] == agent.Healthy,
			LastActive:      r.Metrics.LastActive,
			Errors:          r.Metrics.Errors,
			AvgResponseTime: r.Metrics.AvgResponseTime,
		})
	}
	return out
}

// archiveTimeout bounds each best-effort archive write.
const archiveTimeout = 5 * time.Second

// pruneEvery is how many archived snapshots pass between prunes.
const pruneEvery = 50

func (o *Orchestrator) archiveTask(task scheduler.Task) {
	if o.cfg.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := o.cfg.Archive.RecordTask(ctx, task); err != nil {
		o.logger.Warn("archiving task failed", "task", task.ID, "err", err)
	}
}

func (o *Orchestrator) archiveSnapshot(snap health.Snapshot) {
	if o.cfg.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := o.cfg.Archive.RecordSnapshot(ctx, snap); err != nil {
		o.logger.Warn("archiving health snapshot failed", "err", err)
		return
	}

	pruner, ok := o.cfg.Archive.(SnapshotPruner)
	if !ok || o.archivedSnapshots.Add(1)%pruneEvery != 0 {
		return
	}
	if err := pruner.PruneSnapshots(ctx, o.cfg.ArchiveKeep); err != nil {
		o.logger.Warn("pruning archived snapshots failed", "err", err)
	}
}
