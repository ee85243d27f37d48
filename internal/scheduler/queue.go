package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrQueuePaused is returned by Enqueue while the queue is paused.
	ErrQueuePaused = errors.New("queue is paused")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrDuplicateTask is returned when a task with the same ID is still live.
	ErrDuplicateTask = errors.New("task already queued")
	// ErrInvalidTask is returned for tasks without an ID.
	ErrInvalidTask = errors.New("invalid task")
)

// Clock abstracts time so tests can control task ages and deadlines.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// QueueConfig configures a TaskQueue.
type QueueConfig struct {
	HistoryCap           int           // Terminal records kept (default 1000)
	DependencyRetryDelay time.Duration // Delay before re-offering a task with unmet dependencies (default 1s)
	AgeThreshold         time.Duration // Pending age that earns a one-level promotion (default 5m)
	DeadlineWindow       time.Duration // Deadlines this close force critical priority (default 1m)
	DropWhenPaused       bool          // Silently drop enqueues while paused instead of returning ErrQueuePaused
	Clock                Clock
	Logger               *slog.Logger
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		HistoryCap:           1000,
		DependencyRetryDelay: time.Second,
		AgeThreshold:         5 * time.Minute,
		DeadlineWindow:       time.Minute,
	}
}

// QueueMetrics is a point-in-time view of queue state.
type QueueMetrics struct {
	Depth             map[Priority]int
	TotalDepth        int
	Waiting           int // Deferred on unmet dependencies
	InFlight          int
	TotalEnqueued     int
	TotalCompleted    int
	TotalFailed       int
	TotalProcessed    int
	AvgWaitTime       time.Duration
	AvgProcessingTime time.Duration
	OldestPendingID   string
	OldestPendingAge  time.Duration
	Overdue           int
	Paused            bool
	NonCriticalPaused bool
}

// TaskQueue holds pending tasks in four FIFO sub-queues, one per priority.
// All methods are safe for concurrent use.
type TaskQueue struct {
	mu     sync.Mutex
	cfg    QueueConfig
	clock  Clock
	logger *slog.Logger

	queues   map[Priority][]*Task
	waiting  map[string]*Task       // deferred on dependencies
	timers   map[string]*time.Timer // deferred re-offers
	inflight map[string]*Task       // dequeued, not yet completed
	live     map[string]*Task       // union of queued, waiting and inflight
	history  []Task
	rules    map[string]RoutingRule

	paused            bool
	nonCriticalPaused bool
	closed            bool

	enqueued       int
	dequeued       int
	completed      int
	failed         int
	timedProcessed int
	avgWait        time.Duration
	avgProcessing  time.Duration
}

// NewTaskQueue creates an empty queue. Zero config fields take defaults.
func NewTaskQueue(cfg QueueConfig) *TaskQueue {
	def := DefaultQueueConfig()
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.DependencyRetryDelay <= 0 {
		cfg.DependencyRetryDelay = def.DependencyRetryDelay
	}
	if cfg.AgeThreshold <= 0 {
		cfg.AgeThreshold = def.AgeThreshold
	}
	if cfg.DeadlineWindow <= 0 {
		cfg.DeadlineWindow = def.DeadlineWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &TaskQueue{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		queues:   make(map[Priority][]*Task, len(Priorities)),
		waiting:  make(map[string]*Task),
		timers:   make(map[string]*time.Timer),
		inflight: make(map[string]*Task),
		live:     make(map[string]*Task),
		rules:    make(map[string]RoutingRule),
	}
	return q
}

// Enqueue offers a task to the queue.
//
// While paused it returns ErrQueuePaused, or drops the task and returns nil
// when DropWhenPaused is set. A task with unmet dependencies is parked and
// re-offered every DependencyRetryDelay until they complete.
func (q *TaskQueue) Enqueue(task Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, exists := q.live[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	t := cloneTask(&task)
	_, err := q.enqueueLocked(&t)
	return err
}

// enqueueLocked returns whether the task was accepted (queued or deferred).
func (q *TaskQueue) enqueueLocked(t *Task) (bool, error) {
	if q.paused {
		if q.cfg.DropWhenPaused {
			q.logger.Warn("queue paused, dropping task", "task", t.ID)
			return false, nil
		}
		return false, ErrQueuePaused
	}

	t.Status = TaskPending
	if !q.dependenciesMetLocked(t) {
		q.deferLocked(t)
		return true, nil
	}

	q.pushLocked(t)
	return true, nil
}

// pushLocked applies routing rules and appends t to its sub-queue.
func (q *TaskQueue) pushLocked(t *Task) {
	now := q.clock.Now()

	if rule, ok := q.rules[t.Type]; ok && t.Type != "" {
		rule.apply(t, now)
	}
	if !t.Priority.Valid() {
		t.Priority = PriorityMedium
	}

	t.BasePriority = t.Priority
	t.Status = TaskPending
	t.EnqueuedAt = now

	q.queues[t.Priority] = append(q.queues[t.Priority], t)
	q.live[t.ID] = t
	q.enqueued++
}

// dependenciesMetLocked reports whether every dependency's latest record is completed.
func (q *TaskQueue) dependenciesMetLocked(t *Task) bool {
	for _, depID := range t.DependsOn {
		if _, live := q.live[depID]; live {
			return false
		}
		rec, ok := q.latestLocked(depID)
		if !ok || rec.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (q *TaskQueue) deferLocked(t *Task) {
	q.waiting[t.ID] = t
	q.live[t.ID] = t
	q.scheduleRetryLocked(t.ID)
	q.logger.Debug("task deferred on dependencies", "task", t.ID, "depends_on", t.DependsOn)
}

func (q *TaskQueue) scheduleRetryLocked(id string) {
	if old, ok := q.timers[id]; ok {
		old.Stop()
	}
	q.timers[id] = time.AfterFunc(q.cfg.DependencyRetryDelay, func() {
		q.retryDeferred(id)
	})
}

// retryDeferred re-offers a parked task. Paused queues keep the task parked.
func (q *TaskQueue) retryDeferred(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.waiting[id]
	if !ok || q.closed {
		return
	}
	delete(q.timers, id)

	if q.paused || !q.dependenciesMetLocked(t) {
		q.scheduleRetryLocked(id)
		return
	}

	delete(q.waiting, id)
	q.pushLocked(t)
}

// Dequeue removes the next task in strict priority order.
// Returns false when the queue is paused or nothing is eligible.
func (q *TaskQueue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return Task{}, false
	}

	for _, p := range Priorities {
		if q.nonCriticalPaused && p != PriorityCritical {
			break
		}
		sub := q.queues[p]
		if len(sub) == 0 {
			continue
		}

		t := sub[0]
		sub[0] = nil
		q.queues[p] = sub[1:]

		now := q.clock.Now()
		t.StartedAt = now
		t.Status = TaskProcessing
		q.inflight[t.ID] = t

		q.dequeued++
		q.avgWait = runningMean(q.avgWait, now.Sub(t.EnqueuedAt), q.dequeued)

		return cloneTask(t), true
	}

	return Task{}, false
}

// Assign records which agents executed an in-flight task.
func (q *TaskQueue) Assign(id string, agents []string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.inflight[id]
	if !ok {
		return false
	}
	t.Agents = cloneStrings(agents)
	return true
}

// Complete marks a live task completed or failed and moves it to history.
// Returns false if the task is unknown or already terminal.
func (q *TaskQueue) Complete(id string, success bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.removeLiveLocked(id)
	if !ok {
		return false
	}

	now := q.clock.Now()
	t.CompletedAt = now
	if success {
		t.Status = TaskCompleted
		q.completed++
	} else {
		t.Status = TaskFailed
		q.failed++
	}

	if !t.StartedAt.IsZero() {
		q.timedProcessed++
		q.avgProcessing = runningMean(q.avgProcessing, now.Sub(t.StartedAt), q.timedProcessed)
	}

	q.appendHistoryLocked(cloneTask(t))
	return true
}

// removeLiveLocked detaches a task from wherever it lives: in-flight first,
// then the sub-queues, then the dependency waiting set.
func (q *TaskQueue) removeLiveLocked(id string) (*Task, bool) {
	t, ok := q.live[id]
	if !ok {
		return nil, false
	}
	delete(q.live, id)

	if _, ok := q.inflight[id]; ok {
		delete(q.inflight, id)
		return t, true
	}

	for _, p := range Priorities {
		sub := q.queues[p]
		for i, queued := range sub {
			if queued.ID == id {
				q.queues[p] = append(sub[:i], sub[i+1:]...)
				return t, true
			}
		}
	}

	delete(q.waiting, id)
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
	return t, true
}

func (q *TaskQueue) appendHistoryLocked(t Task) {
	q.history = append(q.history, t)
	if over := len(q.history) - q.cfg.HistoryCap; over > 0 {
		// Evict oldest; copy so the backing array does not grow unbounded.
		trimmed := make([]Task, q.cfg.HistoryCap)
		copy(trimmed, q.history[over:])
		q.history = trimmed
	}
}

// latestLocked returns the most recent history record for id.
func (q *TaskQueue) latestLocked(id string) (Task, bool) {
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			return q.history[i], true
		}
	}
	return Task{}, false
}

// Requeue returns a failed task to the pending state.
// Only valid when the task's latest record is failed and it is not live.
func (q *TaskQueue) Requeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, live := q.live[id]; live {
		return false
	}
	rec, ok := q.latestLocked(id)
	if !ok || rec.Status != TaskFailed {
		return false
	}

	t := cloneTask(&rec)
	t.RetryCount++
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	t.Agents = nil

	accepted, err := q.enqueueLocked(&t)
	if err != nil {
		q.logger.Warn("requeue rejected", "task", id, "err", err)
		return false
	}
	return accepted
}

// Rebalance recomputes the priority of every queued task.
//
// A task pending longer than AgeThreshold is promoted one level above the
// priority it was enqueued with; a deadline within DeadlineWindow forces
// critical. Targets derive from the enqueue priority, so repeated calls are
// idempotent.
func (q *TaskQueue) Rebalance() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()

	var all []*Task
	for _, p := range Priorities {
		all = append(all, q.queues[p]...)
		q.queues[p] = nil
	}

	moved := 0
	for _, t := range all {
		target := t.BasePriority
		if now.Sub(t.EnqueuedAt) > q.cfg.AgeThreshold {
			target = target.promote()
		}
		if t.HasDeadline() && t.Deadline.Sub(now) <= q.cfg.DeadlineWindow {
			target = PriorityCritical
		}
		if t.Priority.rank() > target.rank() {
			target = t.Priority
		}
		if target != t.Priority {
			moved++
		}
		t.Priority = target
		q.queues[target] = append(q.queues[target], t)
	}

	if moved > 0 {
		q.logger.Debug("queue rebalanced", "promoted", moved)
	}
}

// Pause stops enqueue and dequeue.
func (q *TaskQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume lifts Pause.
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// PauseNonCritical restricts Dequeue to critical tasks.
func (q *TaskQueue) PauseNonCritical() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nonCriticalPaused = true
}

// ResumeNonCritical lifts PauseNonCritical.
func (q *TaskQueue) ResumeNonCritical() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nonCriticalPaused = false
}

// Get returns the live task or its latest history record.
func (q *TaskQueue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.live[id]; ok {
		return cloneTask(t), true
	}
	return q.latestLocked(id)
}

// History returns a copy of the terminal records, oldest first.
func (q *TaskQueue) History() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, len(q.history))
	for i := range q.history {
		out[i] = cloneTask(&q.history[i])
	}
	return out
}

// Pending returns copies of the queued tasks in dequeue order.
func (q *TaskQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, p := range Priorities {
		for _, t := range q.queues[p] {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// Waiting returns copies of the tasks deferred on unmet dependencies, sorted by id.
func (q *TaskQueue) Waiting() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, len(q.waiting))
	for _, t := range q.waiting {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of queued tasks, excluding deferred and in-flight ones.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, p := range Priorities {
		n += len(q.queues[p])
	}
	return n
}

// Metrics returns a snapshot of queue statistics.
func (q *TaskQueue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	m := QueueMetrics{
		Depth:             make(map[Priority]int, len(Priorities)),
		Waiting:           len(q.waiting),
		InFlight:          len(q.inflight),
		TotalEnqueued:     q.enqueued,
		TotalCompleted:    q.completed,
		TotalFailed:       q.failed,
		TotalProcessed:    q.completed + q.failed,
		AvgWaitTime:       q.avgWait,
		AvgProcessingTime: q.avgProcessing,
		Paused:            q.paused,
		NonCriticalPaused: q.nonCriticalPaused,
	}

	var oldest *Task
	for _, p := range Priorities {
		m.Depth[p] = len(q.queues[p])
		m.TotalDepth += len(q.queues[p])
		for _, t := range q.queues[p] {
			if oldest == nil || t.EnqueuedAt.Before(oldest.EnqueuedAt) {
				oldest = t
			}
		}
	}
	if oldest != nil {
		m.OldestPendingID = oldest.ID
		m.OldestPendingAge = now.Sub(oldest.EnqueuedAt)
	}

	for _, t := range q.live {
		if t.HasDeadline() && now.After(t.Deadline) {
			m.Overdue++
		}
	}

	return m
}

// Close stops deferred re-offers and rejects further enqueues.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

// runningMean folds sample x into avg as the n-th observation.
func runningMean(avg, x time.Duration, n int) time.Duration {
	if n <= 1 {
		return x
	}
	return time.Duration((float64(avg)*float64(n-1) + float64(x)) / float64(n))
}
