package scheduler

import (
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
)

// ErrDependencyCycle is returned when task dependencies form a cycle.
var ErrDependencyCycle = errors.New("dependency cycle")

// ValidateDependencies topologically sorts a batch of tasks using gammazero/toposort.
// Returns task IDs in an order that satisfies every dependency, or
// ErrDependencyCycle. Dependencies outside the batch are allowed; they are
// resolved against the queue at runtime.
func ValidateDependencies(tasks []Task) ([]string, error) {
	known := make(map[string]bool, len(tasks))
	var edges []toposort.Edge

	for _, task := range tasks {
		if known[task.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		known[task.ID] = true

		if len(task.DependsOn) == 0 {
			// Edge from nil keeps isolated tasks in the result
			edges = append(edges, toposort.Edge{nil, task.ID})
			continue
		}
		for _, depID := range task.DependsOn {
			if depID == task.ID {
				return nil, fmt.Errorf("%w: task %q depends on itself", ErrDependencyCycle, task.ID)
			}
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		if s := id.(string); known[s] {
			order = append(order, s)
		}
	}
	return order, nil
}

// MissingDependencies returns, per task, the dependency IDs not present in the batch.
func MissingDependencies(tasks []Task) map[string][]string {
	known := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		known[task.ID] = true
	}

	missing := make(map[string][]string)
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if !known[depID] {
				missing[task.ID] = append(missing[task.ID], depID)
			}
		}
	}
	return missing
}

// CheckDependencies reports whether adding candidate would close a dependency
// cycle among the tasks currently live in the queue.
func (q *TaskQueue) CheckDependencies(candidate Task) error {
	q.mu.Lock()
	batch := make([]Task, 0, len(q.live)+1)
	for id, t := range q.live {
		if id == candidate.ID {
			continue
		}
		batch = append(batch, Task{ID: t.ID, DependsOn: cloneStrings(t.DependsOn)})
	}
	q.mu.Unlock()

	batch = append(batch, Task{ID: candidate.ID, DependsOn: candidate.DependsOn})
	_, err := ValidateDependencies(batch)
	return err
}
