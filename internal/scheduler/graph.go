// Package scheduler orders tasks by dependency and priority and keeps agent
// workloads level through work stealing.
package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCyclicDependency  = errors.New("cyclic task dependency")
	ErrUnknownTask       = errors.New("unknown task")
	ErrUnknownDependency = errors.New("dependency references unknown task")
	ErrDuplicateTask     = errors.New("task already submitted")
	ErrTaskCancelled     = errors.New("task cancelled")
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusReady     TaskStatus = "ready"
	StatusAssigned  TaskStatus = "assigned"
	StatusExecuting TaskStatus = "executing"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusBlocked   TaskStatus = "blocked"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Task struct {
	ID          string
	Type        string
	Description string
	Priority    int
	DependsOn   []string
	Status      TaskStatus
	AgentID     string
	Retries     int
	Deadline    *time.Time
	CreatedAt   time.Time

	seq int64 // submission order, breaks priority ties
}

// Graph tracks tasks and their dependency edges. Not safe for concurrent use;
// the Scheduler serializes access.
type Graph struct {
	tasks      map[string]*Task
	dependents map[string][]string // dep id -> tasks waiting on it
	nextSeq    int64
}

func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// Add inserts a batch of tasks atomically. Dependencies may point at tasks in
// the same batch or already in the graph; a cycle rejects the whole batch.
func (g *Graph) Add(tasks []*Task) error {
	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
	}
	staged := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		staged[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; ok {
				continue
			}
			if _, ok := staged[dep]; ok {
				continue
			}
			return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
		}
	}
	if err := g.validateAcyclic(staged); err != nil {
		return err
	}

	now := time.Now()
	for _, t := range tasks {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.Status = StatusPending
		g.nextSeq++
		t.seq = g.nextSeq
		g.tasks[t.ID] = t
		for _, dep := range t.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	return nil
}

// validateAcyclic runs Kahn's algorithm over the existing graph plus the
// staged batch; leftover nodes mean a cycle.
func (g *Graph) validateAcyclic(staged map[string]*Task) error {
	indegree := make(map[string]int)
	edges := make(map[string][]string)

	addEdges := func(t *Task) {
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			edges[dep] = append(edges[dep], t.ID)
			indegree[t.ID]++
		}
	}
	for _, t := range g.tasks {
		addEdges(t)
	}
	for _, t := range staged {
		addEdges(t)
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indegree) {
		return ErrCyclicDependency
	}
	return nil
}

func (g *Graph) Get(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

// ReadyPending returns pending tasks whose dependencies have all completed.
func (g *Graph) ReadyPending() []*Task {
	var out []*Task
	for _, t := range g.tasks {
		if t.Status != StatusPending {
			continue
		}
		if g.depsCompleted(t) {
			out = append(out, t)
		}
	}
	return out
}

func (g *Graph) depsCompleted(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkFailed records the failure and blocks every transitive dependent that
// can no longer run.
func (g *Graph) MarkFailed(id string) ([]string, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: %s", ErrTaskCancelled, id)
	}
	t.Status = StatusFailed

	var blocked []string
	queue := append([]string(nil), g.dependents[id]...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		d, ok := g.tasks[next]
		if !ok || d.Status.Terminal() {
			continue
		}
		d.Status = StatusBlocked
		blocked = append(blocked, next)
		queue = append(queue, g.dependents[next]...)
	}
	return blocked, nil
}

func (g *Graph) MarkCompleted(id string) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status == StatusCancelled {
		return fmt.Errorf("%w: %s", ErrTaskCancelled, id)
	}
	t.Status = StatusCompleted
	return nil
}

// MarkCancelled cancels a task and every transitive dependent that has not
// reached a terminal state, returning the ids it cancelled. Cancelling a
// terminal task is a no-op.
func (g *Graph) MarkCancelled(id string) ([]string, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	var cancelled []string
	if !t.Status.Terminal() {
		t.Status = StatusCancelled
		cancelled = append(cancelled, id)
	}
	queue := append([]string(nil), g.dependents[id]...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		d, ok := g.tasks[next]
		if !ok || d.Status.Terminal() {
			continue
		}
		d.Status = StatusCancelled
		cancelled = append(cancelled, next)
		queue = append(queue, g.dependents[next]...)
	}
	return cancelled, nil
}

// Reset returns a failed or blocked task to pending for a retry attempt.
func (g *Graph) Reset(id string) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status == StatusCancelled {
		return fmt.Errorf("%w: %s", ErrTaskCancelled, id)
	}
	t.Status = StatusPending
	t.AgentID = ""
	return nil
}

func (g *Graph) CountsByStatus() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}

// Done reports whether every task has reached a terminal or blocked state.
func (g *Graph) Done() bool {
	for _, t := range g.tasks {
		if !t.Status.Terminal() && t.Status != StatusBlocked {
			return false
		}
	}
	return true
}
