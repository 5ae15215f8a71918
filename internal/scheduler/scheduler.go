package scheduler

import (
	"fmt"
	"sync"
)

// Scheduler serializes access to the task graph and the ready queue. Tasks
// flow pending -> ready -> assigned -> executing -> completed/failed, with
// blocked for tasks downstream of a failure.
type Scheduler struct {
	mu    sync.Mutex
	graph *Graph
	ready *readyQueue
}

func New() *Scheduler {
	return &Scheduler{
		graph: NewGraph(),
		ready: newReadyQueue(),
	}
}

// Submit validates a batch against the dependency graph and promotes any
// immediately runnable tasks to the ready queue.
func (s *Scheduler) Submit(tasks []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.graph.Add(tasks); err != nil {
		return fmt.Errorf("submit tasks: %w", err)
	}
	s.promoteLocked()
	return nil
}

func (s *Scheduler) promoteLocked() {
	for _, t := range s.graph.ReadyPending() {
		t.Status = StatusReady
		s.ready.push(t)
	}
}

// Dequeue pops the highest-priority runnable task, or nil when none is ready.
func (s *Scheduler) Dequeue() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.pop()
}

// Requeue returns a dequeued but never-executed task to the ready queue.
func (s *Scheduler) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.graph.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status == StatusCancelled {
		return fmt.Errorf("%w: %s", ErrTaskCancelled, id)
	}
	t.Status = StatusReady
	t.AgentID = ""
	if !s.ready.contains(id) {
		s.ready.push(t)
	}
	return nil
}

func (s *Scheduler) MarkAssigned(id, agentID string) error {
	return s.setStatus(id, StatusAssigned, agentID)
}

func (s *Scheduler) MarkExecuting(id string) error {
	return s.setStatus(id, StatusExecuting, "")
}

// setStatus applies a non-terminal transition; a cancelled task refuses every
// further transition.
func (s *Scheduler) setStatus(id string, status TaskStatus, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.graph.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status == StatusCancelled {
		return fmt.Errorf("%w: %s", ErrTaskCancelled, id)
	}
	t.Status = status
	if agentID != "" {
		t.AgentID = agentID
	}
	return nil
}

// Complete finishes a task and promotes dependents that became runnable.
func (s *Scheduler) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.graph.MarkCompleted(id); err != nil {
		return err
	}
	s.promoteLocked()
	return nil
}

// Fail records a failure and returns the ids of tasks blocked by it.
func (s *Scheduler) Fail(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocked, err := s.graph.MarkFailed(id)
	if err != nil {
		return nil, err
	}
	for _, b := range blocked {
		s.ready.remove(b)
	}
	return blocked, nil
}

// Cancel cancels a task and every dependent that can no longer run,
// returning the cancelled ids. Cancelled tasks leave the ready queue and
// refuse all further transitions.
func (s *Scheduler) Cancel(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled, err := s.graph.MarkCancelled(id)
	if err != nil {
		return nil, err
	}
	for _, cid := range cancelled {
		s.ready.remove(cid)
	}
	return cancelled, nil
}

// Retry returns a failed task to the pool. Its blocked dependents become
// pending again and run once the retried task completes.
func (s *Scheduler) Retry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.graph.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := s.graph.Reset(id); err != nil {
		return err
	}
	t.Retries++
	for _, other := range s.graph.Tasks() {
		if other.Status == StatusBlocked {
			other.Status = StatusPending
		}
	}
	s.promoteLocked()
	return nil
}

func (s *Scheduler) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.graph.Get(id)
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	graph := s.graph.Tasks()
	out := make([]Task, 0, len(graph))
	for _, t := range graph {
		out = append(out, *t)
	}
	return out
}

func (s *Scheduler) CountsByStatus() map[TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.CountsByStatus()
}

func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Done()
}
