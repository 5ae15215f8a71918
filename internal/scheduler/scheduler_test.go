package scheduler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mtzanidakis/hived/internal/config"
)

func TestSubmit_CycleDetection(t *testing.T) {
	s := New()
	err := s.Submit([]*Task{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if len(s.Tasks()) != 0 {
		t.Error("rejected batch must not leave tasks behind")
	}
}

func TestSubmit_SelfCycle(t *testing.T) {
	s := New()
	err := s.Submit([]*Task{{ID: "a", DependsOn: []string{"a"}}})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestSubmit_UnknownDependency(t *testing.T) {
	s := New()
	err := s.Submit([]*Task{{ID: "a", DependsOn: []string{"ghost"}}})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestSubmit_DuplicateID(t *testing.T) {
	s := New()
	if err := s.Submit([]*Task{{ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit([]*Task{{ID: "a"}}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestReadyGating(t *testing.T) {
	s := New()
	if err := s.Submit([]*Task{
		{ID: "design"},
		{ID: "implement", DependsOn: []string{"design"}},
		{ID: "test", DependsOn: []string{"implement"}},
	}); err != nil {
		t.Fatal(err)
	}

	first := s.Dequeue()
	if first == nil || first.ID != "design" {
		t.Fatalf("expected design first, got %+v", first)
	}
	if next := s.Dequeue(); next != nil {
		t.Fatalf("implement must wait for design, got %s", next.ID)
	}

	if err := s.Complete("design"); err != nil {
		t.Fatal(err)
	}
	second := s.Dequeue()
	if second == nil || second.ID != "implement" {
		t.Fatalf("expected implement after design completes, got %+v", second)
	}
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	s := New()
	if err := s.Submit([]*Task{
		{ID: "low", Priority: 1},
		{ID: "first-high", Priority: 5},
		{ID: "second-high", Priority: 5},
	}); err != nil {
		t.Fatal(err)
	}

	want := []string{"first-high", "second-high", "low"}
	for _, id := range want {
		got := s.Dequeue()
		if got == nil || got.ID != id {
			t.Fatalf("expected %s, got %+v", id, got)
		}
	}
}

func TestFailureBlocksDependents(t *testing.T) {
	s := New()
	if err := s.Submit([]*Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
		{ID: "unrelated"},
	}); err != nil {
		t.Fatal(err)
	}

	blocked, err := s.Fail("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 2 {
		t.Fatalf("expected b and c blocked, got %v", blocked)
	}
	if task, _ := s.Get("unrelated"); task.Status == StatusBlocked {
		t.Error("unrelated task must not be blocked")
	}
}

func TestRetryUnblocks(t *testing.T) {
	s := New()
	if err := s.Submit([]*Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}); err != nil {
		t.Fatal(err)
	}
	s.Dequeue()
	if _, err := s.Fail("a"); err != nil {
		t.Fatal(err)
	}

	if err := s.Retry("a"); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Get("a")
	if a.Retries != 1 {
		t.Errorf("expected retry count 1, got %d", a.Retries)
	}

	got := s.Dequeue()
	if got == nil || got.ID != "a" {
		t.Fatalf("expected retried a runnable, got %+v", got)
	}
	s.Complete("a")
	got = s.Dequeue()
	if got == nil || got.ID != "b" {
		t.Fatalf("expected b runnable after retried a completes, got %+v", got)
	}
}

func TestDone(t *testing.T) {
	s := New()
	s.Submit([]*Task{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}})
	if s.Done() {
		t.Error("not done with pending tasks")
	}
	s.Fail("a") // blocks b
	if !s.Done() {
		t.Error("failed plus blocked is terminal")
	}
}

func TestCancelPropagatesToDependents(t *testing.T) {
	s := New()
	if err := s.Submit([]*Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
		{ID: "unrelated"},
	}); err != nil {
		t.Fatal(err)
	}

	cancelled, err := s.Cancel("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(cancelled) != 3 {
		t.Fatalf("expected a, b, c cancelled, got %v", cancelled)
	}
	for _, id := range []string{"a", "b", "c"} {
		if task, _ := s.Get(id); task.Status != StatusCancelled {
			t.Errorf("expected %s cancelled, got %s", id, task.Status)
		}
	}
	if task, _ := s.Get("unrelated"); task.Status == StatusCancelled {
		t.Error("unrelated task must not be cancelled")
	}

	// The cancelled chain leaves the ready queue and counts as settled
	if got := s.Dequeue(); got == nil || got.ID != "unrelated" {
		t.Fatalf("expected only unrelated runnable, got %+v", got)
	}
	s.Complete("unrelated")
	if !s.Done() {
		t.Error("cancelled tasks are terminal")
	}
}

func TestCancelledTaskRefusesTransitions(t *testing.T) {
	s := New()
	if err := s.Submit([]*Task{{ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel("a"); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkAssigned("a", "agent"); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("expected ErrTaskCancelled on assign, got %v", err)
	}
	if err := s.MarkExecuting("a"); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("expected ErrTaskCancelled on execute, got %v", err)
	}
	if err := s.Complete("a"); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("expected ErrTaskCancelled on complete, got %v", err)
	}
	if err := s.Requeue("a"); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("expected ErrTaskCancelled on requeue, got %v", err)
	}
	if err := s.Retry("a"); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("expected ErrTaskCancelled on retry, got %v", err)
	}

	// Cancelling again is a no-op, not an error
	cancelled, err := s.Cancel("a")
	if err != nil || len(cancelled) != 0 {
		t.Errorf("expected idempotent cancel, got %v %v", cancelled, err)
	}
}

func TestCancelCompletedTaskIsNoOp(t *testing.T) {
	s := New()
	if err := s.Submit([]*Task{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}); err != nil {
		t.Fatal(err)
	}
	s.Dequeue()
	if err := s.Complete("a"); err != nil {
		t.Fatal(err)
	}

	cancelled, err := s.Cancel("a")
	if err != nil {
		t.Fatal(err)
	}
	// The completed task keeps its status; the still-runnable dependent goes
	if len(cancelled) != 1 || cancelled[0] != "b" {
		t.Fatalf("expected only b cancelled, got %v", cancelled)
	}
	if task, _ := s.Get("a"); task.Status != StatusCompleted {
		t.Errorf("completed task must stay completed, got %s", task.Status)
	}
}

func balancerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Weights: config.BalanceWeights{
			QueueDepth:  0.4,
			Utilization: 0.2,
			Affinity:    0.2,
			Throughput:  0.2,
		},
		StealThreshold: 1.5,
		MaxStealBatch:  3,
	}
}

func TestRebalanceSteal(t *testing.T) {
	b := NewBalancer(balancerConfig(), nil, nil, nil)
	b.Track("a")
	b.Track("b")
	for i := 0; i < 10; i++ {
		b.Assign("a", &Task{ID: fmt.Sprintf("t%d", i), Type: "implement"})
	}

	moves := b.Rebalance()
	if len(moves) != 3 {
		t.Fatalf("expected a batch of 3 steals, got %d", len(moves))
	}
	if b.QueueDepth("a") != 7 || b.QueueDepth("b") != 3 {
		t.Errorf("expected depths 7/3 after steal, got %d/%d", b.QueueDepth("a"), b.QueueDepth("b"))
	}
	for _, m := range moves {
		if m.From != "a" || m.To != "b" {
			t.Errorf("unexpected move %+v", m)
		}
	}

	// Most recently queued go first
	if moves[0].TaskID != "t9" {
		t.Errorf("expected newest task stolen first, got %s", moves[0].TaskID)
	}
}

func TestRebalanceNeverStealsExecuting(t *testing.T) {
	b := NewBalancer(balancerConfig(), nil, nil, nil)
	b.Track("a")
	b.Track("b")
	for i := 0; i < 4; i++ {
		b.Assign("a", &Task{ID: fmt.Sprintf("t%d", i)})
	}
	b.StartExecuting("a", "t3")

	moves := b.Rebalance()
	for _, m := range moves {
		if m.TaskID == "t3" {
			t.Fatal("stole an executing task")
		}
	}
}

func TestRebalanceSkipsIneligibleTargets(t *testing.T) {
	down := map[string]bool{"b": true}
	b := NewBalancer(balancerConfig(), nil, nil, func(id string) bool { return !down[id] })
	b.Track("a")
	b.Track("b")
	for i := 0; i < 10; i++ {
		b.Assign("a", &Task{ID: fmt.Sprintf("t%d", i), Type: "implement"})
	}

	// The only other agent is ineligible, so nothing moves
	if moves := b.Rebalance(); len(moves) != 0 {
		t.Fatalf("expected no steals with only an ineligible target, got %v", moves)
	}
	if b.QueueDepth("b") != 0 {
		t.Errorf("ineligible agent received work, depth %d", b.QueueDepth("b"))
	}

	b.Track("c")
	moves := b.Rebalance()
	if len(moves) != 3 {
		t.Fatalf("expected 3 steals once an eligible target exists, got %d", len(moves))
	}
	for _, m := range moves {
		if m.To != "c" {
			t.Errorf("stole to %s, want c", m.To)
		}
	}
	if b.QueueDepth("b") != 0 {
		t.Errorf("ineligible agent received work, depth %d", b.QueueDepth("b"))
	}
}

func TestRebalanceBalancedSwarmIsQuiet(t *testing.T) {
	b := NewBalancer(balancerConfig(), nil, nil, nil)
	b.Track("a")
	b.Track("b")
	b.Assign("a", &Task{ID: "t1"})
	b.Assign("b", &Task{ID: "t2"})

	if moves := b.Rebalance(); len(moves) != 0 {
		t.Errorf("expected no steals on a balanced swarm, got %v", moves)
	}
}

func TestLoadsReflectWeights(t *testing.T) {
	b := NewBalancer(balancerConfig(), nil, nil, nil)
	b.Track("busy")
	b.Track("idle")
	b.Assign("busy", &Task{ID: "t1"})
	b.Assign("busy", &Task{ID: "t2"})

	loads := b.Loads()
	if loads["busy"] <= loads["idle"] {
		t.Errorf("expected busy agent to score higher: %v", loads)
	}

	// An executing task raises utilization
	before := loads["busy"]
	b.StartExecuting("busy", "t1")
	if after := b.Loads()["busy"]; after <= before {
		t.Errorf("expected utilization to raise score: %v -> %v", before, after)
	}
}

func TestUntrackReturnsQueuedTasks(t *testing.T) {
	b := NewBalancer(balancerConfig(), nil, nil, nil)
	b.Track("a")
	b.Assign("a", &Task{ID: "t1"})
	b.Assign("a", &Task{ID: "t2"})

	orphans := b.Untrack("a")
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphaned tasks, got %d", len(orphans))
	}
	if b.QueueDepth("a") != 0 {
		t.Error("untracked agent must have no queue")
	}
}
