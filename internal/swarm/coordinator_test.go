package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/hived/internal/bus"
	"github.com/mtzanidakis/hived/internal/config"
	"github.com/mtzanidakis/hived/internal/consensus"
	"github.com/mtzanidakis/hived/internal/memory"
	"github.com/mtzanidakis/hived/internal/registry"
	"github.com/mtzanidakis/hived/internal/scheduler"
	"github.com/mtzanidakis/hived/internal/store"
)

func testCoordinatorConfig() config.Config {
	return config.Config{
		Swarm: config.SwarmConfig{
			Name:              "test-swarm",
			MaxAgents:         8,
			MaxRetries:        1,
			TaskTimeout:       5 * time.Second,
			GracePeriod:       2 * time.Second,
			HeartbeatInterval: 50 * time.Millisecond,
			HeartbeatTimeout:  time.Second,
			HealthInterval:    time.Hour,
			RebalanceInterval: time.Hour,
		},
		Memory: config.MemoryConfig{
			MaxEntries:        1000,
			MaxBytes:          1 << 20,
			CompressThreshold: 1024,
		},
		Consensus: config.ConsensusConfig{
			Quorum:      0.51,
			VoteTimeout: time.Minute,
		},
		Scheduler: config.SchedulerConfig{
			Weights: config.BalanceWeights{
				QueueDepth:  0.4,
				Utilization: 0.2,
				Affinity:    0.2,
				Throughput:  0.2,
			},
			StealThreshold: 1.5,
			MaxStealBatch:  3,
		},
	}
}

func newTestCoordinator(t *testing.T, exec Executor) *Coordinator {
	t.Helper()
	return newTestCoordinatorWith(t, testCoordinatorConfig(), exec)
}

func newTestCoordinatorWith(t *testing.T, cfg config.Config, exec Executor) *Coordinator {
	t.Helper()
	db := store.NewMemStore()

	b, err := bus.New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(b.Close)
	client, err := bus.NewClient(b, db)
	if err != nil {
		t.Fatalf("bus client: %v", err)
	}
	t.Cleanup(client.Close)

	reg := registry.New(db, "swarm-test", cfg.Swarm.CoolDown)
	mem, err := memory.New(cfg.Memory, db)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	cons := consensus.New(cfg.Consensus, nil, client, db, "swarm-test")
	sched := scheduler.New()
	bal := scheduler.NewBalancer(cfg.Scheduler,
		func(agentID, taskType string) float64 { return reg.MatchScore(agentID, taskType, nil) },
		func(agentID string) time.Duration {
			a, _ := reg.Get(agentID)
			return a.MeanDuration()
		},
		func(agentID string) bool {
			a, ok := reg.Get(agentID)
			return ok && a.Status != registry.StatusOffline
		})

	c := NewCoordinator(cfg, db, client, reg, mem, cons, sched, bal, exec)
	if err := c.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func waitForTasksDone(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for !c.sched.Done() {
		select {
		case <-deadline:
			t.Fatalf("tasks did not finish: %v", c.sched.CountsByStatus())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestObjectiveRunsToCompletion(t *testing.T) {
	c := newTestCoordinator(t, EchoExecutor{})

	for _, at := range []registry.AgentType{registry.TypeArchitect, registry.TypeCoder, registry.TypeTester} {
		if _, err := c.SpawnAgent(at, nil); err != nil {
			t.Fatalf("spawn %s: %v", at, err)
		}
	}

	ids, err := c.SubmitObjective("design, implement, and test a login API")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(ids))
	}

	waitForTasksDone(t, c)
	counts := c.sched.CountsByStatus()
	if counts[scheduler.StatusCompleted] != 3 {
		t.Fatalf("expected 3 completed, got %v", counts)
	}

	// Phase work lands on the matching specialists
	for i, wantType := range []registry.AgentType{registry.TypeArchitect, registry.TypeCoder, registry.TypeTester} {
		task, ok := c.sched.Get(ids[i])
		if !ok {
			t.Fatalf("task %s missing", ids[i])
		}
		a, ok := c.reg.Get(task.AgentID)
		if !ok {
			t.Fatalf("task %s has unknown agent %q", ids[i], task.AgentID)
		}
		if a.Type != wantType {
			t.Errorf("task %s went to %s, want %s", task.Type, a.Type, wantType)
		}
	}

	// Outcomes become learning signals in shared memory
	if hits := c.mem.Search("task-outcome/*", memory.NamespaceLearnedPatterns); len(hits) != 3 {
		t.Errorf("expected 3 learning signals, got %v", hits)
	}
}

func TestRetryThenExhaustionBlocksDependents(t *testing.T) {
	var mu sync.Mutex
	attempts := make(map[string]int)
	exec := ExecutorFunc(func(_ context.Context, agentID string, task scheduler.Task) (json.RawMessage, error) {
		mu.Lock()
		attempts[task.Type]++
		mu.Unlock()
		if task.Type == "test" {
			return nil, errors.New("assertion failed")
		}
		return json.RawMessage(`{}`), nil
	})
	c := newTestCoordinator(t, exec)
	if _, err := c.SpawnAgent(registry.TypeCoder, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := c.SubmitObjective("implement, test, and review the parser"); err != nil {
		t.Fatal(err)
	}
	waitForTasksDone(t, c)

	counts := c.sched.CountsByStatus()
	if counts[scheduler.StatusCompleted] != 1 {
		t.Errorf("expected implement completed, got %v", counts)
	}
	if counts[scheduler.StatusFailed] != 1 {
		t.Errorf("expected test failed, got %v", counts)
	}
	if counts[scheduler.StatusBlocked] != 1 {
		t.Errorf("expected review blocked, got %v", counts)
	}
	// MaxRetries 1 means two attempts total
	mu.Lock()
	got := attempts["test"]
	mu.Unlock()
	if got != 2 {
		t.Errorf("expected 2 attempts at the failing task, got %d", got)
	}
}

func TestSpawnAgentLimits(t *testing.T) {
	c := newTestCoordinator(t, EchoExecutor{})
	for i := 0; i < c.cfg.Swarm.MaxAgents; i++ {
		if _, err := c.SpawnAgent(registry.TypeCoder, nil); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	if _, err := c.SpawnAgent(registry.TypeCoder, nil); !errors.Is(err, ErrSwarmFull) {
		t.Fatalf("expected ErrSwarmFull, got %v", err)
	}
}

func TestBuildConsensusAmongAgents(t *testing.T) {
	c := newTestCoordinator(t, EchoExecutor{})
	var agents []string
	for i := 0; i < 3; i++ {
		a, err := c.SpawnAgent(registry.TypeAnalyst, nil)
		if err != nil {
			t.Fatal(err)
		}
		agents = append(agents, a.ID)
	}

	p, err := c.BuildConsensus("storage engine", []string{"sqlite", "badger"}, 0.51)
	if err != nil {
		t.Fatalf("build consensus: %v", err)
	}
	if len(p.ExpectedVoters) != 3 {
		t.Fatalf("expected 3 voters, got %d", len(p.ExpectedVoters))
	}

	// Votes travel over the bus vote subject, so resolution is eventual
	if err := c.Vote(p.ID, agents[0], "sqlite", 0.9); err != nil {
		t.Fatal(err)
	}
	if err := c.Vote(p.ID, agents[1], "sqlite", 0.7); err != nil {
		t.Fatal(err)
	}
	c.client.Flush()

	deadline := time.After(5 * time.Second)
	for {
		got, err := c.cons.Get(p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == consensus.StatusApproved {
			if got.Winner != "sqlite" {
				t.Errorf("expected sqlite as winner, got %s", got.Winner)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("proposal never resolved: %s", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestGetStatus(t *testing.T) {
	c := newTestCoordinator(t, EchoExecutor{})
	c.SpawnAgent(registry.TypeCoder, nil)
	c.SubmitObjective("implement a widget")
	waitForTasksDone(t, c)

	st := c.GetStatus()
	if st.SwarmID == "" || st.Name != "test-swarm" {
		t.Errorf("missing swarm identity: %+v", st)
	}
	if st.Topology == "" {
		t.Error("expected a topology")
	}
	if st.Tasks[scheduler.StatusCompleted] != 1 {
		t.Errorf("expected 1 completed task, got %v", st.Tasks)
	}
	if st.Memory.Score < 0 || st.Memory.Score > 100 {
		t.Errorf("memory score out of range: %d", st.Memory.Score)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, EchoExecutor{})
	c.SpawnAgent(registry.TypeCoder, nil)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if _, err := c.SubmitObjective("implement something"); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown after stop, got %v", err)
	}
	if _, err := c.SpawnAgent(registry.TypeCoder, nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown on spawn after stop, got %v", err)
	}
}

func TestRetireAgentRequeuesWork(t *testing.T) {
	c := newTestCoordinator(t, EchoExecutor{})
	a, err := c.SpawnAgent(registry.TypeCoder, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.SpawnAgent(registry.TypeCoder, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.RetireAgent(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.reg.Get(a.ID); ok {
		t.Error("retired agent still registered")
	}

	// Work still flows through the survivor
	if _, err := c.SubmitObjective("implement a parser"); err != nil {
		t.Fatal(err)
	}
	waitForTasksDone(t, c)
	tasks := c.sched.Tasks()
	if len(tasks) != 1 || tasks[0].AgentID != b.ID {
		t.Errorf("expected survivor %s to run the task, got %+v", b.ID, tasks)
	}
}

func TestRebalanceAvoidsOfflineAgents(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.Swarm.HeartbeatInterval = time.Hour // keep the monitor loop quiet
	c := newTestCoordinatorWith(t, cfg, EchoExecutor{})

	live, err := c.SpawnAgent(registry.TypeCoder, nil)
	if err != nil {
		t.Fatal(err)
	}
	down, err := c.SpawnAgent(registry.TypeCoder, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.reg.Transition(down.ID, registry.StatusOffline); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	for i := 0; i < 5; i++ {
		c.bal.Assign(live.ID, &scheduler.Task{ID: fmt.Sprintf("q%d", i), Type: "implement"})
	}
	c.mu.Unlock()

	if moves := c.Rebalance(); len(moves) != 0 {
		t.Fatalf("offline agent must not receive stolen work, got %v", moves)
	}
	c.mu.Lock()
	depth := c.bal.QueueDepth(down.ID)
	c.mu.Unlock()
	if depth != 0 {
		t.Errorf("offline agent queue depth %d, want 0", depth)
	}
}

func TestCancelTaskPropagatesAndStopsExecution(t *testing.T) {
	started := make(chan string, 8)
	exec := ExecutorFunc(func(ctx context.Context, agentID string, task scheduler.Task) (json.RawMessage, error) {
		started <- task.ID
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newTestCoordinator(t, exec)
	if _, err := c.SpawnAgent(registry.TypeCoder, nil); err != nil {
		t.Fatal(err)
	}

	ids, err := c.SubmitObjective("implement and test the parser")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected implement and test, got %v", ids)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first task never started executing")
	}

	if err := c.CancelTask(ids[0]); err != nil {
		t.Fatal(err)
	}
	waitForTasksDone(t, c)

	counts := c.sched.CountsByStatus()
	if counts[scheduler.StatusCancelled] != 2 {
		t.Fatalf("expected both tasks cancelled, got %v", counts)
	}
	// A cancelled outcome must not count against the agent
	agents := c.reg.List()
	if len(agents) != 1 || agents[0].TasksFailed != 0 {
		t.Errorf("cancelled execution recorded as failure: %+v", agents)
	}
}

func TestShutdownCancelsUndrainedTasks(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.Swarm.GracePeriod = 100 * time.Millisecond
	started := make(chan string, 1)
	exec := ExecutorFunc(func(ctx context.Context, agentID string, task scheduler.Task) (json.RawMessage, error) {
		started <- task.ID
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newTestCoordinatorWith(t, cfg, exec)
	if _, err := c.SpawnAgent(registry.TypeCoder, nil); err != nil {
		t.Fatal(err)
	}
	ids, err := c.SubmitObjective("implement and test the parser")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started executing")
	}

	if err := c.Shutdown(); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		task, ok := c.sched.Get(id)
		if !ok {
			t.Fatalf("task %s missing", id)
		}
		if task.Status != scheduler.StatusCancelled {
			t.Errorf("expected %s cancelled after shutdown, got %s", id, task.Status)
		}
	}
}

func TestSequentialObjectives(t *testing.T) {
	c := newTestCoordinator(t, EchoExecutor{})
	c.SpawnAgent(registry.TypeCoder, nil)

	for i := 0; i < 3; i++ {
		if _, err := c.SubmitObjective(fmt.Sprintf("implement feature %d", i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitForTasksDone(t, c)
	if counts := c.sched.CountsByStatus(); counts[scheduler.StatusCompleted] != 3 {
		t.Errorf("expected 3 completed, got %v", counts)
	}
}
