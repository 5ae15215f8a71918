// Package swarm wires the registry, scheduler, shared memory, consensus
// engine and bus into a coordinated swarm. The Coordinator owns the control
// loops; agents are in-process workers driven through an Executor.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hived/internal/bus"
	"github.com/mtzanidakis/hived/internal/config"
	"github.com/mtzanidakis/hived/internal/consensus"
	"github.com/mtzanidakis/hived/internal/memory"
	"github.com/mtzanidakis/hived/internal/registry"
	"github.com/mtzanidakis/hived/internal/scheduler"
	"github.com/mtzanidakis/hived/internal/store"
)

var (
	ErrSwarmFull      = errors.New("swarm is at max agents")
	ErrNotInitialized = errors.New("swarm not initialized")
	ErrShutdown       = errors.New("swarm is shutting down")
)

type Coordinator struct {
	cfg    config.Config
	db     store.Backend
	client *bus.Client
	reg    *registry.Registry
	mem    *memory.Store
	cons   *consensus.Engine
	sched  *scheduler.Scheduler
	bal    *scheduler.Balancer
	exec   Executor
	ev     events

	// mu guards the balancer, the swarm record, the running map and the
	// closed flag. The registry, scheduler and memory store carry their own
	// locks.
	mu        sync.Mutex
	swarm     *store.Swarm
	objective string
	startedAt time.Time
	running   map[string]context.CancelFunc // in-flight executions by task id
	closed    bool

	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup // control loops, exit on ctx cancel
	tasks    sync.WaitGroup // in-flight task executions
	shutdown sync.Once
}

func NewCoordinator(cfg config.Config, db store.Backend, client *bus.Client, reg *registry.Registry, mem *memory.Store, cons *consensus.Engine, sched *scheduler.Scheduler, bal *scheduler.Balancer, exec Executor) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		db:     db,
		client: client,
		reg:    reg,
		mem:    mem,
		cons:   cons,
		sched:  sched,
		bal:    bal,
		exec:   exec,
		ev:     events{pub: client},

		running: make(map[string]context.CancelFunc),
	}
}

// Initialize picks a topology from the objective hint, records the swarm and
// starts the control loops.
func (c *Coordinator) Initialize(ctx context.Context, hint string) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	topology := chooseTopology(hint, c.cfg.Swarm.MaxAgents)
	now := time.Now()
	sw := &store.Swarm{
		ID:        uuid.New().String(),
		Name:      c.cfg.Swarm.Name,
		Topology:  string(topology),
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.db.SaveSwarm(sw); err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}

	c.mu.Lock()
	c.swarm = sw
	c.startedAt = now
	c.mu.Unlock()

	if _, err := c.client.SubscribeHeartbeats(func(agentID string, at time.Time) {
		c.reg.Heartbeat(agentID, at)
	}); err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	if _, err := c.client.SubscribeVotes(func(v bus.VoteCast) {
		if err := c.cons.Vote(v.ProposalID, v.AgentID, v.Option, v.Confidence); err != nil {
			slog.Debug("vote rejected", "proposal", v.ProposalID, "agent", v.AgentID, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("subscribe votes: %w", err)
	}

	c.loops.Add(4)
	go func() { defer c.loops.Done(); c.mem.Run(c.ctx) }()
	go func() { defer c.loops.Done(); c.cons.Run(c.ctx) }()
	go func() { defer c.loops.Done(); c.monitorLoop() }()
	go func() { defer c.loops.Done(); c.healthLoop() }()
	if c.cfg.Swarm.RebalanceInterval > 0 {
		c.loops.Add(1)
		go func() { defer c.loops.Done(); c.rebalanceLoop() }()
	}

	slog.Info("swarm initialized", "swarm", sw.ID, "name", sw.Name, "topology", topology)
	return nil
}

// chooseTopology maps the objective hint to a communication topology. Small
// swarms default to a star, everything else to hierarchical.
func chooseTopology(hint string, maxAgents int) Topology {
	h := strings.ToLower(hint)
	switch {
	case containsAny(h, []string{"pipeline", "sequential", "stage"}):
		return TopologyRing
	case containsAny(h, []string{"research", "explor", "brainstorm", "open-ended"}):
		return TopologyMesh
	case containsAny(h, []string{"central", "simple"}):
		return TopologyStar
	case maxAgents <= 4:
		return TopologyStar
	default:
		return TopologyHierarchical
	}
}

// SpawnAgent registers a worker, tracks it for balancing and adds it to the
// gossip peer set.
func (c *Coordinator) SpawnAgent(t registry.AgentType, caps []string) (registry.Agent, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return registry.Agent{}, ErrShutdown
	}
	c.mu.Unlock()

	if len(c.reg.List()) >= c.cfg.Swarm.MaxAgents {
		return registry.Agent{}, fmt.Errorf("%w: %d", ErrSwarmFull, c.cfg.Swarm.MaxAgents)
	}

	id := string(t) + "-" + uuid.New().String()[:8]
	a, err := c.reg.Register(id, t, caps)
	if err != nil {
		return registry.Agent{}, err
	}

	c.mu.Lock()
	c.bal.Track(id)
	c.mu.Unlock()
	c.client.AddPeer(id)

	if c.ctx != nil && c.cfg.Swarm.HeartbeatInterval > 0 {
		c.loops.Add(1)
		go func() { defer c.loops.Done(); c.heartbeatLoop(id) }()
	}

	c.ev.agent(AgentEvent{AgentID: id, Type: string(t), Status: string(registry.StatusIdle)})
	slog.Info("agent spawned", "agent", id, "type", t)
	return a, nil
}

// RetireAgent removes a worker; its queued tasks return to the ready pool.
func (c *Coordinator) RetireAgent(id string) error {
	c.mu.Lock()
	orphans := c.bal.Untrack(id)
	c.mu.Unlock()

	if err := c.reg.Remove(id); err != nil {
		return err
	}
	c.client.RemovePeer(id)
	for _, t := range orphans {
		if cur, ok := c.sched.Get(t.ID); ok && cur.Status == scheduler.StatusAssigned {
			_ = c.sched.Requeue(t.ID)
		}
	}
	c.pump()
	return nil
}

func (c *Coordinator) heartbeatLoop(agentID string) {
	ticker := time.NewTicker(c.cfg.Swarm.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, ok := c.reg.Get(agentID); !ok {
				return
			}
			c.client.SendHeartbeat(agentID)
		}
	}
}

// SubmitObjective decomposes an objective into dependent tasks, submits them
// to the scheduler and kicks off assignment. It returns the task ids in
// pipeline order.
func (c *Coordinator) SubmitObjective(objective string) ([]string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	sw := c.swarm
	c.mu.Unlock()
	if sw == nil {
		return nil, ErrNotInitialized
	}

	tasks := Decompose(objective)
	if err := c.sched.Submit(tasks); err != nil {
		return nil, err
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
		c.persistTask(*t)
		c.ev.task(TaskEvent{TaskID: t.ID, Type: t.Type, Status: string(scheduler.StatusPending)})
	}

	c.mu.Lock()
	c.objective = objective
	sw.Objective = objective
	sw.UpdatedAt = time.Now()
	c.mu.Unlock()
	if err := c.db.SaveSwarm(sw); err != nil {
		slog.Warn("save swarm objective failed", "error", err)
	}

	slog.Info("objective submitted", "objective", objective, "tasks", len(tasks))
	c.pump()
	return ids, nil
}

// pump drains the ready queue onto the best-matching agents and starts
// execution for every agent with queued work. Safe to call from any loop.
func (c *Coordinator) pump() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.assignReady()
	c.startRunnable()
}

func (c *Coordinator) assignReady() {
	for {
		t := c.sched.Dequeue()
		if t == nil {
			return
		}
		agentID := c.pickAgent(t)
		if agentID == "" {
			_ = c.sched.Requeue(t.ID)
			return
		}

		// A concurrent cancel between dequeue and assignment drops the task
		if err := c.sched.MarkAssigned(t.ID, agentID); err != nil {
			continue
		}
		if a, ok := c.reg.Get(agentID); ok && a.Status == registry.StatusIdle {
			_ = c.reg.Transition(agentID, registry.StatusAssigned)
		}
		c.mu.Lock()
		c.bal.Assign(agentID, t)
		c.mu.Unlock()

		if cur, ok := c.sched.Get(t.ID); ok {
			c.persistTask(cur)
		}
		c.ev.task(TaskEvent{TaskID: t.ID, Type: t.Type, Status: string(scheduler.StatusAssigned), AgentID: agentID})
		slog.Debug("task assigned", "task", t.ID, "type", t.Type, "agent", agentID)
	}
}

// pickAgent scores every live agent for the task and discounts queue depth so
// work spreads. Ties break randomly so identical agents do not herd.
func (c *Coordinator) pickAgent(t *scheduler.Task) string {
	var required []string
	if t.Type != "general" {
		required = []string{t.Type}
	}

	var best []string
	bestScore := -1.0
	for _, a := range c.reg.List() {
		if a.Status == registry.StatusOffline {
			continue
		}
		c.mu.Lock()
		depth := c.bal.QueueDepth(a.ID)
		c.mu.Unlock()

		score := c.reg.MatchScore(a.ID, t.Type, required) - 0.05*float64(depth)
		switch {
		case score > bestScore:
			bestScore = score
			best = append(best[:0], a.ID)
		case score == bestScore:
			best = append(best, a.ID)
		}
	}
	if len(best) == 0 {
		return ""
	}
	return best[rand.Intn(len(best))]
}

func (c *Coordinator) startRunnable() {
	for _, a := range c.reg.List() {
		if a.Status != registry.StatusIdle && a.Status != registry.StatusAssigned {
			continue
		}
		if !a.CooldownUntil.IsZero() && time.Now().Before(a.CooldownUntil) {
			continue
		}

		c.mu.Lock()
		if c.closed || c.bal.Executing(a.ID) {
			c.mu.Unlock()
			continue
		}
		next := c.bal.NextFor(a.ID)
		if next == nil {
			c.mu.Unlock()
			continue
		}
		c.bal.StartExecuting(a.ID, next.ID)
		c.mu.Unlock()

		if err := c.sched.MarkExecuting(next.ID); err != nil {
			c.mu.Lock()
			c.bal.Finish(a.ID, next.ID)
			c.mu.Unlock()
			continue
		}
		if a.Status == registry.StatusIdle {
			_ = c.reg.Transition(a.ID, registry.StatusAssigned)
		}
		_ = c.reg.Transition(a.ID, registry.StatusExecuting)

		snapshot, _ := c.sched.Get(next.ID)
		c.ev.task(TaskEvent{TaskID: next.ID, Type: next.Type, Status: string(scheduler.StatusExecuting), AgentID: a.ID})

		c.tasks.Add(1)
		go c.runTask(a.ID, snapshot)
	}
}

func (c *Coordinator) runTask(agentID string, t scheduler.Task) {
	defer c.tasks.Done()

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Swarm.TaskTimeout)
	c.mu.Lock()
	c.running[t.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, t.ID)
		c.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	out, err := c.exec.Execute(ctx, agentID, t)
	res := TaskResult{
		TaskID:   t.ID,
		AgentID:  agentID,
		Success:  err == nil,
		Output:   out,
		Duration: time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
	}
	c.OnTaskResult(res)
}

// CancelTask cancels a task and every dependent that can no longer run. An
// in-flight execution gets a best-effort context cancel; its result is
// discarded when it lands.
func (c *Coordinator) CancelTask(id string) error {
	cancelled, err := c.sched.Cancel(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, cid := range cancelled {
		if stop, ok := c.running[cid]; ok {
			stop()
		}
	}
	c.mu.Unlock()

	for _, cid := range cancelled {
		cur, ok := c.sched.Get(cid)
		if !ok {
			continue
		}
		if cur.AgentID != "" {
			c.mu.Lock()
			c.bal.Finish(cur.AgentID, cid)
			c.mu.Unlock()
		}
		c.persistTask(cur)
		c.ev.task(TaskEvent{TaskID: cid, Type: cur.Type, Status: string(scheduler.StatusCancelled)})
	}
	if len(cancelled) > 0 {
		slog.Info("task cancelled", "task", id, "propagated", len(cancelled)-1)
	}
	c.pump()
	return nil
}

// OnTaskResult folds a finished task back into swarm state: stats, retry or
// block propagation, the learning signal into shared memory, and the next
// assignment round.
func (c *Coordinator) OnTaskResult(res TaskResult) {
	t, ok := c.sched.Get(res.TaskID)
	if !ok {
		slog.Warn("result for unknown task", "task", res.TaskID)
		return
	}

	c.mu.Lock()
	c.bal.Finish(res.AgentID, res.TaskID)
	c.mu.Unlock()

	if t.Status == scheduler.StatusCancelled {
		// The task was cancelled mid-flight; the outcome is discarded and
		// the agent returns to the pool.
		if a, ok := c.reg.Get(res.AgentID); ok && a.Status == registry.StatusExecuting {
			_ = c.reg.Transition(res.AgentID, registry.StatusCompleted)
		}
		c.reg.ReleaseCooled(time.Now())
		c.pump()
		return
	}

	c.reg.RecordResult(res.AgentID, t.Type, res.Duration, res.Success)
	if a, ok := c.reg.Get(res.AgentID); ok && a.Status == registry.StatusExecuting {
		target := registry.StatusCompleted
		if !res.Success {
			target = registry.StatusFailed
		}
		_ = c.reg.Transition(res.AgentID, target)
	}

	if res.Success {
		c.completeTask(t, res)
	} else {
		c.failTask(t, res)
	}

	c.reg.ReleaseCooled(time.Now())
	c.pump()
}

func (c *Coordinator) completeTask(t scheduler.Task, res TaskResult) {
	if err := c.sched.Complete(t.ID); err != nil {
		slog.Warn("complete task failed", "task", t.ID, "error", err)
		return
	}
	if cur, ok := c.sched.Get(t.ID); ok {
		cur.AgentID = res.AgentID
		c.persistTaskResult(cur, res)
	}
	c.ev.task(TaskEvent{TaskID: t.ID, Type: t.Type, Status: string(scheduler.StatusCompleted), AgentID: res.AgentID})
	c.recordLearning(t, res)
	slog.Info("task completed", "task", t.ID, "type", t.Type, "agent", res.AgentID, "duration", res.Duration)
}

func (c *Coordinator) failTask(t scheduler.Task, res TaskResult) {
	if t.Retries < c.cfg.Swarm.MaxRetries {
		if err := c.sched.Retry(t.ID); err != nil {
			slog.Warn("retry task failed", "task", t.ID, "error", err)
			return
		}
		c.ev.task(TaskEvent{TaskID: t.ID, Type: t.Type, Status: string(scheduler.StatusReady), AgentID: "", Error: res.Error})
		slog.Warn("task failed, retrying", "task", t.ID, "attempt", t.Retries+1, "error", res.Error)
		c.recordLearning(t, res)
		return
	}

	blocked, err := c.sched.Fail(t.ID)
	if err != nil {
		slog.Warn("fail task", "task", t.ID, "error", err)
		return
	}
	if cur, ok := c.sched.Get(t.ID); ok {
		c.persistTaskResult(cur, res)
	}
	c.ev.task(TaskEvent{TaskID: t.ID, Type: t.Type, Status: string(scheduler.StatusFailed), AgentID: res.AgentID, Error: res.Error})
	for _, id := range blocked {
		if b, ok := c.sched.Get(id); ok {
			c.persistTask(b)
			c.ev.task(TaskEvent{TaskID: id, Type: b.Type, Status: string(scheduler.StatusBlocked)})
		}
	}
	c.recordLearning(t, res)
	c.escalate(t, res, blocked)
}

// escalate tells the whole swarm that a task exhausted its retries.
func (c *Coordinator) escalate(t scheduler.Task, res TaskResult, blocked []string) {
	payload, err := json.Marshal(map[string]any{
		"task":    t.ID,
		"type":    t.Type,
		"error":   res.Error,
		"retries": t.Retries,
		"blocked": blocked,
	})
	if err != nil {
		return
	}
	c.client.Broadcast(bus.Message{Sender: "coordinator", Payload: payload, Priority: 9})
	slog.Error("task exhausted retries", "task", t.ID, "type", t.Type, "blocked", len(blocked), "error", res.Error)
}

// recordLearning stores the outcome in shared memory so future scheduling
// rounds can learn from it.
func (c *Coordinator) recordLearning(t scheduler.Task, res TaskResult) {
	a, _ := c.reg.Get(res.AgentID)
	payload, err := json.Marshal(map[string]any{
		"task_type":   t.Type,
		"agent_type":  string(a.Type),
		"success":     res.Success,
		"duration_ms": res.Duration.Milliseconds(),
	})
	if err != nil {
		return
	}
	key := "task-outcome/" + t.Type + "/" + res.TaskID
	if err := c.mem.StoreOwned(key, payload, memory.NamespaceLearnedPatterns, 0, res.AgentID); err != nil {
		slog.Debug("record learning signal failed", "key", key, "error", err)
	}
}

// Rebalance runs one work-stealing pass and persists reassignments.
func (c *Coordinator) Rebalance() []scheduler.Move {
	c.mu.Lock()
	moves := c.bal.Rebalance()
	c.mu.Unlock()

	for _, m := range moves {
		_ = c.sched.MarkAssigned(m.TaskID, m.To)
		if cur, ok := c.sched.Get(m.TaskID); ok {
			c.persistTask(cur)
			c.ev.task(TaskEvent{TaskID: m.TaskID, Type: cur.Type, Status: string(scheduler.StatusAssigned), AgentID: m.To})
		}
		if a, ok := c.reg.Get(m.To); ok && a.Status == registry.StatusIdle {
			_ = c.reg.Transition(m.To, registry.StatusAssigned)
		}
	}
	if len(moves) > 0 {
		c.pump()
	}
	return moves
}

// BuildConsensus opens a ballot among the agents alive right now and asks
// them to vote.
func (c *Coordinator) BuildConsensus(topic string, options []string, quorum float64) (consensus.Proposal, error) {
	p, err := c.cons.CreateProposal(topic, options, quorum, c.cfg.Consensus.VoteTimeout, c.eligibleVoters())
	if err != nil {
		return consensus.Proposal{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"proposal_id": p.ID,
		"topic":       p.Topic,
		"options":     p.Options,
		"deadline":    p.Deadline,
	})
	if err == nil {
		c.client.Broadcast(bus.Message{Sender: "coordinator", Payload: payload, Priority: 5})
	}
	return p, nil
}

// Vote casts an agent's ballot on the swarm vote subject; the consensus
// engine picks it up like any vote arriving over the bus.
func (c *Coordinator) Vote(proposalID, agentID, option string, confidence float64) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	c.client.SendVote(bus.VoteCast{
		ProposalID: proposalID,
		AgentID:    agentID,
		Option:     option,
		Confidence: confidence,
	})
	return nil
}

// eligibleVoters is every registered agent that is not offline.
func (c *Coordinator) eligibleVoters() []string {
	var out []string
	for _, a := range c.reg.List() {
		if a.Status != registry.StatusOffline {
			out = append(out, a.ID)
		}
	}
	return out
}

func (c *Coordinator) GetStatus() Status {
	c.mu.Lock()
	sw := c.swarm
	objective := c.objective
	startedAt := c.startedAt
	loads := c.bal.Loads()
	c.mu.Unlock()

	st := Status{
		Objective:  objective,
		Agents:     c.reg.CountsByStatus(),
		Tasks:      c.sched.CountsByStatus(),
		Bus:        c.client.Stats(),
		Memory:     c.mem.Health(),
		Proposals:  c.cons.Pending(),
		AgentLoads: loads,
		StartedAt:  startedAt,
	}
	if sw != nil {
		st.SwarmID = sw.ID
		st.Name = sw.Name
		st.Topology = Topology(sw.Topology)
	}
	return st
}

// monitorLoop watches agent liveness and releases cooled-down agents back to
// the idle pool.
func (c *Coordinator) monitorLoop() {
	interval := c.cfg.Swarm.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			stale := c.reg.MarkStale(c.cfg.Swarm.HeartbeatTimeout, now)
			for _, id := range stale {
				c.ev.agent(AgentEvent{AgentID: id, Status: string(registry.StatusOffline)})
				c.reclaimTasks(id)
				slog.Warn("agent went offline", "agent", id)
			}
			c.reg.ReleaseCooled(now)
			c.pump()
		}
	}
}

// reclaimTasks requeues an offline agent's queued tasks; a task already
// executing is left to finish or time out.
func (c *Coordinator) reclaimTasks(agentID string) {
	c.mu.Lock()
	orphans := c.bal.Untrack(agentID)
	c.bal.Track(agentID)
	var requeue []string
	for _, t := range orphans {
		if cur, ok := c.sched.Get(t.ID); ok && cur.Status == scheduler.StatusExecuting {
			c.bal.Assign(agentID, t)
			c.bal.StartExecuting(agentID, t.ID)
			continue
		}
		requeue = append(requeue, t.ID)
	}
	c.mu.Unlock()

	for _, id := range requeue {
		_ = c.sched.Requeue(id)
	}
}

func (c *Coordinator) healthLoop() {
	interval := c.cfg.Swarm.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			h := c.mem.Health()
			c.ev.memory(h)
			for _, rec := range h.Recommendations {
				slog.Warn("memory health", "category", rec.Category, "severity", rec.Severity, "detail", rec.Detail)
			}
		}
	}
}

func (c *Coordinator) rebalanceLoop() {
	ticker := time.NewTicker(c.cfg.Swarm.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Rebalance()
		}
	}
}

// Shutdown drains in-flight work within the grace period, flushes shared
// memory and marks the swarm stopped. Calling it again is a no-op.
func (c *Coordinator) Shutdown() error {
	c.shutdown.Do(func() {
		c.mu.Lock()
		c.closed = true
		sw := c.swarm
		c.mu.Unlock()
		slog.Info("swarm shutting down")

		// In-flight tasks get the grace period before the hard cancel
		tasksDone := make(chan struct{})
		go func() {
			c.tasks.Wait()
			close(tasksDone)
		}()
		grace := time.NewTimer(c.cfg.Swarm.GracePeriod)
		select {
		case <-tasksDone:
			grace.Stop()
		case <-grace.C:
			slog.Warn("grace period expired, cancelling remaining tasks")
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.loops.Wait()
		<-tasksDone

		// Undrained work is cancelled, not left dangling in a pre-shutdown
		// status. Blocked tasks keep their status for the audit trail.
		for _, t := range c.sched.Tasks() {
			if t.Status.Terminal() || t.Status == scheduler.StatusBlocked {
				continue
			}
			if _, err := c.sched.Cancel(t.ID); err != nil {
				continue
			}
			if cur, ok := c.sched.Get(t.ID); ok {
				c.persistTask(cur)
				c.ev.task(TaskEvent{TaskID: cur.ID, Type: cur.Type, Status: string(scheduler.StatusCancelled)})
			}
		}

		if err := c.mem.Flush(); err != nil {
			slog.Warn("memory flush failed", "error", err)
		}
		if sw != nil {
			sw.Status = "stopped"
			sw.UpdatedAt = time.Now()
			if err := c.db.SaveSwarm(sw); err != nil {
				slog.Warn("save swarm on shutdown failed", "error", err)
			}
		}
		slog.Info("swarm stopped")
	})
	return nil
}

func (c *Coordinator) persistTask(t scheduler.Task) {
	c.persistTaskResult(t, TaskResult{AgentID: t.AgentID})
}

func (c *Coordinator) persistTaskResult(t scheduler.Task, res TaskResult) {
	c.mu.Lock()
	sw := c.swarm
	c.mu.Unlock()
	swarmID := ""
	if sw != nil {
		swarmID = sw.ID
	}

	rec := &store.Task{
		ID:          t.ID,
		SwarmID:     swarmID,
		Type:        t.Type,
		Description: t.Description,
		Priority:    t.Priority,
		DependsOn:   t.DependsOn,
		Status:      string(t.Status),
		AgentID:     t.AgentID,
		Retries:     t.Retries,
		Deadline:    t.Deadline,
		Result:      res.Output,
		Error:       res.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   time.Now(),
	}
	if err := c.db.SaveTask(rec); err != nil {
		slog.Warn("persist task failed", "task", t.ID, "error", err)
	}
}

