package scheduler

import (
	"log/slog"
	"time"

	"github.com/mtzanidakis/hived/internal/config"
)

// Move records one stolen task during a rebalance pass.
type Move struct {
	TaskID string
	From   string
	To     string
}

type queuedTask struct {
	task      *Task
	executing bool
}

// Balancer tracks per-agent work queues and levels them by stealing from
// overloaded agents. The load score blends queue depth, utilization, task
// affinity and throughput with configured weights.
type Balancer struct {
	weights   config.BalanceWeights
	threshold float64
	maxBatch  int

	queues map[string][]*queuedTask

	// affinity scores an agent against a task type in [0,1]; meanDuration
	// feeds the throughput component; eligible filters steal targets so work
	// never lands on an agent that cannot run it. Any of them may be nil.
	affinity     func(agentID, taskType string) float64
	meanDuration func(agentID string) time.Duration
	eligible     func(agentID string) bool
}

func NewBalancer(cfg config.SchedulerConfig, affinity func(agentID, taskType string) float64, meanDuration func(agentID string) time.Duration, eligible func(agentID string) bool) *Balancer {
	return &Balancer{
		weights:      cfg.Weights,
		threshold:    cfg.StealThreshold,
		maxBatch:     cfg.MaxStealBatch,
		queues:       make(map[string][]*queuedTask),
		affinity:     affinity,
		meanDuration: meanDuration,
		eligible:     eligible,
	}
}

// Track registers an agent so it participates in balancing even while idle.
func (b *Balancer) Track(agentID string) {
	if _, ok := b.queues[agentID]; !ok {
		b.queues[agentID] = nil
	}
}

func (b *Balancer) Untrack(agentID string) []*Task {
	q := b.queues[agentID]
	delete(b.queues, agentID)
	out := make([]*Task, 0, len(q))
	for _, qt := range q {
		out = append(out, qt.task)
	}
	return out
}

func (b *Balancer) Assign(agentID string, t *Task) {
	b.queues[agentID] = append(b.queues[agentID], &queuedTask{task: t})
}

// StartExecuting pins a task to its agent; executing tasks are never stolen.
func (b *Balancer) StartExecuting(agentID, taskID string) {
	for _, qt := range b.queues[agentID] {
		if qt.task.ID == taskID {
			qt.executing = true
			return
		}
	}
}

func (b *Balancer) Finish(agentID, taskID string) {
	q := b.queues[agentID]
	for i, qt := range q {
		if qt.task.ID == taskID {
			b.queues[agentID] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (b *Balancer) QueueDepth(agentID string) int {
	return len(b.queues[agentID])
}

// NextFor returns the oldest queued task for an agent that has not started
// executing, or nil.
func (b *Balancer) NextFor(agentID string) *Task {
	for _, qt := range b.queues[agentID] {
		if !qt.executing {
			return qt.task
		}
	}
	return nil
}

// Executing reports whether the agent is currently running a task.
func (b *Balancer) Executing(agentID string) bool {
	for _, qt := range b.queues[agentID] {
		if qt.executing {
			return true
		}
	}
	return false
}

// Loads returns the current load score per tracked agent.
func (b *Balancer) Loads() map[string]float64 {
	maxDepth := 0
	var maxMean time.Duration
	for id, q := range b.queues {
		if len(q) > maxDepth {
			maxDepth = len(q)
		}
		if b.meanDuration != nil {
			if m := b.meanDuration(id); m > maxMean {
				maxMean = m
			}
		}
	}

	scores := make(map[string]float64, len(b.queues))
	for id, q := range b.queues {
		depth := 0.0
		if maxDepth > 0 {
			depth = float64(len(q)) / float64(maxDepth)
		}

		util := 0.0
		for _, qt := range q {
			if qt.executing {
				util = 1.0
				break
			}
		}

		// Affinity penalty: how poorly the queued work fits this agent
		penalty := 0.0
		if b.affinity != nil && len(q) > 0 {
			sum := 0.0
			for _, qt := range q {
				sum += b.affinity(id, qt.task.Type)
			}
			penalty = 1.0 - sum/float64(len(q))
		}

		throughput := 0.0
		if b.meanDuration != nil && maxMean > 0 {
			throughput = float64(b.meanDuration(id)) / float64(maxMean)
		}

		scores[id] = b.weights.QueueDepth*depth +
			b.weights.Utilization*util +
			b.weights.Affinity*penalty +
			b.weights.Throughput*throughput
	}
	return scores
}

// Rebalance steals work from agents whose load exceeds the threshold multiple
// of the swarm average. Stolen tasks are the most recently queued, never an
// executing one, capped per pass.
func (b *Balancer) Rebalance() []Move {
	if len(b.queues) < 2 {
		return nil
	}
	scores := b.Loads()

	avg := 0.0
	for _, s := range scores {
		avg += s
	}
	avg /= float64(len(scores))
	if avg == 0 {
		return nil
	}

	var moves []Move
	for victim, score := range scores {
		if score <= b.threshold*avg {
			continue
		}
		target := b.leastLoaded(scores, victim)
		if target == "" {
			continue
		}

		before := map[string]int{victim: len(b.queues[victim]), target: len(b.queues[target])}
		stolen := b.steal(victim, target)
		if len(stolen) == 0 {
			continue
		}
		moves = append(moves, stolen...)
		slog.Info("rebalanced workload",
			"from", victim, "to", target, "stolen", len(stolen),
			"from_depth_before", before[victim], "from_depth_after", len(b.queues[victim]),
			"to_depth_before", before[target], "to_depth_after", len(b.queues[target]))
	}
	return moves
}

// leastLoaded picks the steal target with the lowest score. Ineligible
// agents never receive stolen work; their queues may still be stolen from.
func (b *Balancer) leastLoaded(scores map[string]float64, exclude string) string {
	target := ""
	best := 0.0
	for id, s := range scores {
		if id == exclude {
			continue
		}
		if b.eligible != nil && !b.eligible(id) {
			continue
		}
		if target == "" || s < best {
			target = id
			best = s
		}
	}
	return target
}

// steal moves up to maxBatch non-executing tasks from the tail of the
// victim's queue to the target.
func (b *Balancer) steal(victim, target string) []Move {
	var moves []Move
	q := b.queues[victim]
	for i := len(q) - 1; i >= 0 && len(moves) < b.maxBatch; i-- {
		qt := q[i]
		if qt.executing {
			continue
		}
		q = append(q[:i], q[i+1:]...)
		qt.task.AgentID = target
		b.queues[target] = append(b.queues[target], qt)
		moves = append(moves, Move{TaskID: qt.task.ID, From: victim, To: target})
	}
	b.queues[victim] = q
	return moves
}
