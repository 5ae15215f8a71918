package swarm

import (
	"encoding/json"
	"time"

	"github.com/mtzanidakis/hived/internal/bus"
	"github.com/mtzanidakis/hived/internal/consensus"
	"github.com/mtzanidakis/hived/internal/memory"
	"github.com/mtzanidakis/hived/internal/registry"
	"github.com/mtzanidakis/hived/internal/scheduler"
)

type Topology string

const (
	TopologyHierarchical Topology = "hierarchical"
	TopologyMesh         Topology = "mesh"
	TopologyRing         Topology = "ring"
	TopologyStar         Topology = "star"
)

// TaskResult is what an executor hands back for a finished task.
type TaskResult struct {
	TaskID   string          `json:"task_id"`
	AgentID  string          `json:"agent_id"`
	Success  bool            `json:"success"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Status is a point-in-time snapshot of the whole swarm.
type Status struct {
	SwarmID    string                           `json:"swarm_id"`
	Name       string                           `json:"name"`
	Topology   Topology                         `json:"topology"`
	Objective  string                           `json:"objective,omitempty"`
	Agents     map[registry.Status]int          `json:"agents"`
	Tasks      map[scheduler.TaskStatus]int     `json:"tasks"`
	Bus        bus.Stats                        `json:"bus"`
	Memory     memory.Health                    `json:"memory"`
	Proposals  []consensus.Proposal             `json:"pending_proposals,omitempty"`
	AgentLoads map[string]float64               `json:"agent_loads,omitempty"`
	StartedAt  time.Time                        `json:"started_at"`
}
