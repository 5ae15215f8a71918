package swarm

import (
	"log/slog"
	"time"

	"github.com/mtzanidakis/hived/internal/bus"
	"github.com/mtzanidakis/hived/internal/memory"
)

// TaskEvent is published on the task event subject whenever a task changes
// state.
type TaskEvent struct {
	TaskID  string    `json:"task_id"`
	Type    string    `json:"type"`
	Status  string    `json:"status"`
	AgentID string    `json:"agent_id,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type AgentEvent struct {
	AgentID string    `json:"agent_id"`
	Type    string    `json:"type"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

type MemoryEvent struct {
	Health memory.Health `json:"health"`
	At     time.Time     `json:"at"`
}

type publisher interface {
	PublishEvent(subject string, v any) error
}

type events struct {
	pub publisher
}

func (e events) task(ev TaskEvent) {
	ev.At = time.Now().UTC()
	if err := e.pub.PublishEvent(bus.TopicEventsTask, ev); err != nil {
		slog.Debug("publish task event failed", "task", ev.TaskID, "error", err)
	}
}

func (e events) agent(ev AgentEvent) {
	ev.At = time.Now().UTC()
	if err := e.pub.PublishEvent(bus.TopicEventsAgent, ev); err != nil {
		slog.Debug("publish agent event failed", "agent", ev.AgentID, "error", err)
	}
}

func (e events) memory(h memory.Health) {
	ev := MemoryEvent{Health: h, At: time.Now().UTC()}
	if err := e.pub.PublishEvent(bus.TopicEventsMemory, ev); err != nil {
		slog.Debug("publish memory event failed", "error", err)
	}
}
