package swarm

import (
	"context"
	"encoding/json"

	"github.com/mtzanidakis/hived/internal/scheduler"
)

// Executor runs a task on behalf of an agent. Implementations decide what
// execution means; the coordinator only cares about the result and honors
// the context deadline.
type Executor interface {
	Execute(ctx context.Context, agentID string, task scheduler.Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, agentID string, task scheduler.Task) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, agentID string, task scheduler.Task) (json.RawMessage, error) {
	return f(ctx, agentID, task)
}

// EchoExecutor completes every task immediately with a summary payload.
// Useful as a dry-run executor and in tests.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, agentID string, task scheduler.Task) (json.RawMessage, error) {
	out, err := json.Marshal(map[string]string{
		"task":        task.ID,
		"type":        task.Type,
		"agent":       agentID,
		"description": task.Description,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
