package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Agent struct {
	ID             string        `json:"id"`
	SwarmID        string        `json:"swarm_id"`
	Type           string        `json:"type"`
	Capabilities   []string      `json:"capabilities"`
	Status         string        `json:"status"`
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	MeanDuration   time.Duration `json:"mean_duration"`
	LastActivity   *time.Time    `json:"last_activity,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	caps, _ := json.Marshal(a.Capabilities)
	_, err := s.db.Exec(`
		INSERT INTO agents (id, swarm_id, type, capabilities, status, tasks_completed, tasks_failed, mean_duration_ms, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			capabilities = excluded.capabilities,
			status = excluded.status,
			tasks_completed = excluded.tasks_completed,
			tasks_failed = excluded.tasks_failed,
			mean_duration_ms = excluded.mean_duration_ms,
			last_activity = excluded.last_activity`,
		a.ID, a.SwarmID, a.Type, string(caps), a.Status,
		a.TasksCompleted, a.TasksFailed, a.MeanDuration.Milliseconds(), a.LastActivity)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var caps string
	var meanMs int64
	err := scanner.Scan(&a.ID, &a.SwarmID, &a.Type, &caps, &a.Status,
		&a.TasksCompleted, &a.TasksFailed, &meanMs, &a.LastActivity, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(caps), &a.Capabilities)
	a.MeanDuration = time.Duration(meanMs) * time.Millisecond
	return a, nil
}

const agentColumns = `id, swarm_id, type, capabilities, status, tasks_completed, tasks_failed, mean_duration_ms, last_activity, created_at`

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}
