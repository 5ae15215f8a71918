package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Task is the persisted form of a scheduled unit of work. Terminal tasks are
// archived in place (status upserted), never deleted, so runs stay auditable.
type Task struct {
	ID          string          `json:"id"`
	SwarmID     string          `json:"swarm_id"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Priority    int             `json:"priority"`
	DependsOn   []string        `json:"depends_on"`
	Status      string          `json:"status"`
	AgentID     string          `json:"agent_id,omitempty"`
	Retries     int             `json:"retries"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (s *Store) SaveTask(t *Task) error {
	deps, _ := json.Marshal(t.DependsOn)
	var result *string
	if t.Result != nil {
		r := string(t.Result)
		result = &r
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, swarm_id, type, description, priority, depends_on, status, agent_id, retries, deadline, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			agent_id = excluded.agent_id,
			retries = excluded.retries,
			result = excluded.result,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP`,
		t.ID, t.SwarmID, t.Type, t.Description, t.Priority, string(deps),
		t.Status, nullable(t.AgentID), t.Retries, t.Deadline, result, nullable(t.Error))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanStoredTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var deps string
	var agentID, result, taskErr sql.NullString
	err := scanner.Scan(&t.ID, &t.SwarmID, &t.Type, &t.Description, &t.Priority, &deps,
		&t.Status, &agentID, &t.Retries, &t.Deadline, &result, &taskErr, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(deps), &t.DependsOn)
	t.AgentID = agentID.String
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = taskErr.String
	return t, nil
}

const taskColumns = `id, swarm_id, type, description, priority, depends_on, status, agent_id, retries, deadline, result, error, created_at, updated_at`

func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanStoredTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(swarmID string) ([]Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE swarm_id = ? ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanStoredTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
