package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledObjective is a recurring objective submission: the coordinator
// decomposes the objective text into a fresh task graph each time the
// schedule fires.
type ScheduledObjective struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Objective  string     `json:"objective"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanObjective(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledObjective, error) {
	o := &ScheduledObjective{}
	var lastStatus, lastError sql.NullString
	err := scanner.Scan(&o.ID, &o.Name, &o.Objective, &o.Schedule, &o.Status,
		&o.NextRunAt, &o.LastRunAt, &lastStatus, &lastError, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.LastStatus = lastStatus.String
	o.LastError = lastError.String
	return o, nil
}

const objectiveColumns = `id, name, objective, schedule, status, next_run_at, last_run_at, last_status, last_error, created_at`

func (s *Store) SaveObjective(o *ScheduledObjective) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_objectives (id, name, objective, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			objective = excluded.objective,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		o.ID, o.Name, o.Objective, o.Schedule, o.Status, o.NextRunAt)
	if err != nil {
		return fmt.Errorf("save objective: %w", err)
	}
	return nil
}

func (s *Store) ListObjectives() ([]ScheduledObjective, error) {
	rows, err := s.db.Query(`SELECT ` + objectiveColumns + ` FROM scheduled_objectives ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	defer rows.Close()

	var objectives []ScheduledObjective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective: %w", err)
		}
		objectives = append(objectives, *o)
	}
	return objectives, rows.Err()
}

func (s *Store) DueObjectives(now time.Time) ([]ScheduledObjective, error) {
	rows, err := s.db.Query(`
		SELECT `+objectiveColumns+`
		FROM scheduled_objectives
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("due objectives: %w", err)
	}
	defer rows.Close()

	var objectives []ScheduledObjective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective: %w", err)
		}
		objectives = append(objectives, *o)
	}
	return objectives, rows.Err()
}

func (s *Store) UpdateObjectiveRun(id, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_objectives
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateObjectiveStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_objectives SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteObjective(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_objectives WHERE id = ?`, id)
	return err
}
