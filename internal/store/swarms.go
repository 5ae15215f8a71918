package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Swarm struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topology  string    `json:"topology"`
	Objective string    `json:"objective,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveSwarm(sw *Swarm) error {
	_, err := s.db.Exec(`
		INSERT INTO swarms (id, name, topology, objective, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			topology = excluded.topology,
			objective = excluded.objective,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		sw.ID, sw.Name, sw.Topology, sw.Objective, sw.Status)
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*Swarm, error) {
	sw := &Swarm{}
	var objective sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, topology, objective, status, created_at, updated_at
		FROM swarms WHERE id = ?`, id).
		Scan(&sw.ID, &sw.Name, &sw.Topology, &objective, &sw.Status, &sw.CreatedAt, &sw.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	sw.Objective = objective.String
	return sw, nil
}
