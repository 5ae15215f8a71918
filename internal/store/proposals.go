package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Proposal struct {
	ID        string          `json:"id"`
	SwarmID   string          `json:"swarm_id"`
	Topic     string          `json:"topic"`
	Options   []string        `json:"options"`
	Votes     json.RawMessage `json:"votes,omitempty"`
	Quorum    float64         `json:"quorum"`
	Status    string          `json:"status"`
	Winner    string          `json:"winner,omitempty"`
	Deadline  time.Time       `json:"deadline"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) SaveProposal(p *Proposal) error {
	opts, _ := json.Marshal(p.Options)
	var votes *string
	if p.Votes != nil {
		v := string(p.Votes)
		votes = &v
	}
	_, err := s.db.Exec(`
		INSERT INTO proposals (id, swarm_id, topic, options, votes, quorum, status, winner, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			votes = excluded.votes,
			status = excluded.status,
			winner = excluded.winner`,
		p.ID, p.SwarmID, p.Topic, string(opts), votes, p.Quorum, p.Status, nullable(p.Winner), p.Deadline)
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

func (s *Store) GetProposal(id string) (*Proposal, error) {
	p := &Proposal{}
	var opts string
	var votes, winner sql.NullString
	err := s.db.QueryRow(`
		SELECT id, swarm_id, topic, options, votes, quorum, status, winner, deadline, created_at
		FROM proposals WHERE id = ?`, id).
		Scan(&p.ID, &p.SwarmID, &p.Topic, &opts, &votes, &p.Quorum, &p.Status, &winner, &p.Deadline, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	_ = json.Unmarshal([]byte(opts), &p.Options)
	if votes.Valid {
		p.Votes = json.RawMessage(votes.String)
	}
	p.Winner = winner.String
	return p, nil
}
