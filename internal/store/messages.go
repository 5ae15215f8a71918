package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Sender     string          `json:"sender"`
	Recipients []string        `json:"recipients"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Store) SaveMessage(m *Message) error {
	recips, _ := json.Marshal(m.Recipients)
	var payload *string
	if m.Payload != nil {
		p := string(m.Payload)
		payload = &p
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, type, sender, recipients, payload, priority, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		m.ID, m.Type, m.Sender, string(recips), payload, m.Priority, m.Status)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Store) RecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, type, sender, recipients, payload, priority, status, created_at
		FROM messages
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var recips string
		var payload *string
		if err := rows.Scan(&m.ID, &m.Type, &m.Sender, &recips, &payload, &m.Priority, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		_ = json.Unmarshal([]byte(recips), &m.Recipients)
		if payload != nil {
			m.Payload = json.RawMessage(*payload)
		}
		messages = append(messages, m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}
