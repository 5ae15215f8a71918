package store

import (
	"fmt"
	"time"
)

// MemoryEntry is the persisted form of a shared-memory cell. Values are
// stored as-is; whether they are zstd-compressed is recorded alongside so
// the in-process store can rehydrate after a restart.
type MemoryEntry struct {
	Namespace   string     `json:"namespace"`
	Key         string     `json:"key"`
	Value       []byte     `json:"value"`
	Compressed  bool       `json:"compressed"`
	Owner       string     `json:"owner,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastAccess  time.Time  `json:"last_access"`
	AccessCount int64      `json:"access_count"`
}

func (s *Store) SaveMemoryEntry(e *MemoryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_entries (namespace, key, value, compressed, owner, expires_at, created_at, last_access, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			owner = excluded.owner,
			expires_at = excluded.expires_at,
			last_access = excluded.last_access,
			access_count = excluded.access_count`,
		e.Namespace, e.Key, e.Value, e.Compressed, nullable(e.Owner),
		e.ExpiresAt, e.CreatedAt, e.LastAccess, e.AccessCount)
	if err != nil {
		return fmt.Errorf("save memory entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteMemoryEntry(namespace, key string) error {
	_, err := s.db.Exec(`DELETE FROM memory_entries WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

func (s *Store) ListMemoryEntries() ([]MemoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT namespace, key, value, compressed, owner, expires_at, created_at, last_access, access_count
		FROM memory_entries ORDER BY namespace, key`)
	if err != nil {
		return nil, fmt.Errorf("list memory entries: %w", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var owner *string
		if err := rows.Scan(&e.Namespace, &e.Key, &e.Value, &e.Compressed, &owner,
			&e.ExpiresAt, &e.CreatedAt, &e.LastAccess, &e.AccessCount); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		if owner != nil {
			e.Owner = *owner
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
