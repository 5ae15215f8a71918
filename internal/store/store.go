package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Backend is the persistence contract for coordination state. It is
// implemented by the SQLite Store and by the in-memory MemStore fallback;
// both honor the same read/write semantics so the core can run degraded
// when the durable store is unavailable.
type Backend interface {
	SaveSwarm(s *Swarm) error
	GetSwarm(id string) (*Swarm, error)

	SaveAgent(a *Agent) error
	GetAgent(id string) (*Agent, error)
	ListAgents() ([]Agent, error)
	DeleteAgent(id string) error

	SaveTask(t *Task) error
	GetTask(id string) (*Task, error)
	ListTasks(swarmID string) ([]Task, error)

	SaveMemoryEntry(e *MemoryEntry) error
	DeleteMemoryEntry(namespace, key string) error
	ListMemoryEntries() ([]MemoryEntry, error)

	SaveProposal(p *Proposal) error
	GetProposal(id string) (*Proposal, error)

	SaveMessage(m *Message) error
	RecentMessages(limit int) ([]Message, error)

	SaveObjective(o *ScheduledObjective) error
	ListObjectives() ([]ScheduledObjective, error)
	DueObjectives(now time.Time) ([]ScheduledObjective, error)
	UpdateObjectiveRun(id, lastStatus, lastError string, nextRunAt *time.Time) error
	UpdateObjectiveStatus(id, status string) error
	DeleteObjective(id string) error

	Close() error
}

type Store struct {
	db *sql.DB
}

// Open returns the durable SQLite backend, or the in-memory fallback with a
// degraded-mode warning when SQLite cannot be opened. A persistence failure
// is never fatal to the coordination loop.
func Open(path string) Backend {
	s, err := New(path)
	if err != nil {
		slog.Warn("durable store unavailable, running degraded with in-memory state", "path", path, "error", err)
		return NewMemStore()
	}
	return s
}

func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			topology    TEXT NOT NULL,
			objective   TEXT,
			status      TEXT DEFAULT 'initializing',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			swarm_id        TEXT NOT NULL,
			type            TEXT NOT NULL,
			capabilities    TEXT NOT NULL,
			status          TEXT DEFAULT 'idle',
			tasks_completed INTEGER DEFAULT 0,
			tasks_failed    INTEGER DEFAULT 0,
			mean_duration_ms INTEGER DEFAULT 0,
			last_activity   DATETIME,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON agents(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			swarm_id    TEXT NOT NULL,
			type        TEXT NOT NULL,
			description TEXT NOT NULL,
			priority    INTEGER DEFAULT 0,
			depends_on  TEXT NOT NULL,
			status      TEXT DEFAULT 'pending',
			agent_id    TEXT,
			retries     INTEGER DEFAULT 0,
			deadline    DATETIME,
			result      TEXT,
			error       TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_swarm ON tasks(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			namespace    TEXT NOT NULL,
			key          TEXT NOT NULL,
			value        BLOB NOT NULL,
			compressed   BOOLEAN DEFAULT FALSE,
			owner        TEXT,
			expires_at   DATETIME,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_access  DATETIME DEFAULT CURRENT_TIMESTAMP,
			access_count INTEGER DEFAULT 0,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id         TEXT PRIMARY KEY,
			swarm_id   TEXT NOT NULL,
			topic      TEXT NOT NULL,
			options    TEXT NOT NULL,
			votes      TEXT,
			quorum     REAL NOT NULL,
			status     TEXT DEFAULT 'open',
			winner     TEXT,
			deadline   DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			sender     TEXT NOT NULL,
			recipients TEXT NOT NULL,
			payload    TEXT,
			priority   INTEGER DEFAULT 0,
			status     TEXT DEFAULT 'sent',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS scheduled_objectives (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			objective   TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_objectives_next_run ON scheduled_objectives(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
