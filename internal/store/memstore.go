package store

import (
	"sort"
	"sync"
	"time"
)

// MemStore is the in-memory fallback backend. It honors the same contract
// as the SQLite store but loses state on process exit; the core uses it when
// the durable store cannot be opened.
type MemStore struct {
	mu         sync.RWMutex
	swarms     map[string]Swarm
	agents     map[string]Agent
	tasks      map[string]Task
	memory     map[string]MemoryEntry // namespace + "\x00" + key
	proposals  map[string]Proposal
	messages   []Message
	objectives map[string]ScheduledObjective
}

func NewMemStore() *MemStore {
	return &MemStore{
		swarms:     make(map[string]Swarm),
		agents:     make(map[string]Agent),
		tasks:      make(map[string]Task),
		memory:     make(map[string]MemoryEntry),
		proposals:  make(map[string]Proposal),
		objectives: make(map[string]ScheduledObjective),
	}
}

func (m *MemStore) SaveSwarm(s *Swarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if old, ok := m.swarms[s.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	m.swarms[s.ID] = cp
	return nil
}

func (m *MemStore) GetSwarm(id string) (*Swarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.swarms[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemStore) SaveAgent(a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	if old, ok := m.agents[a.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.agents[a.ID] = cp
	return nil
}

func (m *MemStore) GetAgent(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemStore) ListAgents() ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

func (m *MemStore) DeleteAgent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	return nil
}

func (m *MemStore) SaveTask(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	if old, ok := m.tasks[t.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	m.tasks[t.ID] = cp
	return nil
}

func (m *MemStore) GetTask(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *MemStore) ListTasks(swarmID string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tasks []Task
	for _, t := range m.tasks {
		if t.SwarmID == swarmID {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func memKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (m *MemStore) SaveMemoryEntry(e *MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory[memKey(e.Namespace, e.Key)] = *e
	return nil
}

func (m *MemStore) DeleteMemoryEntry(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memory, memKey(namespace, key))
	return nil
}

func (m *MemStore) ListMemoryEntries() ([]MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]MemoryEntry, 0, len(m.memory))
	for _, e := range m.memory {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Namespace != entries[j].Namespace {
			return entries[i].Namespace < entries[j].Namespace
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func (m *MemStore) SaveProposal(p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if old, ok := m.proposals[p.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.proposals[p.ID] = cp
	return nil
}

func (m *MemStore) GetProposal(id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemStore) SaveMessage(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.messages = append(m.messages, cp)
	return nil
}

func (m *MemStore) RecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := len(m.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(m.messages)-start)
	copy(out, m.messages[start:])
	return out, nil
}

func (m *MemStore) SaveObjective(o *ScheduledObjective) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	if old, ok := m.objectives[o.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.objectives[o.ID] = cp
	return nil
}

func (m *MemStore) ListObjectives() ([]ScheduledObjective, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objectives := make([]ScheduledObjective, 0, len(m.objectives))
	for _, o := range m.objectives {
		objectives = append(objectives, o)
	}
	sort.Slice(objectives, func(i, j int) bool { return objectives[i].CreatedAt.Before(objectives[j].CreatedAt) })
	return objectives, nil
}

func (m *MemStore) DueObjectives(now time.Time) ([]ScheduledObjective, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []ScheduledObjective
	for _, o := range m.objectives {
		if o.Status == "active" && o.NextRunAt != nil && !o.NextRunAt.After(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (m *MemStore) UpdateObjectiveRun(id, lastStatus, lastError string, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objectives[id]
	if !ok {
		return nil
	}
	now := time.Now()
	o.LastRunAt = &now
	o.LastStatus = lastStatus
	o.LastError = lastError
	o.NextRunAt = nextRunAt
	m.objectives[id] = o
	return nil
}

func (m *MemStore) UpdateObjectiveStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objectives[id]
	if !ok {
		return nil
	}
	o.Status = status
	m.objectives[id] = o
	return nil
}

func (m *MemStore) DeleteObjective(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objectives, id)
	return nil
}

func (m *MemStore) Close() error {
	return nil
}
