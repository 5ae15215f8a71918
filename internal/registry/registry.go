// Package registry owns agent identity, capability sets and the agent
// lifecycle state machine. All agent state mutation goes through registry
// methods; callers only ever see snapshots.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/hived/internal/store"
)

var (
	ErrUnknownAgent      = errors.New("agent not registered")
	ErrDuplicateAgent    = errors.New("agent already registered")
	ErrUnknownAgentType  = errors.New("unknown agent type")
	ErrInvalidTransition = errors.New("invalid agent status transition")
)

// AgentType is a closed enumeration; free-form type strings are rejected at
// registration.
type AgentType string

const (
	TypeCoordinator AgentType = "coordinator"
	TypeResearcher  AgentType = "researcher"
	TypeCoder       AgentType = "coder"
	TypeAnalyst     AgentType = "analyst"
	TypeTester      AgentType = "tester"
	TypeArchitect   AgentType = "architect"
	TypeReviewer    AgentType = "reviewer"
	TypeDocumenter  AgentType = "documenter"
)

// defaultCapabilities is the capability table consulted when an agent is
// spawned without an explicit capability set.
var defaultCapabilities = map[AgentType][]string{
	TypeCoordinator: {"plan", "delegate", "synthesize"},
	TypeResearcher:  {"research", "summarize", "cite"},
	TypeCoder:       {"implement", "refactor", "debug"},
	TypeAnalyst:     {"analyze", "model", "report"},
	TypeTester:      {"test", "verify", "fuzz"},
	TypeArchitect:   {"design", "decompose", "review"},
	TypeReviewer:    {"review", "critique", "approve"},
	TypeDocumenter:  {"document", "summarize", "diagram"},
}

// preferredType maps a task type (decomposition phase) to the agent type
// best suited for it.
var preferredType = map[string]AgentType{
	"research":  TypeResearcher,
	"design":    TypeArchitect,
	"implement": TypeCoder,
	"test":      TypeTester,
	"review":    TypeReviewer,
	"document":  TypeDocumenter,
	"analyze":   TypeAnalyst,
}

func (t AgentType) Valid() bool {
	_, ok := defaultCapabilities[t]
	return ok
}

func DefaultCapabilities(t AgentType) []string {
	caps := defaultCapabilities[t]
	out := make([]string, len(caps))
	copy(out, caps)
	return out
}

type Status string

const (
	StatusIdle      Status = "idle"
	StatusAssigned  Status = "assigned"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusOffline   Status = "offline"
)

// allowedTransitions encodes the lifecycle state machine. offline is
// reachable from every state via MarkStale and exits to idle on reconnect.
var allowedTransitions = map[Status][]Status{
	StatusIdle:      {StatusAssigned, StatusOffline},
	StatusAssigned:  {StatusExecuting, StatusIdle, StatusOffline},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusOffline},
	StatusCompleted: {StatusIdle, StatusOffline},
	StatusFailed:    {StatusIdle, StatusOffline},
	StatusOffline:   {StatusIdle},
}

type typeRecord struct {
	attempts  int
	successes int
}

// Agent is a snapshot of a registered worker. The zero LastHeartbeat means
// the agent has never reported liveness.
type Agent struct {
	ID             string
	Type           AgentType
	Capabilities   []string
	Status         Status
	TasksCompleted int
	TasksFailed    int
	TotalDuration  time.Duration
	LastActivity   time.Time
	LastHeartbeat  time.Time
	CooldownUntil  time.Time

	byType map[string]*typeRecord
}

// MeanDuration is the average wall time of this agent's finished tasks.
func (a Agent) MeanDuration() time.Duration {
	n := a.TasksCompleted + a.TasksFailed
	if n == 0 {
		return 0
	}
	return a.TotalDuration / time.Duration(n)
}

type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	cooldown time.Duration
	swarmID  string
	db       store.Backend
}

func New(db store.Backend, swarmID string, cooldown time.Duration) *Registry {
	return &Registry{
		agents:   make(map[string]*Agent),
		cooldown: cooldown,
		swarmID:  swarmID,
		db:       db,
	}
}

// Register adds an agent with the default capability set for its type when
// none is given.
func (r *Registry) Register(id string, t AgentType, caps []string) (Agent, error) {
	if !t.Valid() {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgentType, t)
	}
	if len(caps) == 0 {
		caps = DefaultCapabilities(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return Agent{}, fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}

	a := &Agent{
		ID:           id,
		Type:         t,
		Capabilities: caps,
		Status:       StatusIdle,
		LastActivity: time.Now(),
		byType:       make(map[string]*typeRecord),
	}
	r.agents[id] = a
	r.persist(a)
	return *a, nil
}

func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(r.agents, id)
	if r.db != nil {
		if err := r.db.DeleteAgent(id); err != nil {
			slog.Warn("delete agent record failed", "agent", id, "error", err)
		}
	}
	return nil
}

// Transition moves an agent through the lifecycle state machine; an illegal
// move is a validation error, never silently applied.
func (r *Registry) Transition(id string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if !transitionAllowed(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s (agent %s)", ErrInvalidTransition, a.Status, to, id)
	}
	a.Status = to
	a.LastActivity = time.Now()
	if to == StatusCompleted || to == StatusFailed {
		a.CooldownUntil = time.Now().Add(r.cooldown)
	}
	r.persist(a)
	return nil
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RecordResult folds a finished task into the agent's running stats.
func (r *Registry) RecordResult(id, taskType string, d time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	if success {
		a.TasksCompleted++
	} else {
		a.TasksFailed++
	}
	a.TotalDuration += d
	a.LastActivity = time.Now()

	rec := a.byType[taskType]
	if rec == nil {
		rec = &typeRecord{}
		a.byType[taskType] = rec
	}
	rec.attempts++
	if success {
		rec.successes++
	}
	r.persist(a)
}

// Heartbeat records liveness; an offline agent reconnecting returns to idle.
func (r *Registry) Heartbeat(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	a.LastHeartbeat = at
	if a.Status == StatusOffline {
		a.Status = StatusIdle
		a.LastActivity = time.Now()
		r.persist(a)
	}
}

// MarkStale transitions agents whose last heartbeat is older than timeout to
// offline and returns their ids.
func (r *Registry) MarkStale(timeout time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []string
	for id, a := range r.agents {
		if a.Status == StatusOffline {
			continue
		}
		last := a.LastHeartbeat
		if last.IsZero() {
			last = a.LastActivity
		}
		if now.Sub(last) > timeout {
			a.Status = StatusOffline
			stale = append(stale, id)
			r.persist(a)
		}
	}
	return stale
}

// ReleaseCooled returns completed/failed agents whose cool-down has elapsed
// to the idle pool.
func (r *Registry) ReleaseCooled(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []string
	for id, a := range r.agents {
		if (a.Status == StatusCompleted || a.Status == StatusFailed) && !now.Before(a.CooldownUntil) {
			a.Status = StatusIdle
			released = append(released, id)
			r.persist(a)
		}
	}
	return released
}

func (r *Registry) CountsByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

const (
	weightTypeMatch   = 0.4
	weightCapOverlap  = 0.35
	weightSuccessRate = 0.25
)

// MatchScore rates how well an agent fits a task in [0,1]: exact type match,
// capability overlap with the required set, and historical success rate on
// this task type. An unknown agent scores 0.
func (r *Registry) MatchScore(id, taskType string, required []string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return 0
	}

	typeMatch := 0.0
	if pref, ok := preferredType[taskType]; ok && a.Type == pref {
		typeMatch = 1.0
	}

	overlap := capabilityOverlap(a.Capabilities, required)

	// Neutral prior until the agent has history on this task type.
	successRate := 0.5
	if rec, ok := a.byType[taskType]; ok && rec.attempts > 0 {
		successRate = float64(rec.successes) / float64(rec.attempts)
	}

	return weightTypeMatch*typeMatch + weightCapOverlap*overlap + weightSuccessRate*successRate
}

func capabilityOverlap(have, want []string) float64 {
	if len(want) == 0 {
		return 1.0
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	matched := 0
	for _, c := range want {
		if set[c] {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

func (r *Registry) persist(a *Agent) {
	if r.db == nil {
		return
	}
	rec := &store.Agent{
		ID:             a.ID,
		SwarmID:        r.swarmID,
		Type:           string(a.Type),
		Capabilities:   a.Capabilities,
		Status:         string(a.Status),
		TasksCompleted: a.TasksCompleted,
		TasksFailed:    a.TasksFailed,
		MeanDuration:   a.MeanDuration(),
	}
	if !a.LastActivity.IsZero() {
		la := a.LastActivity
		rec.LastActivity = &la
	}
	if err := r.db.SaveAgent(rec); err != nil {
		slog.Warn("persist agent failed", "agent", a.ID, "error", err)
	}
}
