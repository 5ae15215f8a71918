// Package consensus runs quorum voting among swarm agents. Proposals resolve
// early once a single option reaches quorum, or at the deadline by
// confidence-weighted tally when enough voters participated.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hived/internal/bus"
	"github.com/mtzanidakis/hived/internal/config"
	"github.com/mtzanidakis/hived/internal/store"
)

var (
	ErrUnknownProposal = errors.New("unknown proposal")
	ErrDuplicateVote   = errors.New("agent already voted")
	ErrVotingClosed    = errors.New("voting closed")
	ErrUnknownOption   = errors.New("option not on the ballot")
	ErrIneligibleVoter = errors.New("agent not an expected voter")
	ErrNoOptions       = errors.New("proposal needs at least two options")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

type Vote struct {
	Option     string    `json:"option"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// Proposal is a snapshot; Votes is keyed by agent id.
type Proposal struct {
	ID             string          `json:"id"`
	Topic          string          `json:"topic"`
	Options        []string        `json:"options"`
	Quorum         float64         `json:"quorum"`
	ExpectedVoters []string        `json:"expected_voters"`
	Deadline       time.Time       `json:"deadline"`
	Status         Status          `json:"status"`
	Winner         string          `json:"winner,omitempty"`
	Votes          map[string]Vote `json:"votes"`
	CreatedAt      time.Time       `json:"created_at"`
}

type proposal struct {
	Proposal
	eligible map[string]bool
}

// Publisher announces consensus outcomes; bus.Client satisfies it.
type Publisher interface {
	PublishEvent(subject string, v any) error
}

type Engine struct {
	mu        sync.Mutex
	cfg       config.ConsensusConfig
	proposals map[string]*proposal
	voters    func() []string
	pub       Publisher
	db        store.Backend
	swarmID   string
}

// New builds an engine. voters supplies the default expected-voter set when a
// proposal does not name one; pub and db may be nil.
func New(cfg config.ConsensusConfig, voters func() []string, pub Publisher, db store.Backend, swarmID string) *Engine {
	return &Engine{
		cfg:       cfg,
		proposals: make(map[string]*proposal),
		voters:    voters,
		pub:       pub,
		db:        db,
		swarmID:   swarmID,
	}
}

// CreateProposal opens a ballot. quorum <= 0 and timeout <= 0 fall back to
// the configured defaults; an empty expectedVoters set defaults to the
// engine's voter source at creation time.
func (e *Engine) CreateProposal(topic string, options []string, quorum float64, timeout time.Duration, expectedVoters []string) (Proposal, error) {
	if len(options) < 2 {
		return Proposal{}, fmt.Errorf("%w: got %d", ErrNoOptions, len(options))
	}
	if quorum <= 0 {
		quorum = e.cfg.Quorum
	}
	if quorum > 1 {
		return Proposal{}, fmt.Errorf("quorum must be in (0,1], got %v", quorum)
	}
	if timeout <= 0 {
		timeout = e.cfg.VoteTimeout
	}
	if len(expectedVoters) == 0 && e.voters != nil {
		expectedVoters = e.voters()
	}
	if len(expectedVoters) == 0 {
		return Proposal{}, errors.New("no expected voters")
	}

	now := time.Now()
	p := &proposal{
		Proposal: Proposal{
			ID:             uuid.New().String(),
			Topic:          topic,
			Options:        append([]string(nil), options...),
			Quorum:         quorum,
			ExpectedVoters: append([]string(nil), expectedVoters...),
			Deadline:       now.Add(timeout),
			Status:         StatusPending,
			Votes:          make(map[string]Vote),
			CreatedAt:      now,
		},
		eligible: make(map[string]bool, len(expectedVoters)),
	}
	for _, v := range expectedVoters {
		p.eligible[v] = true
	}

	e.mu.Lock()
	e.proposals[p.ID] = p
	e.mu.Unlock()

	e.persist(p)
	slog.Info("proposal opened", "proposal", p.ID, "topic", topic, "voters", len(expectedVoters), "quorum", quorum)
	return p.snapshot(), nil
}

// Vote records an agent's choice. The proposal resolves immediately when an
// option reaches quorum of the expected voters.
func (e *Engine) Vote(proposalID, agentID, option string, confidence float64) error {
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}

	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if p.Status != StatusPending || time.Now().After(p.Deadline) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrVotingClosed, proposalID)
	}
	if !p.eligible[agentID] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIneligibleVoter, agentID)
	}
	if _, voted := p.Votes[agentID]; voted {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", ErrDuplicateVote, agentID, proposalID)
	}
	if !contains(p.Options, option) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownOption, option)
	}

	p.Votes[agentID] = Vote{Option: option, Confidence: confidence, At: time.Now()}

	resolved := false
	if counts := p.countByOption(); counts[option] >= p.needed() {
		e.resolveLocked(p, option)
		resolved = true
	}
	e.mu.Unlock()

	e.persist(p)
	if resolved {
		e.announce(p)
	}
	return nil
}

func (e *Engine) Get(proposalID string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	return p.snapshot(), nil
}

func (e *Engine) Pending() []Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Proposal
	for _, p := range e.proposals {
		if p.Status == StatusPending {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// ExpireDue resolves proposals past their deadline: quorum participation
// picks the confidence-weighted winner, anything short of quorum is rejected.
func (e *Engine) ExpireDue(now time.Time) []Proposal {
	e.mu.Lock()
	var due []*proposal
	for _, p := range e.proposals {
		if p.Status == StatusPending && now.After(p.Deadline) {
			if len(p.Votes) >= p.needed() {
				e.resolveLocked(p, p.weightedWinner())
			} else {
				p.Status = StatusRejected
				slog.Info("proposal rejected, quorum unmet", "proposal", p.ID, "votes", len(p.Votes), "needed", p.needed())
			}
			due = append(due, p)
		}
	}
	out := make([]Proposal, len(due))
	for i, p := range due {
		out[i] = p.snapshot()
	}
	e.mu.Unlock()

	for _, p := range due {
		e.persist(p)
		e.announce(p)
	}
	return out
}

// Run drives deadline expiry until the context ends.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.ExpiryInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.ExpireDue(now)
		}
	}
}

func (p *proposal) needed() int {
	n := int(math.Ceil(p.Quorum * float64(len(p.ExpectedVoters))))
	if n < 1 {
		n = 1
	}
	return n
}

func (p *proposal) countByOption() map[string]int {
	counts := make(map[string]int)
	for _, v := range p.Votes {
		counts[v.Option]++
	}
	return counts
}

// weightedWinner sums confidence per option; ties break to the
// lexicographically lowest option so resolution is deterministic.
func (p *proposal) weightedWinner() string {
	weights := make(map[string]float64)
	for _, v := range p.Votes {
		weights[v.Option] += v.Confidence
	}
	options := make([]string, 0, len(weights))
	for o := range weights {
		options = append(options, o)
	}
	sort.Strings(options)
	winner := ""
	best := -1.0
	for _, o := range options {
		if weights[o] > best {
			winner = o
			best = weights[o]
		}
	}
	return winner
}

func (e *Engine) resolveLocked(p *proposal, winner string) {
	p.Status = StatusApproved
	p.Winner = winner
	slog.Info("proposal resolved", "proposal", p.ID, "topic", p.Topic, "winner", winner, "votes", len(p.Votes))
}

func (p *proposal) snapshot() Proposal {
	out := p.Proposal
	out.Options = append([]string(nil), p.Options...)
	out.ExpectedVoters = append([]string(nil), p.ExpectedVoters...)
	out.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	return out
}

func (e *Engine) announce(p *proposal) {
	if e.pub == nil {
		return
	}
	e.mu.Lock()
	snap := p.snapshot()
	e.mu.Unlock()
	err := e.pub.PublishEvent(bus.TopicEventsConsensus, map[string]any{
		"proposal_id": snap.ID,
		"topic":       snap.Topic,
		"status":      snap.Status,
		"winner":      snap.Winner,
		"votes":       len(snap.Votes),
	})
	if err != nil {
		slog.Warn("announce consensus result failed", "proposal", snap.ID, "error", err)
	}
}

func (e *Engine) persist(p *proposal) {
	if e.db == nil {
		return
	}
	e.mu.Lock()
	snap := p.snapshot()
	e.mu.Unlock()

	votes, err := json.Marshal(snap.Votes)
	if err != nil {
		slog.Warn("marshal votes failed", "proposal", snap.ID, "error", err)
		return
	}
	rec := &store.Proposal{
		ID:        snap.ID,
		SwarmID:   e.swarmID,
		Topic:     snap.Topic,
		Options:   snap.Options,
		Votes:     votes,
		Quorum:    snap.Quorum,
		Status:    string(snap.Status),
		Winner:    snap.Winner,
		Deadline:  snap.Deadline,
		CreatedAt: snap.CreatedAt,
	}
	if err := e.db.SaveProposal(rec); err != nil {
		slog.Warn("persist proposal failed", "proposal", snap.ID, "error", err)
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
