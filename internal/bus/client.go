package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hived/internal/store"
)

const (
	outboxCapacity      = 256
	historyCapacity     = 1024
	maxDeliveryAttempts = 3
	retryBackoff        = 25 * time.Millisecond
	defaultHopLimit     = 4
	gossipSeenLimit     = 1024
)

// MessageLog persists delivered messages for audit. store.Backend satisfies
// it; a nil log disables persistence.
type MessageLog interface {
	SaveMessage(m *store.Message) error
}

type outboxItem struct {
	subject string
	msg     Message
}

// Client layers swarm delivery semantics over a NATS connection. All sends
// are fire-and-forget through a bounded outbox; failed publishes are retried
// a fixed number of times and then surfaced as a delivery event, never as a
// synchronous error.
type Client struct {
	conn *nats.Conn
	log  MessageLog

	peersMu sync.RWMutex
	peers   map[string]bool

	hist   *history
	outbox chan outboxItem

	gossipMu    sync.Mutex
	gossipSeen  map[string]map[string]bool
	gossipOrder []string

	done chan struct{}
	once sync.Once
}

func NewClient(b *Bus, log MessageLog) (*Client, error) {
	conn, err := b.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	c := &Client{
		conn:       conn,
		log:        log,
		peers:      make(map[string]bool),
		hist:       newHistory(historyCapacity),
		outbox:     make(chan outboxItem, outboxCapacity),
		gossipSeen: make(map[string]map[string]bool),
		done:       make(chan struct{}),
	}
	go c.deliverLoop()
	return c, nil
}

// SetPeers replaces the known peer set used for broadcast accounting and
// gossip fan-out.
func (c *Client) SetPeers(ids []string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers = make(map[string]bool, len(ids))
	for _, id := range ids {
		c.peers[id] = true
	}
}

func (c *Client) AddPeer(id string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers[id] = true
}

func (c *Client) RemovePeer(id string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	delete(c.peers, id)
}

func (c *Client) peerList() []string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// Send delivers a message to a single agent's inbox.
func (c *Client) Send(to string, msg Message) {
	msg = c.stamp(msg, TypeDirect)
	msg.Recipients = []string{to}
	c.enqueue(TopicAgentInbox(to), msg)
}

// Broadcast delivers a message to every agent.
func (c *Client) Broadcast(msg Message) {
	msg = c.stamp(msg, TypeBroadcast)
	msg.Recipients = nil
	c.enqueue(TopicBroadcast, msg)
}

// Multicast delivers a message to an explicit set of agents.
func (c *Client) Multicast(ids []string, msg Message) {
	msg = c.stamp(msg, TypeMulticast)
	msg.Recipients = ids
	for _, id := range ids {
		c.enqueue(TopicAgentInbox(id), msg)
	}
}

// Gossip starts epidemic propagation: the message is sent to fanout random
// peers, and each recipient forwards it to fanout more until the hop budget
// is spent or every peer has seen it.
func (c *Client) Gossip(msg Message, fanout int) {
	if fanout <= 0 {
		fanout = 1
	}
	msg = c.stamp(msg, TypeGossip)
	msg.Fanout = fanout
	msg.Hops = defaultHopLimit
	c.forwardGossip(msg, msg.Sender)
}

// forwardGossip picks up to msg.Fanout random peers that have not yet seen
// the message and relays to them. Duplicate suppression gives the
// full-coverage termination condition.
func (c *Client) forwardGossip(msg Message, from string) {
	peers := c.peerList()

	c.gossipMu.Lock()
	seen := c.gossipSeen[msg.ID]
	if seen == nil {
		seen = make(map[string]bool)
		c.gossipSeen[msg.ID] = seen
		c.gossipOrder = append(c.gossipOrder, msg.ID)
		if len(c.gossipOrder) > gossipSeenLimit {
			oldest := c.gossipOrder[0]
			c.gossipOrder = c.gossipOrder[1:]
			delete(c.gossipSeen, oldest)
		}
	}
	seen[from] = true
	var candidates []string
	for _, p := range peers {
		if !seen[p] {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	n := msg.Fanout
	if n > len(candidates) {
		n = len(candidates)
	}
	targets := candidates[:n]
	for _, t := range targets {
		seen[t] = true
	}
	c.gossipMu.Unlock()

	for _, t := range targets {
		c.enqueue(TopicAgentInbox(t), msg)
	}
}

// SubscribeInbox delivers inbox messages for an agent to handler. Gossip
// messages are relayed onward before the handler runs.
func (c *Client) SubscribeInbox(agentID string, handler func(Message)) (*nats.Subscription, error) {
	return c.conn.Subscribe(TopicAgentInbox(agentID), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("dropping malformed inbox message", "agent", agentID, "error", err)
			return
		}
		if msg.Type == TypeGossip && msg.Hops > 0 {
			fwd := msg
			fwd.Hops--
			c.forwardGossip(fwd, agentID)
		}
		handler(msg)
	})
}

// SubscribeBroadcast delivers broadcast messages to handler.
func (c *Client) SubscribeBroadcast(handler func(Message)) (*nats.Subscription, error) {
	return c.conn.Subscribe(TopicBroadcast, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("dropping malformed broadcast message", "error", err)
			return
		}
		handler(msg)
	})
}

// VoteCast is the payload of a vote message on the swarm vote subject.
type VoteCast struct {
	ProposalID string  `json:"proposal_id"`
	AgentID    string  `json:"agent_id"`
	Option     string  `json:"option"`
	Confidence float64 `json:"confidence"`
}

// SendVote casts a ballot on the shared vote subject.
func (c *Client) SendVote(v VoteCast) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal vote", "proposal", v.ProposalID, "error", err)
		return
	}
	msg := c.stamp(Message{Sender: v.AgentID, Payload: payload}, TypeVote)
	c.enqueue(TopicVote, msg)
}

// SubscribeVotes delivers every vote cast on the bus to handler; the
// consensus engine is the expected subscriber.
func (c *Client) SubscribeVotes(handler func(VoteCast)) (*nats.Subscription, error) {
	return c.conn.Subscribe(TopicVote, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("dropping malformed vote message", "error", err)
			return
		}
		var v VoteCast
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			slog.Warn("dropping vote with malformed payload", "id", msg.ID, "error", err)
			return
		}
		handler(v)
	})
}

// SendHeartbeat emits a heartbeat for an agent on the shared heartbeat
// subject. Heartbeats are not persisted; they only feed liveness tracking.
func (c *Client) SendHeartbeat(agentID string) {
	msg := c.stamp(Message{Sender: agentID}, TypeHeartbeat)
	c.enqueue(TopicHeartbeat, msg)
}

// SubscribeHeartbeats invokes handler with the sender and timestamp of every
// heartbeat on the bus.
func (c *Client) SubscribeHeartbeats(handler func(agentID string, at time.Time)) (*nats.Subscription, error) {
	return c.conn.Subscribe(TopicHeartbeat, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		handler(msg.Sender, msg.Timestamp)
	})
}

// PublishEvent publishes a typed event for external monitors. Events bypass
// the outbox; they are best-effort.
func (c *Client) PublishEvent(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.conn.Publish(subject, data)
}

// SubscribeEvents delivers raw event payloads on a subject (wildcards allowed).
func (c *Client) SubscribeEvents(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
}

type Stats struct {
	CountsByType map[MessageType]int `json:"counts_by_type"`
	OutboxDepth  int                 `json:"outbox_depth"`
	Peers        int                 `json:"peers"`
}

func (c *Client) Stats() Stats {
	c.peersMu.RLock()
	peers := len(c.peers)
	c.peersMu.RUnlock()
	return Stats{
		CountsByType: c.hist.countByType(),
		OutboxDepth:  len(c.outbox),
		Peers:        peers,
	}
}

// History returns up to n recent messages, oldest first.
func (c *Client) History(n int) []Message {
	return c.hist.recent(n)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
	c.conn.Close()
}

func (c *Client) stamp(msg Message, t MessageType) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Type = t
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

func (c *Client) enqueue(subject string, msg Message) {
	select {
	case c.outbox <- outboxItem{subject: subject, msg: msg}:
	default:
		slog.Warn("bus outbox full, dropping message", "subject", subject, "type", msg.Type)
		msg.Status = StatusDropped
		c.hist.record(msg)
	}
}

func (c *Client) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case item := <-c.outbox:
			c.deliver(item)
		}
	}
}

func (c *Client) deliver(item outboxItem) {
	data, err := json.Marshal(item.msg)
	if err != nil {
		slog.Error("marshal outbound message", "error", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		if lastErr = c.conn.Publish(item.subject, data); lastErr == nil {
			break
		}
		time.Sleep(retryBackoff)
	}

	msg := item.msg
	if lastErr != nil {
		msg.Status = StatusFailed
		slog.Warn("message delivery failed", "subject", item.subject, "id", msg.ID, "error", lastErr)
		_ = c.PublishEvent(TopicEventsDelivery, map[string]any{
			"message_id": msg.ID,
			"subject":    item.subject,
			"error":      lastErr.Error(),
		})
	} else {
		msg.Status = StatusSent
	}
	c.hist.record(msg)
	c.persist(msg)
}

func (c *Client) persist(msg Message) {
	if c.log == nil || msg.Type == TypeHeartbeat {
		return
	}
	rec := &store.Message{
		ID:         msg.ID,
		Type:       string(msg.Type),
		Sender:     msg.Sender,
		Recipients: msg.Recipients,
		Payload:    msg.Payload,
		Priority:   msg.Priority,
		Status:     string(msg.Status),
		CreatedAt:  msg.Timestamp,
	}
	if err := c.log.SaveMessage(rec); err != nil {
		slog.Warn("persist message failed", "id", msg.ID, "error", err)
	}
}
