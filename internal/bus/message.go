package bus

import (
	"encoding/json"
	"sync"
	"time"
)

type MessageType string

const (
	TypeDirect    MessageType = "direct"
	TypeBroadcast MessageType = "broadcast"
	TypeMulticast MessageType = "multicast"
	TypeGossip    MessageType = "gossip"
	TypeVote      MessageType = "vote"
	TypeHeartbeat MessageType = "heartbeat"
)

type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
	StatusDropped DeliveryStatus = "dropped"
)

// Message is the envelope carried on every swarm subject. Messages are
// ephemeral: they live in the bounded history ring and the persisted message
// log, not in any replayable queue.
type Message struct {
	ID         string          `json:"id"`
	Type       MessageType     `json:"type"`
	Sender     string          `json:"sender"`
	Recipients []string        `json:"recipients,omitempty"` // empty = all
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	Timestamp  time.Time       `json:"timestamp"`
	Hops       int             `json:"hops,omitempty"`   // remaining gossip hop budget
	Fanout     int             `json:"fanout,omitempty"` // gossip fan-out per hop
	Status     DeliveryStatus  `json:"status,omitempty"`
}

// history is a bounded ring of recent messages kept for stats and replay.
type history struct {
	mu   sync.Mutex
	ring []Message
	next int
	size int
}

func newHistory(capacity int) *history {
	return &history{ring: make([]Message, capacity)}
}

func (h *history) record(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = m
	h.next = (h.next + 1) % len(h.ring)
	if h.size < len(h.ring) {
		h.size++
	}
}

// recent returns up to n messages, oldest first.
func (h *history) recent(n int) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]Message, 0, n)
	start := h.next - n
	if start < 0 {
		start += len(h.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

func (h *history) countByType() map[MessageType]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[MessageType]int)
	start := h.next - h.size
	if start < 0 {
		start += len(h.ring)
	}
	for i := 0; i < h.size; i++ {
		counts[h.ring[(start+i)%len(h.ring)].Type]++
	}
	return counts
}
