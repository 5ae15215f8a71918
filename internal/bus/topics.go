package bus

import "fmt"

// Subject patterns for swarm pub/sub communication.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

const (
	TopicBroadcast = "swarm.broadcast"
	TopicHeartbeat = "swarm.heartbeat"
	TopicVote      = "swarm.vote"

	TopicEventsAll       = "events.>"
	TopicEventsTask      = "events.task"
	TopicEventsConsensus = "events.consensus"
	TopicEventsAgent     = "events.agent.health"
	TopicEventsMemory    = "events.memory.health"
	TopicEventsDelivery  = "events.bus.delivery"
)
