package natsbridge

import "fmt"

// Subject patterns for the bridge's frame traffic, one per agent so a
// subscriber can scope to exactly the agents it owns.
const (
	subjectAgentFrame     = "exchange.agent.%s.frame"
	subjectAgentHeartbeat = "exchange.agent.%s.heartbeat"
	subjectAllHeartbeats  = "exchange.agent.*.heartbeat"
)

func frameSubject(agentID string) string     { return fmt.Sprintf(subjectAgentFrame, agentID) }
func heartbeatSubject(agentID string) string { return fmt.Sprintf(subjectAgentHeartbeat, agentID) }

// heartbeatMessage is published periodically by a remote agent so the
// bridge can track liveness the way transport.Hub tracks LastSeen.
type heartbeatMessage struct {
	AgentID string `json:"agent_id"`
}
