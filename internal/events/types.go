package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle event on the bus.
type EventType string

// Event type constants, the exchange's egress vocabulary. Target is
// always a task id; "all" is the broadcast sentinel subscribers use to
// observe every task.
const (
	TaskQueued        EventType = "task:queued"
	AuctionStarted    EventType = "auction:started"
	ExchangeHalt      EventType = "exchange:halt"
	TaskAssigned      EventType = "task:assigned"
	TaskExecuting     EventType = "task:executing"
	TaskLocked        EventType = "task:locked"
	TaskUnlocked      EventType = "task:unlocked"
	TaskHeartbeat     EventType = "task:heartbeat"
	TaskBusted        EventType = "task:busted"
	TaskSettled       EventType = "task:settled"
	TaskDeadLetter    EventType = "task:dead_letter"
	TaskCancelled     EventType = "task:cancelled"
	TaskNeedsInput    EventType = "task:needs-input"
	TaskRouteToError  EventType = "task:route_to_error_agent"
	TaskDecomposed    EventType = "task:decomposed"
	AgentConnected    EventType = "agent:connected"
	AgentDisconnected EventType = "agent:disconnected"
	AgentFlagged      EventType = "agent:flagged"
)

// Priority constants for events
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event represents a lifecycle event that can be published and subscribed to.
// Target carries the task id the event belongs to (or "all" for broadcast
// subscribers); Source carries the agent id where one is meaningful.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType EventType, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns all defined event types
func AllEventTypes() []EventType {
	return []EventType{
		TaskQueued, AuctionStarted, ExchangeHalt, TaskAssigned, TaskExecuting,
		TaskLocked, TaskUnlocked, TaskHeartbeat, TaskBusted, TaskSettled,
		TaskDeadLetter, TaskCancelled, TaskNeedsInput, TaskRouteToError,
		TaskDecomposed, AgentConnected, AgentDisconnected, AgentFlagged,
	}
}
