// internal/tasks/types.go
package tasks

import (
	"fmt"
	"time"
)

// Status represents the current state of a task in the exchange.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusAuctioning   Status = "auctioning"
	StatusAssigned     Status = "assigned"
	StatusAcked        Status = "acked"
	StatusExecuting    Status = "executing"
	StatusSettled      Status = "settled"
	StatusBusted       Status = "busted"
	StatusCancelled    Status = "cancelled"
	StatusDeadLettered Status = "dead_lettered"
)

// RoutingMode controls whether a task's auction is open to every biddable
// (non-excluded) agent or locked to the agent that produced it (subtask
// follow-ups).
type RoutingMode string

const (
	RoutingOpen   RoutingMode = "open"
	RoutingLocked RoutingMode = "locked"
)

// validTransitions enumerates the legal status moves.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusAuctioning, StatusCancelled},
	StatusAuctioning: {StatusAssigned, StatusCancelled, StatusDeadLettered},
	StatusAssigned:   {StatusAcked, StatusBusted, StatusCancelled},
	StatusAcked:      {StatusExecuting, StatusBusted, StatusCancelled},
	StatusExecuting:  {StatusSettled, StatusBusted, StatusCancelled},
	StatusBusted:     {StatusAuctioning, StatusDeadLettered},
	StatusSettled:    {},
	StatusCancelled:  {},
	StatusDeadLettered: {},
}

// NeedsInput is an agent's request for a missing field: the task pauses
// awaiting the user's next utterance instead of settling.
type NeedsInput struct {
	Field   string            `json:"field"`
	Options []string          `json:"options,omitempty"`
	Partial map[string]string `json:"partial,omitempty"`
}

// Result holds the payload an agent returned for a task.
type Result struct {
	Success           bool                   `json:"success"`
	Text              string                 `json:"text,omitempty"`
	Data              map[string]interface{} `json:"data,omitempty"`
	Error             string                 `json:"error,omitempty"`
	NeedsInput        *NeedsInput            `json:"needs_input,omitempty"`
	Warning           string                 `json:"warning,omitempty"`
	HallucinationRisk string                 `json:"hallucination_risk,omitempty"` // low|medium|high
	ExecutionType     string                 `json:"execution_type,omitempty"`     // informational|actuated
}

// Task is a unit of routed work: an utterance that went through the
// submission pipeline and, from StatusAuctioning on, an auction.
type Task struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	Priority    int         `json:"priority"` // 1-4, 1=critical, mirrors events.Priority*
	Status      Status      `json:"status"`
	RoutingMode RoutingMode `json:"routing_mode"`

	SourceTool     string   `json:"source_tool,omitempty"`
	AgentFilter    []string `json:"agent_filter,omitempty"`
	ParentTaskID   string   `json:"parent_task_id,omitempty"`
	LockedAgentID  string   `json:"locked_agent_id,omitempty"`
	RawTranscript  string   `json:"raw_transcript,omitempty"`
	ScreenContext  string   `json:"screen_context,omitempty"`

	WinningAgentID    string   `json:"winning_agent_id,omitempty"`
	WinningConfidence float64  `json:"winning_confidence,omitempty"`
	BackupRanking     []string `json:"backup_ranking,omitempty"`
	Attempt           int      `json:"attempt"`

	AckDeadline       *time.Time `json:"ack_deadline,omitempty"`
	ExecutionDeadline *time.Time `json:"execution_deadline,omitempty"`

	Result *Result `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// NewTask creates a queued task with an auto-generated ID.
func NewTask(content string, priority int) *Task {
	now := time.Now()
	return &Task{
		ID:          fmt.Sprintf("task-%d", now.UnixNano()),
		Content:     content,
		Priority:    priority,
		Status:      StatusQueued,
		RoutingMode: RoutingOpen,
		Attempt:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.Priority < 1 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 1 and 4")
	}
	if t.Content == "" {
		return fmt.Errorf("content is required")
	}
	if t.RoutingMode == RoutingLocked && t.LockedAgentID == "" {
		return fmt.Errorf("locked routing mode requires a locked agent id")
	}
	return nil
}

// TransitionTo attempts to move the task to a new status, returning an error
// if the move is not in validTransitions.
func (t *Task) TransitionTo(newStatus Status) error {
	allowed, ok := validTransitions[t.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", t.Status)
	}

	for _, s := range allowed {
		if s == newStatus {
			t.Status = newStatus
			t.UpdatedAt = time.Now()
			switch newStatus {
			case StatusAssigned:
				now := time.Now()
				t.AssignedAt = &now
			case StatusSettled:
				now := time.Now()
				t.SettledAt = &now
			}
			return nil
		}
	}

	return fmt.Errorf("invalid transition from %s to %s", t.Status, newStatus)
}

// IsTerminal returns true if the task is in a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusSettled, StatusCancelled, StatusDeadLettered:
		return true
	default:
		return false
	}
}
