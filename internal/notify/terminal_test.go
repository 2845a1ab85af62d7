package notify

import (
	"testing"

	"github.com/taskexchange/exchange/internal/events"
)

func TestTerminalChannelIgnoresRoutineEvents(t *testing.T) {
	ch := NewTerminalChannel("")
	event := events.NewEvent(events.TaskExecuting, "agent-1", "task-1", events.PriorityNormal, nil)
	if ch.ShouldNotify(*event) {
		t.Error("ShouldNotify should be false for routine task:executing events")
	}
}

func TestNewTerminalChannelDefaultsTitle(t *testing.T) {
	ch := NewTerminalChannel("")
	if ch.originalTitle == "" {
		t.Error("expected a non-empty default title")
	}
}
