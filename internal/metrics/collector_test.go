package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/taskexchange/exchange/internal/events"
)

func TestObserveTaskQueuedIncrementsCounter(t *testing.T) {
	c := NewCollector()
	c.Observe(*events.NewEvent(events.TaskQueued, "", "task-1", events.PriorityNormal, nil))

	if got := testutil.ToFloat64(c.tasksQueued); got != 1 {
		t.Errorf("expected tasksQueued=1, got %v", got)
	}
}

func TestObserveAuctionLifecycle(t *testing.T) {
	c := NewCollector()

	c.Observe(*events.NewEvent(events.AuctionStarted, "", "task-1", events.PriorityNormal, nil))
	if got := testutil.ToFloat64(c.auctionsOpen); got != 1 {
		t.Fatalf("expected auctionsOpen=1 after start, got %v", got)
	}

	c.Observe(*events.NewEvent(events.TaskAssigned, "agent-1", "task-1", events.PriorityNormal, nil))
	if got := testutil.ToFloat64(c.auctionsOpen); got != 0 {
		t.Errorf("expected auctionsOpen=0 after assignment, got %v", got)
	}
	if got := testutil.ToFloat64(c.tasksInFlight); got != 1 {
		t.Errorf("expected tasksInFlight=1 after assignment, got %v", got)
	}

	c.Observe(*events.NewEvent(events.TaskSettled, "agent-1", "task-1", events.PriorityNormal, nil))
	if got := testutil.ToFloat64(c.tasksInFlight); got != 0 {
		t.Errorf("expected tasksInFlight=0 after settle, got %v", got)
	}
	if got := testutil.ToFloat64(c.tasksSettled); got != 1 {
		t.Errorf("expected tasksSettled=1 after settle, got %v", got)
	}
}

func TestObserveAuctionHaltLabelsByReason(t *testing.T) {
	c := NewCollector()
	c.Observe(*events.NewEvent(events.AuctionStarted, "", "task-1", events.PriorityNormal, nil))
	c.Observe(*events.NewEvent(events.ExchangeHalt, "", "task-1", events.PriorityHigh,
		map[string]interface{}{"reason": "no_bidders"}))

	got := testutil.ToFloat64(c.auctionsHalted.WithLabelValues("no_bidders"))
	if got != 1 {
		t.Errorf("expected auctionsHalted{reason=no_bidders}=1, got %v", got)
	}
}

func TestObserveAgentConnectionGauge(t *testing.T) {
	c := NewCollector()
	c.Observe(*events.NewEvent(events.AgentConnected, "agent-1", "all", events.PriorityNormal, nil))
	c.Observe(*events.NewEvent(events.AgentConnected, "agent-2", "all", events.PriorityNormal, nil))
	c.Observe(*events.NewEvent(events.AgentDisconnected, "agent-1", "all", events.PriorityNormal, nil))

	if got := testutil.ToFloat64(c.agentsConnected); got != 1 {
		t.Errorf("expected agentsConnected=1, got %v", got)
	}
}

func TestListenAndObserveDrainsBus(t *testing.T) {
	bus := events.NewBus(nil)
	c := NewCollector()
	c.ListenAndObserve(bus)

	bus.Publish(events.NewEvent(events.TaskQueued, "", "task-1", events.PriorityNormal, nil))

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(c.tasksQueued) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected tasksQueued=1 after bus delivery, got %v", testutil.ToFloat64(c.tasksQueued))
}
