package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/taskexchange/exchange/internal/events"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	reg := prometheus.NewRegistry()
	cb := NewCircuitBreaker(reg, nil, time.Minute, 3)

	cb.RecordFault("agent-1")
	if cb.IsOpen("agent-1") {
		t.Fatal("circuit should not be open after one fault")
	}
	cb.RecordFault("agent-1")
	cb.RecordFault("agent-1")

	if !cb.IsOpen("agent-1") {
		t.Error("circuit should be open after threshold faults")
	}
	if got := testutil.ToFloat64(cb.state.WithLabelValues("agent-1")); got != 1 {
		t.Errorf("expected gauge=1 when open, got %v", got)
	}
}

func TestCircuitBreakerFaultsOutsideWindowDontAccumulate(t *testing.T) {
	reg := prometheus.NewRegistry()
	cb := NewCircuitBreaker(reg, nil, 50*time.Millisecond, 2)

	cb.RecordFault("agent-1")
	time.Sleep(100 * time.Millisecond)
	cb.RecordFault("agent-1")

	if cb.IsOpen("agent-1") {
		t.Error("circuit should not trip when faults are outside the window")
	}
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	cb := NewCircuitBreaker(reg, nil, time.Minute, 2)

	cb.RecordFault("agent-1")
	cb.RecordFault("agent-1")
	if !cb.IsOpen("agent-1") {
		t.Fatal("circuit should be open")
	}

	cb.RecordSuccess("agent-1")
	if cb.IsOpen("agent-1") {
		t.Error("circuit should close after a recorded success")
	}
	if got := testutil.ToFloat64(cb.state.WithLabelValues("agent-1")); got != 0 {
		t.Errorf("expected gauge=0 after close, got %v", got)
	}
}

func TestCircuitBreakerPublishesAgentFlagged(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := events.NewBus(nil)
	sub := bus.Subscribe("all", []events.EventType{events.AgentFlagged})
	cb := NewCircuitBreaker(reg, bus, time.Minute, 1)

	cb.RecordFault("agent-1")

	select {
	case event := <-sub:
		if event.Source != "agent-1" {
			t.Errorf("expected source=agent-1, got %s", event.Source)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("expected an agent:flagged event to be published")
	}
}

func TestListenAndTripDrainsBus(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := events.NewBus(nil)
	cb := NewCircuitBreaker(reg, nil, time.Minute, 1)
	cb.ListenAndTrip(bus)

	bus.Publish(events.NewEvent(events.TaskBusted, "agent-1", "task-1", events.PriorityNormal, nil))

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if cb.IsOpen("agent-1") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected circuit to open after a busted event from the bus")
}
