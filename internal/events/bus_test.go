package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)

	ch := bus.Subscribe("task-1", []EventType{TaskAssigned})

	event := NewEvent(TaskAssigned, "time-agent", "task-1", PriorityNormal, map[string]interface{}{
		"winner": "time-agent",
	})
	bus.Publish(event)

	select {
	case received := <-ch:
		if received.ID != event.ID {
			t.Errorf("event ID = %s, want %s", received.ID, event.ID)
		}
		if received.Type != TaskAssigned {
			t.Errorf("event type = %s, want %s", received.Type, TaskAssigned)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("did not receive event within timeout")
	}

	bus.Unsubscribe("task-1", ch)
}

func TestBusFilterByType(t *testing.T) {
	bus := NewBus(nil)

	ch := bus.Subscribe("task-1", []EventType{TaskSettled})

	settled := NewEvent(TaskSettled, "time-agent", "task-1", PriorityNormal, nil)
	bus.Publish(settled)

	select {
	case received := <-ch:
		if received.Type != TaskSettled {
			t.Errorf("type = %s, want %s", received.Type, TaskSettled)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("did not receive settled event")
	}

	busted := NewEvent(TaskBusted, "time-agent", "task-1", PriorityNormal, nil)
	bus.Publish(busted)

	select {
	case received := <-ch:
		t.Errorf("should not have received event type %s", received.Type)
	case <-time.After(50 * time.Millisecond):
		// expected timeout
	}

	bus.Unsubscribe("task-1", ch)
}

func TestBusBroadcastAll(t *testing.T) {
	bus := NewBus(nil)

	ch1 := bus.Subscribe("task-1", []EventType{TaskSettled})
	ch2 := bus.Subscribe("task-2", []EventType{TaskSettled})

	event := NewEvent(TaskSettled, "time-agent", "all", PriorityNormal, map[string]interface{}{"broadcast": true})
	bus.Publish(event)

	for name, ch := range map[string]<-chan Event{"task-1": ch1, "task-2": ch2} {
		select {
		case received := <-ch:
			if received.ID != event.ID {
				t.Errorf("%s: event ID = %s, want %s", name, received.ID, event.ID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("%s: did not receive broadcast event", name)
		}
	}

	bus.Unsubscribe("task-1", ch1)
	bus.Unsubscribe("task-2", ch2)
}

func TestBusAllSubscriberReceivesTargetedEvents(t *testing.T) {
	bus := NewBus(nil)

	allCh := bus.Subscribe("all", []EventType{TaskSettled})
	task1Ch := bus.Subscribe("task-1", []EventType{TaskSettled})

	event := NewEvent(TaskSettled, "time-agent", "task-1", PriorityNormal, nil)
	bus.Publish(event)

	select {
	case received := <-task1Ch:
		if received.ID != event.ID {
			t.Errorf("task-1 subscriber: ID = %s, want %s", received.ID, event.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task-1 subscriber did not receive event")
	}

	select {
	case received := <-allCh:
		if received.ID != event.ID {
			t.Errorf("all subscriber: ID = %s, want %s", received.ID, event.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("all subscriber did not receive event")
	}

	bus.Unsubscribe("all", allCh)
	bus.Unsubscribe("task-1", task1Ch)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)

	ch := bus.Subscribe("task-1", []EventType{TaskSettled})
	bus.Publish(NewEvent(TaskSettled, "", "task-1", PriorityNormal, nil))

	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("did not receive first event")
	}

	bus.Unsubscribe("task-1", ch)
	bus.Publish(NewEvent(TaskSettled, "", "task-1", PriorityNormal, nil))

	select {
	case event, ok := <-ch:
		if ok {
			t.Errorf("should not have received event after unsubscribe: %+v", event)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusNoTypeFilterReceivesEverything(t *testing.T) {
	bus := NewBus(nil)

	ch := bus.Subscribe("task-1", nil)

	bus.Publish(NewEvent(TaskQueued, "", "task-1", PriorityNormal, nil))
	bus.Publish(NewEvent(AuctionStarted, "", "task-1", PriorityNormal, nil))
	bus.Publish(NewEvent(TaskSettled, "", "task-1", PriorityNormal, nil))

	received := make(map[EventType]bool)
	for i := 0; i < 3; i++ {
		select {
		case event := <-ch:
			received[event.Type] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("did not receive all events")
		}
	}

	for _, want := range []EventType{TaskQueued, AuctionStarted, TaskSettled} {
		if !received[want] {
			t.Errorf("did not receive %s", want)
		}
	}

	bus.Unsubscribe("task-1", ch)
}

func TestBusFullChannelNonBlocking(t *testing.T) {
	bus := NewBus(nil)

	ch := bus.Subscribe("task-1", []EventType{TaskHeartbeat})

	for i := 0; i < 100; i++ {
		bus.Publish(NewEvent(TaskHeartbeat, "", "task-1", PriorityLow, map[string]interface{}{"i": i}))
	}

	done := make(chan bool)
	go func() {
		bus.Publish(NewEvent(TaskHeartbeat, "", "task-1", PriorityLow, map[string]interface{}{"i": 100}))
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("publish blocked on full channel")
	}

	bus.Unsubscribe("task-1", ch)
}

// TestBusPreservesPublishOrderPerTarget exercises the per-task-id
// ordering guarantee as the exchange relies on it: a task's lifecycle
// events are published sequentially (each transition happens-before the
// next), and the bus must hand them to a subscriber in that same order.
func TestBusPreservesPublishOrderPerTarget(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe("task-1", nil)

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(NewEvent(TaskHeartbeat, "", "task-1", PriorityLow, map[string]interface{}{"seq": i}))
	}

	for i := 0; i < n; i++ {
		select {
		case event := <-ch:
			if got := event.Payload["seq"].(int); got != i {
				t.Fatalf("event %d arrived out of order (seq %d)", i, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}
