// internal/tasks/queue_test.go
package tasks

import (
	"testing"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue()

	q.Add(NewTask("low priority", 4))
	q.Add(NewTask("critical", 1))
	q.Add(NewTask("medium", 3))

	task := q.Peek()
	if task.Priority != 1 {
		t.Errorf("expected priority 1, got %d", task.Priority)
	}
}

func TestQueuePopRemovesTask(t *testing.T) {
	q := NewQueue()
	q.Add(NewTask("task 1", 3))
	q.Add(NewTask("task 2", 3))

	if q.Len() != 2 {
		t.Errorf("expected 2 tasks, got %d", q.Len())
	}

	q.Pop()

	if q.Len() != 1 {
		t.Errorf("expected 1 task after pop, got %d", q.Len())
	}
}

func TestQueueGetByID(t *testing.T) {
	q := NewQueue()
	task := NewTask("find me", 3)
	q.Add(task)

	found := q.GetByID(task.ID)
	if found == nil {
		t.Error("expected to find task by ID")
	}
	if found.Content != "find me" {
		t.Errorf("wrong task returned")
	}
}

func TestQueueGetByStatus(t *testing.T) {
	q := NewQueue()
	t1 := NewTask("queued 1", 3)
	t2 := NewTask("queued 2", 3)
	t3 := NewTask("assigned", 3)
	t3.Status = StatusAssigned

	q.Add(t1)
	q.Add(t2)
	q.Add(t3)

	queued := q.GetByStatus(StatusQueued)
	if len(queued) != 2 {
		t.Errorf("expected 2 queued tasks, got %d", len(queued))
	}
}

func TestQueueGetByAgent(t *testing.T) {
	q := NewQueue()
	t1 := NewTask("agent 1 task", 3)
	t1.WinningAgentID = "weather-agent"
	t2 := NewTask("agent 2 task", 3)
	t2.WinningAgentID = "calendar-agent"

	q.Add(t1)
	q.Add(t2)

	agentTasks := q.GetByAgent("weather-agent")
	if len(agentTasks) != 1 {
		t.Errorf("expected 1 task for agent, got %d", len(agentTasks))
	}
}

func TestQueueUpdate(t *testing.T) {
	q := NewQueue()
	task := NewTask("update me", 3)
	q.Add(task)

	task.Status = StatusAuctioning
	if !q.Update(task) {
		t.Fatal("expected update to succeed")
	}

	found := q.GetByID(task.ID)
	if found.Status != StatusAuctioning {
		t.Errorf("status = %s, want %s", found.Status, StatusAuctioning)
	}
}
