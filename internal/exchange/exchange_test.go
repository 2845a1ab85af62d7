package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/taskexchange/exchange/internal/config"
	"github.com/taskexchange/exchange/internal/events"
	"github.com/taskexchange/exchange/internal/pipeline"
	"github.com/taskexchange/exchange/internal/transport"
	"github.com/taskexchange/exchange/internal/xerrors"
)

// fakePeer is an in-memory transport.Peer double. Frames sent to an agent
// are recorded; responders can be registered per agent to synthesize a
// reply frame as if that agent had answered over the wire.
type fakePeer struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []transport.Frame
	responder func(agentID string, f transport.Frame) *transport.Frame
	ex        *Exchange
}

func newFakePeer() *fakePeer {
	return &fakePeer{connected: make(map[string]bool)}
}

func (p *fakePeer) Send(agentID string, f transport.Frame) bool {
	p.mu.Lock()
	p.sent = append(p.sent, f)
	connected := p.connected[agentID]
	responder := p.responder
	p.mu.Unlock()

	if !connected {
		return false
	}
	if responder != nil {
		if reply := responder(agentID, f); reply != nil {
			go p.ex.HandleFrame(agentID, *reply)
		}
	}
	return true
}

func (p *fakePeer) Connected(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected[agentID]
}

func (p *fakePeer) setConnected(agentID string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected[agentID] = v
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auction.DefaultWindowMs = 50
	cfg.Auction.AckTimeoutMs = 200
	cfg.Auction.ExecutionTimeoutMs = 500
	cfg.Bidder.BidTimeoutMs = 50
	return cfg
}

func registerAgent(ex *Exchange, peer *fakePeer, id string) {
	peer.setConnected(id, true)
	ex.Registry().Register(id, []string{"general"})
}

func TestSubmitTaskRunsAuctionAndAssigns(t *testing.T) {
	peer := newFakePeer()
	bus := events.NewBus(nil)
	ex := New(testConfig(), peer, bus, nil)
	peer.ex = ex

	registerAgent(ex, peer, "agent-1")

	peer.responder = func(agentID string, f transport.Frame) *transport.Frame {
		if f.Type != transport.MsgBidRequest {
			return nil
		}
		payload, _ := json.Marshal(map[string]interface{}{"confidence": 0.9})
		return &transport.Frame{Type: transport.MsgBidResponse, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
	}

	taskID, err := ex.SubmitTask(context.Background(), "do the thing", pipeline.Options{}, "")
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task := ex.queue.GetByID(taskID)
		if task != nil && task.WinningAgentID == "agent-1" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	task := ex.queue.GetByID(taskID)
	if task == nil {
		t.Fatal("expected task in queue")
	}
	if task.WinningAgentID != "agent-1" {
		t.Fatalf("expected agent-1 to win, got %q (status %s)", task.WinningAgentID, task.Status)
	}
}

func TestSubmitTaskHaltsWithNoCandidates(t *testing.T) {
	peer := newFakePeer()
	bus := events.NewBus(nil)
	ex := New(testConfig(), peer, bus, nil)
	peer.ex = ex

	taskID, err := ex.SubmitTask(context.Background(), "nobody home", pipeline.Options{}, "")
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var task = ex.queue.GetByID(taskID)
	for time.Now().Before(deadline) {
		task = ex.queue.GetByID(taskID)
		if task != nil && task.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if task == nil || task.Status != "dead_lettered" {
		t.Fatalf("expected dead-lettered task with no candidates, got %+v", task)
	}
}

func TestHandleFrameRegisterAddsAgent(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	payload, _ := json.Marshal(map[string]interface{}{"capabilities": []string{"code"}})
	ex.HandleFrame("agent-9", transport.Frame{Type: transport.MsgRegister, Payload: payload})

	rec, ok := ex.Registry().ByID("agent-9")
	if !ok {
		t.Fatal("expected agent-9 registered")
	}
	if len(rec.Capabilities) != 1 || rec.Capabilities[0] != "code" {
		t.Errorf("expected capabilities [code], got %v", rec.Capabilities)
	}
}

func TestCancelTaskTransitionsAndCancelsExecution(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	registerAgent(ex, peer, "agent-1")
	peer.responder = func(agentID string, f transport.Frame) *transport.Frame {
		if f.Type != transport.MsgBidRequest {
			return nil
		}
		payload, _ := json.Marshal(map[string]interface{}{"confidence": 0.9})
		return &transport.Frame{Type: transport.MsgBidResponse, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
	}

	taskID, _ := ex.SubmitTask(context.Background(), "long running", pipeline.Options{}, "")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if task := ex.queue.GetByID(taskID); task != nil && task.WinningAgentID != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := ex.CancelTask(taskID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	task := ex.queue.GetByID(taskID)
	if task.Status != "cancelled" {
		t.Errorf("expected cancelled status, got %s", task.Status)
	}
}

func TestCancelTaskUnknownIDFails(t *testing.T) {
	ex := New(testConfig(), newFakePeer(), nil, nil)
	err := ex.CancelTask("nonexistent")
	if err == nil {
		t.Fatal("expected error cancelling unknown task")
	}
	if class, ok := xerrors.ClassOf(err); !ok || class != xerrors.ClassProtocol {
		t.Errorf("expected ClassProtocol, got %v, %v", class, ok)
	}
}

func TestReconnectAgentsClassifiesByTransport(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	registerAgent(ex, peer, "healthy-1")

	ex.Registry().Register("stale-reconnects", nil)
	ex.Registry().Register("stale-fails", nil)
	for i := 0; i < 3; i++ {
		ex.Registry().RecordFailure("stale-reconnects")
		ex.Registry().RecordFailure("stale-fails")
	}
	peer.setConnected("stale-reconnects", true)
	peer.setConnected("stale-fails", false)

	summary := ex.ReconnectAgents()
	if summary.AlreadyConnected != 1 {
		t.Errorf("expected 1 already-connected, got %d", summary.AlreadyConnected)
	}
	if summary.Reconnected+summary.Failed != 2 {
		t.Errorf("expected 2 non-healthy agents classified, got reconnected=%d failed=%d", summary.Reconnected, summary.Failed)
	}
}

func TestStatusReportsQueueAndAgentCounts(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	registerAgent(ex, peer, "agent-1")
	ex.SubmitTask(context.Background(), "task a", pipeline.Options{}, "")

	status := ex.Status()
	if status.AgentsTotal != 1 || status.AgentsHealthy != 1 {
		t.Errorf("expected 1 healthy agent, got total=%d healthy=%d", status.AgentsTotal, status.AgentsHealthy)
	}
	if status.TasksQueued != 1 {
		t.Errorf("expected 1 queued task, got %d", status.TasksQueued)
	}
}

func TestShutdownClosesChannelIdempotently(t *testing.T) {
	ex := New(testConfig(), newFakePeer(), nil, nil)

	select {
	case <-ex.ShuttingDown():
		t.Fatal("expected ShuttingDown open before Shutdown")
	default:
	}

	ex.Shutdown()
	ex.Shutdown() // must be idempotent

	select {
	case <-ex.ShuttingDown():
	default:
		t.Fatal("expected ShuttingDown closed after Shutdown")
	}
}

// bidResponder answers every bid request with the given confidence.
func bidResponder(confidence float64) func(string, transport.Frame) *transport.Frame {
	return func(agentID string, f transport.Frame) *transport.Frame {
		if f.Type != transport.MsgBidRequest {
			return nil
		}
		payload, _ := json.Marshal(map[string]interface{}{"confidence": confidence})
		return &transport.Frame{Type: transport.MsgBidResponse, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
	}
}

func waitForWinner(t *testing.T, ex *Exchange, taskID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task := ex.queue.GetByID(taskID); task != nil && task.WinningAgentID == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task := ex.queue.GetByID(taskID)
	t.Fatalf("winner never became %s (task %+v)", want, task)
}

func TestTaskResultNeedsInputArmsPendingContext(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	registerAgent(ex, peer, "booking-agent")
	peer.responder = bidResponder(0.9)

	taskID, _ := ex.SubmitTask(context.Background(), "book a table", pipeline.Options{}, "")
	waitForWinner(t, ex, taskID, "booking-agent")

	ackPayload, _ := json.Marshal(map[string]interface{}{"estimated_ms": 0})
	ex.HandleFrame("booking-agent", transport.Frame{Type: transport.MsgTaskAck, TaskID: taskID, Payload: ackPayload})

	resultPayload, _ := json.Marshal(map[string]interface{}{
		"success":     true,
		"needs_input": map[string]interface{}{"field": "cuisine", "options": []string{"italian", "thai"}},
	})
	ex.HandleFrame("booking-agent", transport.Frame{Type: transport.MsgTaskResult, TaskID: taskID, Payload: resultPayload})

	pin, ok := ex.State().PendingInputFor("booking-agent")
	if !ok {
		t.Fatal("expected a pending-input context for booking-agent")
	}
	if pin.TaskID != taskID || pin.Field != "cuisine" {
		t.Errorf("pending context = %+v", pin)
	}

	task := ex.queue.GetByID(taskID)
	if task.IsTerminal() {
		t.Errorf("task must stay active while awaiting input, got %s", task.Status)
	}
}

func TestFailedResultAdvancesToBackup(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	registerAgent(ex, peer, "calendar")
	registerAgent(ex, peer, "email")
	peer.responder = func(agentID string, f transport.Frame) *transport.Frame {
		if f.Type != transport.MsgBidRequest {
			return nil
		}
		confidence := 0.8
		if agentID == "email" {
			confidence = 0.6
		}
		payload, _ := json.Marshal(map[string]interface{}{"confidence": confidence})
		return &transport.Frame{Type: transport.MsgBidResponse, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
	}

	taskID, _ := ex.SubmitTask(context.Background(), "am i free at three", pipeline.Options{}, "")
	waitForWinner(t, ex, taskID, "calendar")

	ackPayload, _ := json.Marshal(map[string]interface{}{"estimated_ms": 0})
	ex.HandleFrame("calendar", transport.Frame{Type: transport.MsgTaskAck, TaskID: taskID, Payload: ackPayload})

	failPayload, _ := json.Marshal(map[string]interface{}{"success": false, "error": "upstream 500"})
	ex.HandleFrame("calendar", transport.Frame{Type: transport.MsgTaskResult, TaskID: taskID, Payload: failPayload})

	waitForWinner(t, ex, taskID, "email")
}

func TestSettleReleasesProcessingLock(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	registerAgent(ex, peer, "time-agent")
	peer.responder = func(agentID string, f transport.Frame) *transport.Frame {
		switch f.Type {
		case transport.MsgBidRequest:
			payload, _ := json.Marshal(map[string]interface{}{"confidence": 0.95})
			return &transport.Frame{Type: transport.MsgBidResponse, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
		case transport.MsgTaskAssignment:
			go func() {
				ackPayload, _ := json.Marshal(map[string]interface{}{"estimated_ms": 0})
				peer.ex.HandleFrame(agentID, transport.Frame{Type: transport.MsgTaskAck, TaskID: f.TaskID, Payload: ackPayload})
				resultPayload, _ := json.Marshal(map[string]interface{}{"success": true, "text": "it is three"})
				peer.ex.HandleFrame(agentID, transport.Frame{Type: transport.MsgTaskResult, TaskID: f.TaskID, Payload: resultPayload})
			}()
		}
		return nil
	}

	result := ex.Pipeline().Submit(context.Background(), ex.State(), "what time is it now", pipeline.Options{})
	if result.Outcome != pipeline.OutcomeSubmitted {
		t.Fatalf("submit outcome = %v", result.Outcome)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ex.State().LockHolders()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("processing lock never released; holders: %v", ex.State().LockHolders())
}

func TestDeadLetterInvokesErrorAgent(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex
	ex.SetErrorAgent("error-agent")

	registerAgent(ex, peer, "flaky")
	registerAgent(ex, peer, "error-agent")
	ex.Registry().SetBidExcluded("error-agent", true)

	peer.responder = func(agentID string, f transport.Frame) *transport.Frame {
		switch {
		case f.Type == transport.MsgBidRequest:
			payload, _ := json.Marshal(map[string]interface{}{"confidence": 0.9})
			return &transport.Frame{Type: transport.MsgBidResponse, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
		case f.Type == transport.MsgTaskAssignment && agentID == "error-agent":
			payload, _ := json.Marshal(map[string]interface{}{"success": true, "text": "sorry, that failed"})
			return &transport.Frame{Type: transport.MsgTaskResult, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
		}
		// The flaky winner never acks; the ack deadline busts it.
		return nil
	}

	taskID, _ := ex.SubmitTask(context.Background(), "doomed request", pipeline.Options{}, "")

	deadline := time.Now().Add(3 * time.Second)
	var task = ex.queue.GetByID(taskID)
	for time.Now().Before(deadline) {
		task = ex.queue.GetByID(taskID)
		if task != nil && task.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if task == nil || task.Status != "dead_lettered" {
		t.Fatalf("expected dead-lettered task, got %+v", task)
	}
	if task.Result == nil || task.Result.Text != "sorry, that failed" {
		t.Errorf("expected error-agent result on the task, got %+v", task.Result)
	}
}

func TestCancelUtteranceCancelsInFlightTask(t *testing.T) {
	peer := newFakePeer()
	bus := events.NewBus(nil)
	ex := New(testConfig(), peer, bus, nil)
	peer.ex = ex

	registerAgent(ex, peer, "search")
	peer.responder = func(agentID string, f transport.Frame) *transport.Frame {
		switch f.Type {
		case transport.MsgBidRequest:
			payload, _ := json.Marshal(map[string]interface{}{"confidence": 0.9})
			return &transport.Frame{Type: transport.MsgBidResponse, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
		case transport.MsgTaskAssignment:
			// Ack and then work forever; only the cancel ends this task.
			payload, _ := json.Marshal(map[string]interface{}{"estimated_ms": 0})
			return &transport.Frame{Type: transport.MsgTaskAck, AgentID: agentID, TaskID: f.TaskID, Payload: payload}
		}
		return nil
	}

	cancelled := bus.Subscribe("all", []events.EventType{events.TaskCancelled})

	first := ex.Pipeline().Submit(context.Background(), ex.State(), "search the web for a long thing", pipeline.Options{})
	if first.Outcome != pipeline.OutcomeSubmitted {
		t.Fatalf("first outcome = %v", first.Outcome)
	}
	taskID := first.TaskIDs[0]

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task := ex.queue.GetByID(taskID); task != nil && task.Status == "executing" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := ex.Pipeline().Submit(context.Background(), ex.State(), "cancel", pipeline.Options{})
	if second.Outcome != pipeline.OutcomeCriticalHandled {
		t.Fatalf("cancel outcome = %v, want critical_handled", second.Outcome)
	}

	task := ex.queue.GetByID(taskID)
	if task.Status != "cancelled" {
		t.Fatalf("task status = %s, want cancelled", task.Status)
	}
	select {
	case e := <-cancelled:
		if e.Target != taskID {
			t.Errorf("task:cancelled for %s, want %s", e.Target, taskID)
		}
	case <-time.After(time.Second):
		t.Fatal("no task:cancelled event published")
	}
	if holders := ex.State().LockHolders(); len(holders) != 0 {
		t.Errorf("processing lock still held by %v after cancel", holders)
	}

	// A late result from the cancelled task is swallowed.
	resultPayload, _ := json.Marshal(map[string]interface{}{"success": true, "text": "too late"})
	ex.HandleFrame("search", transport.Frame{Type: transport.MsgTaskResult, TaskID: taskID, Payload: resultPayload})
	task = ex.queue.GetByID(taskID)
	if task.Status != "cancelled" || task.Result != nil {
		t.Errorf("late result was not suppressed: %+v", task)
	}
}

func TestHandleDisconnectRemovesAgentAndPublishes(t *testing.T) {
	bus := events.NewBus(nil)
	ex := New(testConfig(), newFakePeer(), bus, nil)

	ex.Registry().Register("agent-1", nil)
	ch := bus.Subscribe("all", []events.EventType{events.AgentDisconnected})

	ex.HandleDisconnect("agent-1")

	if _, ok := ex.Registry().ByID("agent-1"); ok {
		t.Error("expected registration removed on disconnect")
	}
	select {
	case e := <-ch:
		if e.Source != "agent-1" {
			t.Errorf("agent:disconnected source = %s, want agent-1", e.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("no agent:disconnected event published")
	}

	// A second close for an unknown agent publishes nothing.
	ex.HandleDisconnect("agent-1")
	select {
	case <-ch:
		t.Error("unexpected duplicate agent:disconnected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLockedSubtaskAssignedWithoutAuction(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	registerAgent(ex, peer, "music-agent")
	peer.responder = func(agentID string, f transport.Frame) *transport.Frame {
		if f.Type != transport.MsgTaskAssignment {
			return nil
		}
		go func() {
			ackPayload, _ := json.Marshal(map[string]interface{}{"estimated_ms": 0})
			peer.ex.HandleFrame(agentID, transport.Frame{Type: transport.MsgTaskAck, TaskID: f.TaskID, Payload: ackPayload})
			resultPayload, _ := json.Marshal(map[string]interface{}{"success": true, "text": "queued the album"})
			peer.ex.HandleFrame(agentID, transport.Frame{Type: transport.MsgTaskResult, TaskID: f.TaskID, Payload: resultPayload})
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	settled, err := ex.SubmitSubtaskAndWait(ctx, "parent-1", "queue the next album", "music-agent")
	if err != nil {
		t.Fatalf("SubmitSubtaskAndWait: %v", err)
	}
	if settled.Status != "settled" || settled.WinningAgentID != "music-agent" {
		t.Fatalf("unexpected subtask outcome: %+v", settled)
	}
	if settled.ParentTaskID != "parent-1" || settled.RoutingMode != "locked" {
		t.Errorf("subtask metadata wrong: %+v", settled)
	}

	// No bid requests went out; locked routing skips solicitation entirely.
	peer.mu.Lock()
	defer peer.mu.Unlock()
	for _, f := range peer.sent {
		if f.Type == transport.MsgBidRequest {
			t.Error("locked subtask must not solicit bids")
		}
	}
}

func TestReputationSummaryReflectsRecordedOutcomes(t *testing.T) {
	peer := newFakePeer()
	ex := New(testConfig(), peer, nil, nil)
	peer.ex = ex

	registerAgent(ex, peer, "agent-1")
	ex.onBust("missing-task", "agent-1", 0) // no-op: task doesn't exist, exercises the nil guard
	ex.reputation.RecordAttempt("agent-1", true)

	summary := ex.ReputationSummary()
	if summary == nil {
		t.Fatal("expected non-nil reputation summary slice")
	}
	found := false
	for _, snap := range summary {
		if snap.AgentID == "agent-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected agent-1 in reputation summary, got %+v", summary)
	}
}
