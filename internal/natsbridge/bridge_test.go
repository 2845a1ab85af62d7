package natsbridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/taskexchange/exchange/internal/transport"
)

func startTestServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("creating embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	return ns, ns.ClientURL()
}

func TestBridgeSendDeliversFrameToSubscriber(t *testing.T) {
	ns, url := startTestServer(t)
	defer ns.Shutdown()

	sender, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer sender.Close()

	bridge := New(sender, nil, time.Second, nil)

	received := make(chan transport.Frame, 1)
	recv, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer recv.Close()

	recv.Subscribe(frameSubject("agent-1"), func(msg *Message) {
		var f transport.Frame
		json.Unmarshal(msg.Data, &f)
		received <- f
	})
	time.Sleep(50 * time.Millisecond)

	if !bridge.Send("agent-1", transport.Frame{Type: transport.MsgBidRequest, TaskID: "task-1"}) {
		t.Fatal("Send should succeed")
	}

	select {
	case f := <-received:
		if f.TaskID != "task-1" {
			t.Errorf("expected task-1, got %s", f.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not delivered")
	}
}

func TestBridgeConnectedReflectsHeartbeat(t *testing.T) {
	ns, url := startTestServer(t)
	defer ns.Shutdown()

	client, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	var captured []transport.Frame
	bridge := New(client, func(agentID string, f transport.Frame) {
		captured = append(captured, f)
	}, 200*time.Millisecond, nil)
	if err := bridge.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if bridge.Connected("agent-1") {
		t.Fatal("should not be connected before any heartbeat")
	}

	client.PublishJSON(heartbeatSubject("agent-1"), heartbeatMessage{AgentID: "agent-1"})

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && !bridge.Connected("agent-1") {
		time.Sleep(10 * time.Millisecond)
	}
	if !bridge.Connected("agent-1") {
		t.Fatal("expected Connected after heartbeat")
	}

	time.Sleep(300 * time.Millisecond)
	if bridge.Connected("agent-1") {
		t.Error("expected Connected to expire after heartbeat timeout")
	}
}

func TestBridgeForwardsInboundFrame(t *testing.T) {
	ns, url := startTestServer(t)
	defer ns.Shutdown()

	client, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	received := make(chan transport.Frame, 1)
	bridge := New(client, func(agentID string, f transport.Frame) {
		received <- f
	}, time.Second, nil)
	if err := bridge.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	other, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer other.Close()

	payload, _ := json.Marshal(transport.Frame{Type: transport.MsgBidResponse, AgentID: "agent-1", TaskID: "task-1"})
	other.Publish(inboundSubject, payload)

	select {
	case f := <-received:
		if f.AgentID != "agent-1" || f.Type != transport.MsgBidResponse {
			t.Errorf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame was not forwarded")
	}
}

var _ transport.Peer = (*Bridge)(nil)
