package natsbridge

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClientPublishSubscribeRoundTrip(t *testing.T) {
	ns, url := startTestServer(t)
	defer ns.Shutdown()

	client, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("expected IsConnected true after connect")
	}

	received := make(chan []byte, 1)
	if _, err := client.Subscribe("test.subject", func(msg *Message) {
		received <- msg.Data
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := client.Publish("test.subject", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("got %q, want hello", data)
		}
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}
}

func TestClientPublishJSON(t *testing.T) {
	ns, url := startTestServer(t)
	defer ns.Shutdown()

	client, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	received := make(chan heartbeatMessage, 1)
	client.Subscribe("test.hb", func(msg *Message) {
		var hb heartbeatMessage
		if err := json.Unmarshal(msg.Data, &hb); err == nil {
			received <- hb
		}
	})

	if err := client.PublishJSON("test.hb", heartbeatMessage{AgentID: "agent-7"}); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}

	select {
	case hb := <-received:
		if hb.AgentID != "agent-7" {
			t.Errorf("got %q, want agent-7", hb.AgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}
}

func TestClientRequestReply(t *testing.T) {
	ns, url := startTestServer(t)
	defer ns.Shutdown()

	responder, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer responder.Close()

	responder.Subscribe("test.echo", func(msg *Message) {
		responder.Publish(msg.Reply, append([]byte("echo:"), msg.Data...))
	})
	time.Sleep(50 * time.Millisecond)

	requester, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer requester.Close()

	reply, err := requester.Request("test.echo", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Data) != "echo:ping" {
		t.Errorf("got %q, want echo:ping", reply.Data)
	}
}

func TestClientNotConnectedAfterClose(t *testing.T) {
	ns, url := startTestServer(t)
	defer ns.Shutdown()

	client, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.Close()

	if client.IsConnected() {
		t.Error("expected IsConnected false after Close")
	}
}
