// Command agentsim is a minimal reference agent: it dials an exchange's
// agent websocket endpoint, registers with a fixed capability set, bids
// a scripted confidence on every solicitation, and on winning an
// assignment acks, heartbeats once, then returns a canned result. It
// exists for integration tests driving full auction/execution scenarios
// end to end and for manual smoke testing against a running
// cmd/exchange instance. The wire format is internal/transport.Frame,
// driven from the agent side of the same socket the Hub serves.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskexchange/exchange/internal/transport"
)

func main() {
	host := flag.String("host", "localhost:8080", "exchange host:port")
	agentID := flag.String("agent", "", "agent id to register as (required)")
	capabilities := flag.String("capabilities", "general", "comma-separated capability list")
	confidence := flag.Float64("confidence", 0.6, "scripted bid confidence, 0.0-1.0")
	decline := flag.Bool("decline", false, "always decline bid solicitations")
	resultText := flag.String("result", "done", "canned task_result text")
	flag.Parse()

	if *agentID == "" {
		log.Fatal("agentsim: -agent is required")
	}

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws", RawQuery: "agent_id=" + *agentID}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("agentsim: dial %s: %v", u.String(), err)
	}
	defer conn.Close()

	caps := strings.Split(*capabilities, ",")
	if err := sendFrame(conn, transport.Frame{Type: transport.MsgRegister, AgentID: *agentID}, map[string]interface{}{
		"capabilities": caps,
	}); err != nil {
		log.Fatalf("agentsim: register: %v", err)
	}
	log.Printf("agentsim: registered as %s with capabilities %v", *agentID, caps)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("agentsim: connection closed: %v", err)
			return
		}

		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case transport.MsgPing:
			sendFrame(conn, transport.Frame{Type: transport.MsgPong, AgentID: *agentID}, nil)

		case transport.MsgBidRequest:
			handleBidRequest(conn, *agentID, f, *confidence, *decline)

		case transport.MsgTaskAssignment:
			handleAssignment(conn, *agentID, f, *resultText)
		}
	}
}

func handleBidRequest(conn *websocket.Conn, agentID string, f transport.Frame, confidence float64, decline bool) {
	log.Printf("agentsim: bid requested for task %s", f.TaskID)
	payload := map[string]interface{}{
		"confidence": confidence,
		"declined":   decline,
	}
	if err := sendFrame(conn, transport.Frame{Type: transport.MsgBidResponse, AgentID: agentID, TaskID: f.TaskID}, payload); err != nil {
		log.Printf("agentsim: bid response: %v", err)
	}
}

func handleAssignment(conn *websocket.Conn, agentID string, f transport.Frame, resultText string) {
	log.Printf("agentsim: won task %s", f.TaskID)
	sendFrame(conn, transport.Frame{Type: transport.MsgTaskAck, AgentID: agentID, TaskID: f.TaskID}, map[string]interface{}{
		"estimated_ms": 1000,
	})

	time.Sleep(200 * time.Millisecond)
	sendFrame(conn, transport.Frame{Type: transport.MsgTaskHeartbeat, AgentID: agentID, TaskID: f.TaskID}, map[string]interface{}{
		"progress": "working",
	})

	time.Sleep(200 * time.Millisecond)
	sendFrame(conn, transport.Frame{Type: transport.MsgTaskResult, AgentID: agentID, TaskID: f.TaskID}, map[string]interface{}{
		"success": true,
		"text":    resultText,
	})
	log.Printf("agentsim: settled task %s", f.TaskID)
}

func sendFrame(conn *websocket.Conn, f transport.Frame, payload interface{}) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		f.Payload = data
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
