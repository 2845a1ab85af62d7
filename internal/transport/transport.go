// Package transport implements the duplex agent websocket surface:
// one persistent connection per agent carrying framed JSON messages in
// both directions, a keep-alive ping/pong loop, and reconnect backoff
// bookkeeping for the client side.
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageType enumerates the wire protocol's frame kinds.
type MessageType string

const (
	MsgRegister       MessageType = "register"
	MsgPing           MessageType = "ping"
	MsgPong           MessageType = "pong"
	MsgBidRequest     MessageType = "bid_request"
	MsgBidResponse    MessageType = "bid_response"
	MsgTaskAssignment MessageType = "task_assignment"
	MsgTaskAck        MessageType = "task_ack"
	MsgTaskHeartbeat  MessageType = "task_heartbeat"
	MsgTaskResult     MessageType = "task_result"
)

// Frame is the envelope every wire message is encoded as.
type Frame struct {
	Type    MessageType     `json:"type"`
	AgentID string          `json:"agent_id,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Peer is the transport-agnostic surface the exchange dispatches frames
// through: a local websocket Hub and a NATS-backed bridge both implement
// it, so routing/dispatch code never knows which carried a given agent.
type Peer interface {
	Send(agentID string, f Frame) bool
	Connected(agentID string) bool
}

const sendBufferSize = 64

// Conn is one agent's duplex connection.
type Conn struct {
	hub     *Hub
	agentID string
	ws      *websocket.Conn
	send    chan Frame

	mu          sync.Mutex
	lastSeen    time.Time
	intentional bool
}

// AgentID returns the id this connection registered under.
func (c *Conn) AgentID() string { return c.agentID }

// Send enqueues a frame for delivery, non-blocking: when the connection's
// send buffer is full the frame is dropped and Send returns false rather
// than stalling the sender; the connection itself stays open.
func (c *Conn) Send(f Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the last time a frame was read from this connection.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Handler is invoked with every frame a connection reads, off the hub's
// register/unregister goroutine so a slow handler never blocks accept.
type Handler func(agentID string, f Frame)

// Hub manages every live agent connection, keyed by agent id.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	onMessage    Handler
	onDisconnect func(agentID string)

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

// NewHub creates a hub. onMessage is called for every inbound frame;
// onDisconnect is called once a connection's read loop ends, except for a
// connection closed through CloseIntentionally.
func NewHub(heartbeatInterval, heartbeatTimeout time.Duration, onMessage Handler, onDisconnect func(string)) *Hub {
	return &Hub{
		conns:             make(map[string]*Conn),
		onMessage:         onMessage,
		onDisconnect:      onDisconnect,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
	}
}

// Accept takes ownership of an established websocket connection for agentID,
// replacing any prior connection for the same id (a reconnecting agent
// supersedes its old socket), and starts its read/write pumps.
func (h *Hub) Accept(agentID string, ws *websocket.Conn) *Conn {
	conn := &Conn{
		hub:      h,
		agentID:  agentID,
		ws:       ws,
		send:     make(chan Frame, sendBufferSize),
		lastSeen: time.Now(),
	}

	h.mu.Lock()
	if old, exists := h.conns[agentID]; exists {
		old.ws.Close()
	}
	h.conns[agentID] = conn
	h.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	return conn
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.agentID]; ok && cur == c {
		delete(h.conns, c.agentID)
		close(c.send)
	}
	h.mu.Unlock()

	c.mu.Lock()
	intentional := c.intentional
	c.mu.Unlock()

	if !intentional && h.onDisconnect != nil {
		h.onDisconnect(c.agentID)
	}
}

// CloseIntentionally marks agentID's connection as deliberately closed and
// closes it. The intentional marker suppresses the disconnect callback, so
// no agent:disconnected fires and no reconnection is attempted for it.
func (h *Hub) CloseIntentionally(agentID string) {
	h.mu.RLock()
	conn, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.intentional = true
	conn.mu.Unlock()
	conn.ws.Close()
}

// Send delivers a frame to a specific agent, returning false if the agent
// has no live connection or its send buffer is full.
func (h *Hub) Send(agentID string, f Frame) bool {
	h.mu.RLock()
	conn, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.Send(f)
}

// Connected reports whether an agent currently has a live connection.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// AgentIDs returns the ids of every live connection.
func (h *Hub) AgentIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SweepStale closes any connection that hasn't been read from within the
// configured heartbeat timeout.
func (h *Hub) SweepStale() {
	cutoff := time.Now().Add(-h.heartbeatTimeout)

	h.mu.RLock()
	var stale []*Conn
	for _, c := range h.conns {
		if c.LastSeen().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		c.ws.Close()
	}
}

func (c *Conn) readPump() {
	defer c.hub.unregister(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		if f.Type == MsgPong {
			continue
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(c.agentID, f)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.TextMessage, mustMarshal(Frame{Type: MsgPing})); err != nil {
				return
			}
		}
	}
}

func mustMarshal(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// ReconnectBackoff computes the delay before attempt N (1-indexed) of a
// reconnect sequence, doubling from base up to max — stock schedule:
// base 1s, max 30s, 5 attempts.
func ReconnectBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

// CompositePeer fans Send/Connected out across multiple transports tried
// in order, so an exchange can run a local websocket Hub and a NATS
// bridge for remote agents side by side without either the auction
// engine or the execution controller knowing which carried a given
// agent id.
type CompositePeer struct {
	peers []Peer
}

// NewCompositePeer builds a CompositePeer trying each peer in order.
func NewCompositePeer(peers ...Peer) *CompositePeer {
	return &CompositePeer{peers: peers}
}

// Send tries each peer in order, returning true on the first that
// reports the agent connected there.
func (c *CompositePeer) Send(agentID string, f Frame) bool {
	for _, p := range c.peers {
		if p.Connected(agentID) {
			return p.Send(agentID, f)
		}
	}
	return false
}

// Connected reports whether any underlying peer has a live connection
// for agentID.
func (c *CompositePeer) Connected(agentID string) bool {
	for _, p := range c.peers {
		if p.Connected(agentID) {
			return true
		}
	}
	return false
}

// NewBidRequestFrame builds a typed bid_request frame for a task.
func NewBidRequestFrame(taskID string, payload interface{}) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal bid request payload: %w", err)
	}
	return Frame{Type: MsgBidRequest, TaskID: taskID, Payload: data}, nil
}
