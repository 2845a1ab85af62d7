package natsbridge

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/taskexchange/exchange/internal/transport"
)

const inboundSubject = "exchange.bridge.inbound"

// Bridge implements transport.Peer over NATS: Send publishes a frame to
// the target agent's subject, Connected reports whether a heartbeat was
// seen recently. Remote agents publish their own frames back to
// inboundSubject, which the bridge forwards to onMessage exactly like
// transport.Hub forwards a websocket read.
type Bridge struct {
	client  *Client
	signer  *Signer
	onFrame transport.Handler

	heartbeatTimeout time.Duration

	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// New creates a bridge over an already-connected Client. onFrame is
// invoked for every frame a remote agent publishes to the inbound
// subject; signer may be nil to disable envelope encryption.
func New(client *Client, onFrame transport.Handler, heartbeatTimeout time.Duration, signer *Signer) *Bridge {
	return &Bridge{
		client:           client,
		signer:           signer,
		onFrame:          onFrame,
		heartbeatTimeout: heartbeatTimeout,
		lastSeen:         make(map[string]time.Time),
	}
}

// Start subscribes to inbound frames and agent heartbeats.
func (b *Bridge) Start() error {
	if _, err := b.client.Subscribe(inboundSubject, b.handleInbound); err != nil {
		return err
	}
	if _, err := b.client.Subscribe(subjectAllHeartbeats, b.handleHeartbeat); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) handleInbound(msg *Message) {
	data := msg.Data
	if b.signer != nil {
		plain, err := b.signer.Open(data)
		if err != nil {
			log.Printf("[natsbridge] dropping frame with invalid envelope: %v", err)
			return
		}
		data = plain
	}

	var f transport.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("[natsbridge] invalid frame: %v", err)
		return
	}
	b.touch(f.AgentID)
	if b.onFrame != nil {
		b.onFrame(f.AgentID, f)
	}
}

func (b *Bridge) handleHeartbeat(msg *Message) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		return
	}
	b.touch(hb.AgentID)
}

func (b *Bridge) touch(agentID string) {
	if agentID == "" {
		return
	}
	b.mu.Lock()
	b.lastSeen[agentID] = time.Now()
	b.mu.Unlock()
}

// Send publishes f to agentID's subject, encrypting the envelope first
// when a signer is configured.
func (b *Bridge) Send(agentID string, f transport.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	if b.signer != nil {
		sealed, err := b.signer.Seal(data)
		if err != nil {
			log.Printf("[natsbridge] sealing frame: %v", err)
			return false
		}
		data = sealed
	}
	if err := b.client.Publish(frameSubject(agentID), data); err != nil {
		log.Printf("[natsbridge] publish to %s: %v", agentID, err)
		return false
	}
	return true
}

// Connected reports whether agentID has sent a heartbeat or frame
// within the configured timeout.
func (b *Bridge) Connected(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen, ok := b.lastSeen[agentID]
	if !ok {
		return false
	}
	return time.Since(seen) <= b.heartbeatTimeout
}
