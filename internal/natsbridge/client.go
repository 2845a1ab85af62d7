// Package natsbridge offers the same transport.Peer surface as the
// websocket Hub (internal/transport) but carries frames over per-agent
// NATS publish/subscribe subjects instead of a persistent socket, so a remote
// exchange or a co-located agent on loopback looks identical to the
// dispatcher. The client wraps connect/publish/subscribe/request with
// reconnect options; the subject vocabulary and handler callbacks are
// built around bid_request/task_assignment frames.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Message is a raw NATS message with subject, reply, and data.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Client wraps a NATS connection with convenience methods.
type Client struct {
	conn *nc.Conn
}

// NewClient connects to url with indefinite reconnect.
func NewClient(url string) (*Client, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				fmt.Printf("[natsbridge] disconnected: %v\n", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			fmt.Printf("[natsbridge] reconnected to %s\n", conn.ConnectedUrl())
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Publish sends raw bytes to subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it to subject.
func (c *Client) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.Publish(subject, data)
}

// Subscribe creates an asynchronous subscription.
func (c *Client) Subscribe(subject string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Request sends a request and waits for a reply.
func (c *Client) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", subject, err)
	}
	return &Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}, nil
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
