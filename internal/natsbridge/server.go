package natsbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerConfig configures the in-process dev broker cmd/exchange
// can start so natsbridge has somewhere to dial without standing up
// external NATS infrastructure.
type EmbeddedServerConfig struct {
	Port      int
	JetStream bool
	DataDir   string
}

// EmbeddedServer wraps an in-process nats-server instance.
type EmbeddedServer struct {
	server  *server.Server
	config  EmbeddedServerConfig
	mu      sync.RWMutex
	running bool
}

// NewEmbeddedServer validates config and returns an unstarted server.
func NewEmbeddedServer(config EmbeddedServerConfig) (*EmbeddedServer, error) {
	if config.Port <= 0 {
		config.Port = 4222
	}
	if config.JetStream && config.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required when JetStream is enabled")
	}
	return &EmbeddedServer{config: config}, nil
}

// Start launches the broker and blocks until it's ready for connections.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	if e.config.JetStream {
		opts.JetStream = true
		opts.StoreDir = e.config.DataDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("creating embedded NATS server: %w", err)
	}
	e.server = ns

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("embedded NATS server not ready for connections")
	}
	e.running = true
	return nil
}

// Shutdown stops the broker, waiting for it to fully drain.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// URL returns the loopback connection URL.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
}

// IsRunning reports whether the broker is up.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
