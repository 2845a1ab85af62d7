// Command exchange runs the Task Exchange server: it wires the Agent
// Registry, Auction Engine, Execution Controller, and Submission Pipeline
// (internal/exchange) to an agent websocket transport and, optionally, a
// NATS bridge for remote agents, and exposes the Ingress API over both
// plain HTTP (internal/ingress) and MCP tool calls (internal/mcpingress).
// Startup order matters: instance-conflict resolution and the pre-flight
// port check run before anything binds, the PID file is written only after
// a confirmed bind, and a final select loop watches every shutdown trigger
// (signal, API request, server error).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskexchange/exchange/internal/config"
	"github.com/taskexchange/exchange/internal/events"
	"github.com/taskexchange/exchange/internal/exchange"
	"github.com/taskexchange/exchange/internal/ingress"
	"github.com/taskexchange/exchange/internal/instance"
	"github.com/taskexchange/exchange/internal/mcpingress"
	"github.com/taskexchange/exchange/internal/metrics"
	"github.com/taskexchange/exchange/internal/natsbridge"
	"github.com/taskexchange/exchange/internal/notify"
	"github.com/taskexchange/exchange/internal/persistence"
	"github.com/taskexchange/exchange/internal/quotes"
	"github.com/taskexchange/exchange/internal/transport"
)

func main() {
	port := flag.Int("port", 8080, "HTTP port for the Ingress API, MCP surface, and agent websocket")
	configPath := flag.String("config", "configs/exchange.yaml", "exchange configuration file")
	dataDir := flag.String("data", "data", "directory for the PID file and conversation history")
	natsEnabled := flag.Bool("nats", false, "start an embedded NATS broker and bridge for remote agents")
	natsPort := flag.Int("nats-port", 4222, "port for the embedded NATS broker")
	errorAgent := flag.String("error-agent", "", "id of the bid-excluded agent that answers for dead-lettered tasks")

	status := flag.Bool("status", false, "show status of the running instance and exit")
	stop := flag.Bool("stop", false, "gracefully stop the running instance and exit")
	forceStop := flag.Bool("force-stop", false, "force-kill the running instance and exit")
	flag.Parse()

	basePath, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine working directory: %v\n", err)
		os.Exit(1)
	}

	pidFilePath := filepath.Join(basePath, *dataDir, "exchange.pid")

	if *status {
		showInstanceStatus(pidFilePath, *port)
		return
	}
	if *stop || *forceStop {
		stopInstance(pidFilePath, *forceStop)
		return
	}

	if !filepath.IsAbs(*configPath) {
		*configPath = filepath.Join(basePath, *configPath)
	}
	absDataDir := *dataDir
	if !filepath.IsAbs(absDataDir) {
		absDataDir = filepath.Join(basePath, absDataDir)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	instanceMgr := instance.NewManager(pidFilePath, *port)
	existing, err := instanceMgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to check for an existing instance: %v\n", err)
		os.Exit(1)
	}
	if existing != nil && existing.IsRunning {
		resolver := instance.NewConflictResolver(instanceMgr, instance.IsInteractive())
		if err := resolver.Resolve(existing); err != nil {
			fmt.Fprintf(os.Stderr, "failed to resolve instance conflict: %v\n", err)
			os.Exit(1)
		}
		*port = instanceMgr.Port()
	}

	if err := instanceMgr.AcquireLock(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire instance lock: %v\n", err)
		os.Exit(1)
	}
	defer instanceMgr.ReleaseLock()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	history, err := persistence.Open(filepath.Join(absDataDir, "history"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open conversation history: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewBus(nil)

	fmt.Println("Checking port availability...")
	if !instance.IsPortAvailable(*port) {
		procPID, _ := instance.GetProcessUsingPort(*port)
		fmt.Fprintf(os.Stderr, "port %d is already in use by process %d\n", *port, procPID)
		fmt.Fprintln(os.Stderr, "try a different port with -port")
		os.Exit(1)
	}

	// ex is constructed after hub/bridge, but both need a frame handler
	// that calls into it, so route through a forwarding closure that
	// captures the not-yet-assigned pointer.
	var ex *exchange.Exchange
	dispatch := func(agentID string, f transport.Frame) { ex.HandleFrame(agentID, f) }

	disconnect := func(agentID string) { ex.HandleDisconnect(agentID) }

	hub := transport.NewHub(cfg.Transport.HeartbeatInterval(), cfg.Transport.HeartbeatTimeout(), dispatch, disconnect)

	var peer transport.Peer = hub
	var natsServer *natsbridge.EmbeddedServer
	var bridge *natsbridge.Bridge
	if *natsEnabled {
		natsServer, bridge, err = startNATSBridge(*natsPort, dispatch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded NATS broker: %v\n", err)
			os.Exit(1)
		}
		peer = transport.NewCompositePeer(hub, bridge)
	}

	ex = exchange.New(cfg, peer, bus, history)
	if *errorAgent != "" {
		ex.SetErrorAgent(*errorAgent)
	}

	collector := metrics.NewCollector()
	collector.ListenAndObserve(bus)
	breaker := metrics.NewCircuitBreaker(collector.Registry(), bus, cfg.Bidder.CircuitReset(), cfg.Bidder.CircuitThreshold)
	breaker.ListenAndTrip(bus)

	notify.NewManager(bus, "TaskExchange", fmt.Sprintf("http://localhost:%d", *port))

	ingressSrv := ingress.New(ex, *port)
	mcpSrv := mcpingress.New(ex)

	mux := http.NewServeMux()
	mux.Handle("/api/", ingressSrv.Router())
	mux.HandleFunc("/mcp", mcpSrv.ServeMessage)
	mux.HandleFunc("/ws", hub.ServeAgentWS)
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	if !waitForReady(*port, serverErr) {
		fmt.Fprintln(os.Stderr, "server failed to become ready within timeout")
		os.Exit(1)
	}
	quotes.Init(basePath)
	fmt.Printf("Task Exchange listening on :%d (ingress /api, mcp /mcp, agents /ws, metrics /metrics) - %s\n", *port, quotes.StartupQuote())

	if err := instanceMgr.WritePIDFile(os.Getpid(), *port); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write PID file: %v\n", err)
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		}
	case <-shutdownSignal:
		fmt.Println("shutting down (signal received)...")
	case <-ex.ShuttingDown():
		fmt.Println("shutting down (API request)...")
	}

	ex.Shutdown()

	// Agent sockets close deliberately on the way down, so teardown doesn't
	// read as a burst of agent:disconnected events.
	for _, id := range hub.AgentIDs() {
		hub.CloseIntentionally(id)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http shutdown error: %v\n", err)
	}

	if bridge != nil {
		natsServer.Shutdown()
	}

	instanceMgr.RemovePIDFile()
	fmt.Printf("Task Exchange stopped. %s\n", quotes.ShutdownQuote())
}

func startNATSBridge(natsPort int, dispatch transport.Handler) (*natsbridge.EmbeddedServer, *natsbridge.Bridge, error) {
	srv, err := natsbridge.NewEmbeddedServer(natsbridge.EmbeddedServerConfig{Port: natsPort})
	if err != nil {
		return nil, nil, fmt.Errorf("configuring embedded NATS server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting embedded NATS server: %w", err)
	}

	client, err := natsbridge.NewClient(srv.URL())
	if err != nil {
		srv.Shutdown()
		return nil, nil, fmt.Errorf("dialing embedded NATS server: %w", err)
	}

	bridge := natsbridge.New(client, dispatch, 60*time.Second, nil)
	if err := bridge.Start(); err != nil {
		srv.Shutdown()
		return nil, nil, fmt.Errorf("starting NATS bridge: %w", err)
	}
	return srv, bridge, nil
}

// waitForReady polls the health endpoint for up to 5 seconds, bailing out
// early if the server goroutine already reported a startup error.
func waitForReady(port int, serverErr chan error) bool {
	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		select {
		case err := <-serverErr:
			fmt.Fprintf(os.Stderr, "server failed to start: %v\n", err)
			return false
		default:
		}
		if instance.HealthCheck(port) == nil {
			return true
		}
	}
	return false
}

func showInstanceStatus(pidFilePath string, port int) {
	mgr := instance.NewManager(pidFilePath, port)
	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	if info == nil {
		fmt.Println("no exchange instance is currently running")
		return
	}

	statusIcon := "OK"
	if !info.IsResponding {
		statusIcon = "DEGRADED"
	}
	fmt.Printf("Instance:  RUNNING (%s)\n", statusIcon)
	fmt.Printf("  PID:      %d\n", info.PID)
	fmt.Printf("  Port:     %d\n", info.Port)
	fmt.Printf("  Started:  %s (%s ago)\n", info.StartTime.Format(time.RFC3339), time.Since(info.StartTime).Round(time.Second))
}

func stopInstance(pidFilePath string, force bool) {
	mgr := instance.NewManager(pidFilePath, 0)
	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("no exchange instance is currently running")
		return
	}

	if force {
		fmt.Printf("force killing process %d...\n", info.PID)
		if err := instance.KillProcess(info.PID); err != nil {
			fmt.Fprintf(os.Stderr, "failed to kill process: %v\n", err)
			os.Exit(1)
		}
		mgr.RemovePIDFile()
		fmt.Println("instance terminated")
		return
	}

	fmt.Printf("sending graceful shutdown request to instance on port %d...\n", info.Port)
	if err := instance.SendShutdownRequest(info.Port); err != nil {
		fmt.Fprintf(os.Stderr, "failed to send shutdown request: %v\n", err)
		fmt.Println("try -force-stop to force kill the process")
		os.Exit(1)
	}
	if instance.WaitForPortToBeAvailable(info.Port, 5*time.Second) {
		fmt.Println("instance stopped successfully")
	} else {
		fmt.Println("warning: instance may still be running; try -force-stop")
	}
}
