// Package ingress is the HTTP surface of the exchange:
// submit, cancelTask, status, reconnectAgents, reputationSummary, and
// shutdown, each a thin JSON handler over internal/exchange.Exchange.
package ingress

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/taskexchange/exchange/internal/exchange"
	"github.com/taskexchange/exchange/internal/pipeline"
)

// MaxPayloadSize bounds request bodies to prevent DoS via large payloads.
const MaxPayloadSize = 1 * 1024 * 1024 // 1MB

func limitRequestSize(r *http.Request, maxSize int64) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxSize)
}

// Server exposes the Ingress API over HTTP.
type Server struct {
	router   *mux.Router
	ex       *exchange.Exchange
	state    *pipeline.State
	pipeline *pipeline.Pipeline
	port     int
}

// New builds the ingress router against ex. port is recorded for the
// status() response only; New does not itself listen.
func New(ex *exchange.Exchange, port int) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		ex:       ex,
		state:    ex.State(),
		pipeline: ex.Pipeline(),
		port:     port,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured http.Handler for cmd/exchange to hand to
// http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(SecurityHeadersMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/submit", s.handleSubmit).Methods("POST")
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/agents/reconnect", s.handleReconnectAgents).Methods("POST")
	api.HandleFunc("/reputation", s.handleReputationSummary).Methods("GET")
	api.HandleFunc("/shutdown", s.handleShutdown).Methods("POST")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

type submitRequest struct {
	Text          string   `json:"text"`
	ToolID        string   `json:"toolId,omitempty"`
	SpaceID       string   `json:"spaceId,omitempty"`
	AgentFilter   []string `json:"agentFilter,omitempty"`
	Metadata      string   `json:"metadata,omitempty"`
	SkipFilter    bool     `json:"skipFilter,omitempty"`
	TargetAgentID string   `json:"targetAgentId,omitempty"`
}

type submitResponse struct {
	Outcome  string   `json:"outcome"`
	TaskIDs  []string `json:"taskIds,omitempty"`
	Rejected string   `json:"rejected,omitempty"`
}

// handleSubmit implements submit(text, options) -> submitResult.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	limitRequestSize(r, MaxPayloadSize)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	opts := pipeline.Options{
		TargetAgentID: req.TargetAgentID,
		SkipFilter:    req.SkipFilter,
		SourceTool:    req.ToolID,
		AgentFilter:   req.AgentFilter,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result := s.pipeline.Submit(ctx, s.state, req.Text, opts)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(submitResponse{
		Outcome:  string(result.Outcome),
		TaskIDs:  result.TaskIDs,
		Rejected: result.Rejected,
	})
}

// handleCancelTask implements cancelTask(taskId).
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" || len(id) > 100 {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	if err := s.ex.CancelTask(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Running     bool                       `json:"running"`
	Port        int                        `json:"port"`
	AgentCount  int                        `json:"agentCount"`
	QueueDepth  int                        `json:"queueDepth"`
	Agents      []string                   `json:"agents"`
	Snapshot    exchange.StatusSnapshot    `json:"snapshot"`
}

// handleStatus implements status() -> {running, port, agentCount,
// queueDepth, agents[]}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.ex.Status()

	agentIDs := make([]string, 0, len(s.ex.Registry().All()))
	for _, rec := range s.ex.Registry().All() {
		agentIDs = append(agentIDs, rec.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Running:    true,
		Port:       s.port,
		AgentCount: snap.AgentsTotal,
		QueueDepth: snap.TasksQueued,
		Agents:     agentIDs,
		Snapshot:   snap,
	})
}

// handleReconnectAgents implements reconnectAgents() ->
// {reconnected, failed, alreadyConnected}.
func (s *Server) handleReconnectAgents(w http.ResponseWriter, r *http.Request) {
	summary := s.ex.ReconnectAgents()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// handleReputationSummary implements reputationSummary() ->
// map<agentId, score>.
func (s *Server) handleReputationSummary(w http.ResponseWriter, r *http.Request) {
	snapshots := s.ex.ReputationSummary()

	scores := make(map[string]float64, len(snapshots))
	for _, snap := range snapshots {
		scores[snap.AgentID] = snap.Score
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(scores)
}

// handleShutdown implements shutdown() by calling Exchange.Shutdown, which
// cancels every non-terminal task's execution at once and closes the
// ShuttingDown channel; it does not wait for in-flight work to finish and
// has no grace deadline. The HTTP response returns immediately; the
// caller selects on the exchange's ShuttingDown channel or its own process
// lifecycle to know when it is safe to exit.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	log.Printf("[ingress] shutdown requested")
	s.ex.Shutdown()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "shutting_down",
		"message": "graceful shutdown initiated",
	})
}

// handleHealth backs instance.HealthCheck's startup poll.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
