// Package mcpingress exposes the exchange's ingress operations as MCP
// tool calls: a ToolRegistry/ToolDefinition table behind a JSON-RPC
// dispatch, served over a single streamable-HTTP POST endpoint. MCP here
// is an alternate tool-shaped surface onto the same six operations
// internal/ingress exposes over plain HTTP, not a transport for agent
// bidding traffic.
package mcpingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/taskexchange/exchange/internal/exchange"
	"github.com/taskexchange/exchange/internal/pipeline"
	"github.com/taskexchange/exchange/internal/types"
)

// ToolHandler processes one MCP tool call.
type ToolHandler func(params map[string]interface{}) (interface{}, error)

// ToolDefinition describes one callable MCP tool.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]ParameterDef
	Handler     ToolHandler
}

// ParameterDef describes one tool parameter.
type ParameterDef struct {
	Type        string
	Description string
	Required    bool
}

// ToolRegistry holds the callable tool set.
type ToolRegistry struct {
	tools map[string]ToolDefinition
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolDefinition)}
}

// Register adds a tool.
func (r *ToolRegistry) Register(tool ToolDefinition) {
	r.tools[tool.Name] = tool
}

// List returns every tool's MCP tools/list description.
func (r *ToolRegistry) List() []map[string]interface{} {
	var tools []map[string]interface{}
	for _, tool := range r.tools {
		params := make(map[string]interface{})
		var required []string
		for name, def := range tool.Parameters {
			params[name] = map[string]interface{}{
				"type":        def.Type,
				"description": def.Description,
			}
			if def.Required {
				required = append(required, name)
			}
		}
		tools = append(tools, map[string]interface{}{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": params,
				"required":   required,
			},
		})
	}
	return tools
}

// Execute runs a tool by name.
func (r *ToolRegistry) Execute(name string, params map[string]interface{}) (interface{}, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Handler(params)
}

// Server serves the Ingress API as MCP tools over one JSON-RPC endpoint.
type Server struct {
	tools    *ToolRegistry
	ex       *exchange.Exchange
	state    *pipeline.State
	pipeline *pipeline.Pipeline
}

// New builds the MCP tool registry against ex and registers the six
// Ingress API operations as tools.
func New(ex *exchange.Exchange) *Server {
	s := &Server{
		tools:    NewToolRegistry(),
		ex:       ex,
		state:    ex.State(),
		pipeline: ex.Pipeline(),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.tools.Register(ToolDefinition{
		Name:        "submit",
		Description: "Submit an utterance to the task exchange for auction.",
		Parameters: map[string]ParameterDef{
			"text":          {Type: "string", Description: "the utterance to route", Required: true},
			"toolId":        {Type: "string", Description: "source tool identifier", Required: false},
			"agentFilter":   {Type: "array", Description: "restrict solicitation to these agent ids", Required: false},
			"targetAgentId": {Type: "string", Description: "route directly to this agent, bypassing the auction", Required: false},
			"skipFilter":    {Type: "boolean", Description: "skip the transcript quality filter", Required: false},
		},
		Handler: s.callSubmit,
	})

	s.tools.Register(ToolDefinition{
		Name:        "cancel_task",
		Description: "Cancel a queued or in-flight task.",
		Parameters: map[string]ParameterDef{
			"taskId": {Type: "string", Description: "the task id to cancel", Required: true},
		},
		Handler: s.callCancelTask,
	})

	s.tools.Register(ToolDefinition{
		Name:        "status",
		Description: "Report exchange-wide status: queue depth, agent counts, in-flight tasks.",
		Parameters:  map[string]ParameterDef{},
		Handler:     s.callStatus,
	})

	s.tools.Register(ToolDefinition{
		Name:        "reconnect_agents",
		Description: "Reclassify every non-healthy registered agent against the live transport.",
		Parameters:  map[string]ParameterDef{},
		Handler:     s.callReconnectAgents,
	})

	s.tools.Register(ToolDefinition{
		Name:        "reputation_summary",
		Description: "Return every tracked agent's rolling reputation score.",
		Parameters:  map[string]ParameterDef{},
		Handler:     s.callReputationSummary,
	})

	s.tools.Register(ToolDefinition{
		Name:        "shutdown",
		Description: "Cancel every in-flight task and signal the exchange is shutting down.",
		Parameters:  map[string]ParameterDef{},
		Handler:     s.callShutdown,
	})
}

func (s *Server) callSubmit(params map[string]interface{}) (interface{}, error) {
	text, _ := params["text"].(string)
	opts := pipeline.Options{
		SourceTool:    stringParam(params, "toolId"),
		TargetAgentID: stringParam(params, "targetAgentId"),
	}
	if skip, ok := params["skipFilter"].(bool); ok {
		opts.SkipFilter = skip
	}
	if raw, ok := params["agentFilter"].([]interface{}); ok {
		for _, v := range raw {
			if id, ok := v.(string); ok {
				opts.AgentFilter = append(opts.AgentFilter, id)
			}
		}
	}

	result := s.pipeline.Submit(context.Background(), s.state, text, opts)
	return map[string]interface{}{
		"outcome":  string(result.Outcome),
		"taskIds":  result.TaskIDs,
		"rejected": result.Rejected,
	}, nil
}

func (s *Server) callCancelTask(params map[string]interface{}) (interface{}, error) {
	taskID, _ := params["taskId"].(string)
	if taskID == "" {
		return nil, fmt.Errorf("taskId is required")
	}
	if err := s.ex.CancelTask(taskID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": true}, nil
}

func (s *Server) callStatus(params map[string]interface{}) (interface{}, error) {
	return s.ex.Status(), nil
}

func (s *Server) callReconnectAgents(params map[string]interface{}) (interface{}, error) {
	return s.ex.ReconnectAgents(), nil
}

func (s *Server) callReputationSummary(params map[string]interface{}) (interface{}, error) {
	snapshots := s.ex.ReputationSummary()
	scores := make(map[string]float64, len(snapshots))
	for _, snap := range snapshots {
		scores[snap.AgentID] = snap.Score
	}
	return scores, nil
}

func (s *Server) callShutdown(params map[string]interface{}) (interface{}, error) {
	s.ex.Shutdown()
	return map[string]interface{}{"shutting_down": true}, nil
}

func stringParam(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

// ServeMessage handles one JSON-RPC request over POST
// (initialize / tools/list / tools/call), no SSE session layer.
func (s *Server) ServeMessage(w http.ResponseWriter, r *http.Request) {
	var req types.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, -32700, "parse error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.handleRequest(&req))
}

func (s *Server) handleRequest(req *types.MCPRequest) types.MCPResponse {
	switch req.Method {
	case "initialize":
		return types.MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]string{"name": "task-exchange", "version": "1.0.0"},
				"capabilities":    map[string]interface{}{"tools": map[string]bool{"listChanged": false}},
			},
		}
	case "tools/list":
		return types.MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"tools": s.tools.List()}}
	case "tools/call":
		return s.handleToolsCall(req)
	default:
		return types.MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &types.MCPError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)},
		}
	}
}

func (s *Server) handleToolsCall(req *types.MCPRequest) types.MCPResponse {
	params, ok := req.Params.(map[string]interface{})
	if !ok {
		return types.MCPResponse{JSONRPC: "2.0", ID: req.ID, Error: &types.MCPError{Code: -32602, Message: "invalid params"}}
	}

	toolName, _ := params["name"].(string)
	toolArgs, _ := params["arguments"].(map[string]interface{})
	if toolName == "" {
		return types.MCPResponse{JSONRPC: "2.0", ID: req.ID, Error: &types.MCPError{Code: -32602, Message: "tool name required"}}
	}

	result, err := s.tools.Execute(toolName, toolArgs)
	if err != nil {
		return types.MCPResponse{JSONRPC: "2.0", ID: req.ID, Error: &types.MCPError{Code: -32000, Message: err.Error()}}
	}

	resultText := fmt.Sprintf("%v", result)
	if jsonBytes, err := json.Marshal(result); err == nil {
		resultText = string(jsonBytes)
	}

	return types.MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": resultText}},
		},
	}
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &types.MCPError{Code: code, Message: message},
	})
}
