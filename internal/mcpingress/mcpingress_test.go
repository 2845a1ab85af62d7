package mcpingress

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/taskexchange/exchange/internal/config"
	"github.com/taskexchange/exchange/internal/exchange"
	"github.com/taskexchange/exchange/internal/transport"
	"github.com/taskexchange/exchange/internal/types"
)

func newTestServer() *Server {
	ex := exchange.New(config.Default(), fakePeer{}, nil, nil)
	return New(ex)
}

type fakePeer struct{}

func (fakePeer) Send(agentID string, f transport.Frame) bool { return false }
func (fakePeer) Connected(agentID string) bool               { return false }

func rpc(s *Server, method string, params interface{}) types.MCPResponse {
	req := &types.MCPRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	return s.handleRequest(req)
}

func TestInitializeReportsServerInfo(t *testing.T) {
	s := newTestServer()
	resp := rpc(s, "initialize", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["protocolVersion"] != "2024-11-05" {
		t.Errorf("unexpected initialize result: %+v", resp.Result)
	}
}

func TestToolsListReturnsSixOperations(t *testing.T) {
	s := newTestServer()
	resp := rpc(s, "tools/list", nil)

	result := resp.Result.(map[string]interface{})
	tools := result["tools"].([]map[string]interface{})
	if len(tools) != 6 {
		t.Fatalf("expected 6 tools, got %d: %+v", len(tools), tools)
	}
}

func TestToolsCallSubmitSubmitsTask(t *testing.T) {
	s := newTestServer()
	resp := rpc(s, "tools/call", map[string]interface{}{
		"name":      "submit",
		"arguments": map[string]interface{}{"text": "what time is it"},
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	content := result["content"].([]map[string]interface{})
	if len(content) != 1 {
		t.Fatalf("expected one content block, got %+v", content)
	}
}

func TestToolsCallUnknownToolReturnsError(t *testing.T) {
	s := newTestServer()
	resp := rpc(s, "tools/call", map[string]interface{}{"name": "nonexistent_tool"})
	if resp.Error == nil {
		t.Fatal("expected error for unknown tool")
	}
	if resp.Error.Code != -32000 {
		t.Errorf("expected code -32000, got %d", resp.Error.Code)
	}
}

func TestToolsCallMissingNameReturnsError(t *testing.T) {
	s := newTestServer()
	resp := rpc(s, "tools/call", map[string]interface{}{})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("expected -32602 invalid params, got %+v", resp.Error)
	}
}

func TestUnknownMethodReturnsError(t *testing.T) {
	s := newTestServer()
	resp := rpc(s, "nonexistent/method", nil)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected -32601 method not found, got %+v", resp.Error)
	}
}

func TestCallCancelTaskUnknownIDReturnsError(t *testing.T) {
	s := newTestServer()
	_, err := s.callCancelTask(map[string]interface{}{"taskId": "nonexistent"})
	if err == nil {
		t.Fatal("expected error cancelling unknown task")
	}
}

func TestCallShutdownClosesExchange(t *testing.T) {
	s := newTestServer()
	if _, err := s.callShutdown(nil); err != nil {
		t.Fatalf("callShutdown: %v", err)
	}
	select {
	case <-s.ex.ShuttingDown():
	default:
		t.Fatal("expected exchange shutting down")
	}
}

func TestServeMessageRoundTrip(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(types.MCPRequest{JSONRPC: "2.0", ID: 7, Method: "tools/list"})
	req := httptest.NewRequest("POST", "/mcp/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.ServeMessage(w, req)

	var resp types.MCPResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
}

func TestServeMessageInvalidBodyReturnsParseError(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("POST", "/mcp/messages", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()

	s.ServeMessage(w, req)

	var resp types.MCPResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("expected -32700 parse error, got %+v", resp.Error)
	}
}
