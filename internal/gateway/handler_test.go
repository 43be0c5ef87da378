package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halyard/halyard/internal/mcp"
	"github.com/halyard/halyard/internal/registry"
)

// fakeTransport implements mcp.TransportClient against canned data.
type fakeTransport struct {
	mu        sync.Mutex
	resCalls  int
	toolCalls int

	result json.RawMessage
	err    error
}

var _ mcp.TransportClient = (*fakeTransport)(nil)

func (f *fakeTransport) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{ProtocolVersion: mcp.MCPProtocolVersion}, nil
}
func (f *fakeTransport) TestConnection(ctx context.Context) error { return nil }
func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return nil, nil
}
func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolCallResult, error) {
	f.mu.Lock()
	f.toolCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &mcp.ToolCallResult{Content: f.result}, nil
}
func (f *fakeTransport) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return nil, nil
}
func (f *fakeTransport) CallResource(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	f.resCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
func (f *fakeTransport) ServerInfo(ctx context.Context) (*mcp.ServerInfo, error) {
	return &mcp.ServerInfo{Name: "fake", Version: "0"}, nil
}
func (f *fakeTransport) Capabilities() *mcp.ServerCapabilities { return nil }
func (f *fakeTransport) Initialized() bool                     { return true }
func (f *fakeTransport) Close() error                          { return nil }

// newTestHandler builds a handler over a registry with one upstream server
// exposing calc_add (resource-sourced, two required numbers).
func newTestHandler(t *testing.T) (*Handler, *fakeTransport) {
	t.Helper()

	ft := &fakeTransport{result: json.RawMessage(`{"sum":5}`)}
	reg := registry.New(registry.Config{})
	t.Cleanup(reg.Shutdown)

	srv := registry.NewServerWithClient("calc", "http", ft)
	reg.Register(srv)

	res := registry.NewResource("add", "Add two numbers", "calc://add")
	res.Parameters["a"] = &registry.ParamSpec{Type: "number", Required: true}
	res.Parameters["b"] = &registry.ParamSpec{Type: "number", Required: true}
	srv.AddResource(res)
	reg.AddTool(registry.NewTool("calc_add", srv, res, registry.ModeCall, nil))

	sessions := NewSessionManager(nil, time.Minute, time.Minute)
	t.Cleanup(sessions.Stop)
	sse := NewSSEManager()
	t.Cleanup(sse.Close)

	return NewHandler(sessions, reg, sse, nil, nil), ft
}

func postJSONRPC(t *testing.T, h *Handler, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	h.HandleMCP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *mcp.JSONRPCResponse {
	t.Helper()
	var resp mcp.JSONRPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return &resp
}

func initSession(t *testing.T, h *Handler) string {
	t.Helper()
	rec := postJSONRPC(t, h, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize status = %d: %s", rec.Code, rec.Body.String())
	}
	sessionID := rec.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("no Mcp-Session-Id header on initialize response")
	}
	return sessionID
}

func TestHandlerInitialize(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSONRPC(t, h, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"inspector","version":"0.5"}}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Mcp-Session-Id") == "" {
		t.Error("missing Mcp-Session-Id header")
	}
	if got := rec.Header().Get("MCP-Protocol-Version"); got != mcp.MCPProtocolVersion {
		t.Errorf("MCP-Protocol-Version = %q, want %q", got, mcp.MCPProtocolVersion)
	}

	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ProtocolVersion != mcp.MCPProtocolVersion {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "halyard" {
		t.Errorf("serverInfo.name = %q", result.ServerInfo.Name)
	}
	if result.Capabilities.Tools == nil || !result.Capabilities.Tools.ListChanged {
		t.Errorf("capabilities.tools = %+v, want listChanged", result.Capabilities.Tools)
	}

	// Session is live and marked initialized
	session, err := h.sessions.GetSession(context.Background(), rec.Header().Get("Mcp-Session-Id"))
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if !session.IsInitialized() {
		t.Error("session not marked initialized")
	}
	name, _ := session.ClientInfo()
	if name != "inspector" {
		t.Errorf("client name = %q", name)
	}
}

func TestHandlerInitializeReusesSession(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"again","version":"1"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Mcp-Session-Id"); got != sessionID {
		t.Errorf("session = %q, want reuse of %q", got, sessionID)
	}
	if h.sessions.Count() != 1 {
		t.Errorf("sessions = %d, want 1", h.sessions.Count())
	}
}

func TestHandlerRequiresSession(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSONRPC(t, h, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != mcp.InvalidRequest {
		t.Errorf("error = %+v, want InvalidRequest", resp.Error)
	}
}

func TestHandlerUnknownSession(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSONRPC(t, h, "ghost-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerRejectsBadJSON(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSONRPC(t, h, "", `{not json`)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != mcp.ParseError {
		t.Errorf("error = %+v, want ParseError", resp.Error)
	}
}

func TestHandlerRejectsWrongProtocolVersion(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("MCP-Protocol-Version", "1914-08-01")
	h.HandleMCP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerNotificationAccepted(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("notification response has body: %s", rec.Body.String())
	}
}

func TestHandlerPing(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
	if string(resp.Result) != "{}" {
		t.Errorf("result = %s, want {}", resp.Result)
	}
}

func TestHandlerToolsList(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}

	var result mcp.ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(result.Tools))
	}
	tool := result.Tools[0]
	if tool.Name != "calc_add" {
		t.Errorf("name = %q", tool.Name)
	}
	if tool.Description != "Add two numbers" {
		t.Errorf("description = %q", tool.Description)
	}
	if !strings.Contains(string(tool.InputSchema), `"required"`) {
		t.Errorf("schema missing required: %s", tool.InputSchema)
	}
}

func TestHandlerToolsCall(t *testing.T) {
	h, ft := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"calc_add","arguments":{"a":2,"b":3}}}`)
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}

	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.IsError {
		t.Errorf("isError = true: %s", result.Content)
	}

	var blocks []mcp.Content
	if err := json.Unmarshal(result.Content, &blocks); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Type != "text" || blocks[0].Text != `{"sum":5}` {
		t.Errorf("content = %+v", blocks)
	}
	if ft.resCalls != 1 {
		t.Errorf("upstream calls = %d, want 1", ft.resCalls)
	}
}

func TestHandlerToolsCallUnknownTool(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"ghost","arguments":{}}}`)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != mcp.InvalidParams {
		t.Errorf("error = %+v, want InvalidParams", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "ghost") {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestHandlerToolsCallValidation(t *testing.T) {
	h, ft := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"calc_add","arguments":{"a":2}}}`)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != mcp.InvalidParams {
		t.Fatalf("error = %+v, want InvalidParams", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, `missing required parameter "b"`) {
		t.Errorf("message = %q", resp.Error.Message)
	}
	if ft.resCalls != 0 {
		t.Errorf("upstream reached despite validation failure")
	}
}

func TestHandlerToolsCallUpstreamFailure(t *testing.T) {
	h, ft := newTestHandler(t)
	ft.err = &mcp.ServerError{Status: 503}
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"calc_add","arguments":{"a":1,"b":2}}}`)
	resp := decodeResponse(t, rec)

	// Upstream failures surface as tool results, not protocol errors
	if resp.Error != nil {
		t.Fatalf("protocol error = %+v, want isError result", resp.Error)
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.IsError {
		t.Error("isError = false, want true")
	}
	if !strings.Contains(string(result.Content), "status 503") {
		t.Errorf("content = %s", result.Content)
	}
}

func TestHandlerToolsCallToolsSourced(t *testing.T) {
	h, ft := newTestHandler(t)
	ft.result = json.RawMessage(`[{"type":"text","text":"4"}]`)

	// A capability discovered via tools/list keeps its upstream content framing
	srv, ok := h.reg.Server("calc")
	if !ok {
		t.Fatal("server calc not registered")
	}
	res := registry.NewResource("mul", "Multiply two numbers", "calc://mul")
	srv.AddResource(res)
	h.reg.AddTool(registry.NewTool("calc_mul", srv, res, registry.ModeCall, &registry.CallInvoker{Source: registry.SourceTools}))

	sessionID := initSession(t, h)
	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":12,"method":"tools/call","params":{"name":"calc_mul","arguments":{"a":2,"b":2}}}`)
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}

	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if string(result.Content) != `[{"type":"text","text":"4"}]` {
		t.Errorf("content = %s, want upstream framing preserved", result.Content)
	}
	if ft.toolCalls != 1 {
		t.Errorf("tools/call round trips = %d, want 1", ft.toolCalls)
	}
	if ft.resCalls != 0 {
		t.Errorf("resources/call round trips = %d, want 0", ft.resCalls)
	}
}

func TestHandlerResourcesList(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":8,"method":"resources/list"}`)
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}

	var result mcp.ResourcesListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Resources) != 1 {
		t.Fatalf("resources = %d, want 1", len(result.Resources))
	}
	if result.Resources[0].Name != "calc_add" || result.Resources[0].URI != "calc://add" {
		t.Errorf("resource = %+v", result.Resources[0])
	}
}

func TestHandlerResourcesCall(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":9,"method":"resources/call","params":{"name":"calc_add","arguments":{"a":2,"b":3}}}`)
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	// Raw upstream payload, no tool-result framing
	if string(resp.Result) != `{"sum":5}` {
		t.Errorf("result = %s, want {\"sum\":5}", resp.Result)
	}
}

func TestHandlerResourcesCallUpstreamFailure(t *testing.T) {
	h, ft := newTestHandler(t)
	ft.err = &mcp.ServerError{Status: 500}
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":10,"method":"resources/call","params":{"name":"calc_add","arguments":{"a":1,"b":2}}}`)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != mcp.InternalError {
		t.Errorf("error = %+v, want InternalError", resp.Error)
	}
}

func TestHandlerMethodNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := postJSONRPC(t, h, sessionID, `{"jsonrpc":"2.0","id":11,"method":"prompts/list"}`)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != mcp.MethodNotFound {
		t.Errorf("error = %+v, want MethodNotFound", resp.Error)
	}
}

func TestHandlerDeleteSession(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	h.HandleMCP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if h.sessions.Count() != 0 {
		t.Errorf("sessions = %d, want 0", h.sessions.Count())
	}

	// Second delete finds nothing
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	h.HandleMCP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", rec.Code)
	}
}

func TestHandlerDeleteRequiresHeader(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	h.HandleMCP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/mcp", strings.NewReader("{}"))
	h.HandleMCP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandlerSSEEndpointEvent(t *testing.T) {
	h, _ := newTestHandler(t)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleMCP))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}
	sessionID := resp.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("missing Mcp-Session-Id header")
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if event != "endpoint" {
		t.Errorf("event = %q, want endpoint", event)
	}
	if !strings.Contains(data, "session_id="+sessionID) {
		t.Errorf("endpoint data = %q, want session_id=%s", data, sessionID)
	}
}

func TestHandlerSSENotificationStream(t *testing.T) {
	h, _ := newTestHandler(t)
	sessionID := initSession(t, h)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleMCP))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Wait until the stream is registered, then push a catalogue change
	hub := h.sse.GetOrCreateHub(sessionID)
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.sse.NotifyToolsChanged()

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	var notification mcp.JSONRPCNotification
	if err := json.Unmarshal([]byte(data), &notification); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if notification.Method != "notifications/tools/list_changed" {
		t.Errorf("method = %q", notification.Method)
	}
}

func TestNormalizeToolResult(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantText    string
		passThrough bool
	}{
		{
			name:        "upstream tool result passes through",
			raw:         `{"content":[{"type":"text","text":"4"}],"isError":false}`,
			passThrough: true,
		},
		{
			name:     "resource payload wrapped as text",
			raw:      `{"sum":5}`,
			wantText: `{"sum":5}`,
		},
		{
			name:     "scalar payload wrapped as text",
			raw:      `42`,
			wantText: `42`,
		},
		{
			name:     "content key that is not a block list gets wrapped",
			raw:      `{"content":"plain string"}`,
			wantText: `{"content":"plain string"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizeToolResult(json.RawMessage(tt.raw))
			if tt.passThrough {
				if string(result.Content) != `[{"type":"text","text":"4"}]` {
					t.Errorf("content = %s", result.Content)
				}
				return
			}
			var blocks []mcp.Content
			if err := json.Unmarshal(result.Content, &blocks); err != nil {
				t.Fatalf("decode content: %v", err)
			}
			if len(blocks) != 1 || blocks[0].Type != "text" || blocks[0].Text != tt.wantText {
				t.Errorf("blocks = %+v, want one text block %q", blocks, tt.wantText)
			}
		})
	}
}
