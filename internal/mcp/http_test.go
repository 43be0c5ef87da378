package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halyard/halyard/internal/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.InitMetrics()
	os.Exit(m.Run())
}

// decodeEnvelope reports whether body is a JSON-RPC envelope.
func decodeEnvelope(body []byte) (JSONRPCRequest, bool) {
	var env JSONRPCRequest
	if err := json.Unmarshal(body, &env); err != nil || env.JSONRPC != JSONRPCVersion {
		return env, false
	}
	return env, true
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage(result),
	})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(NewErrorResponse(id, code, msg))
}

const handshakeResult = `{"protocolVersion":"2025-06-18","capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"upstream","version":"0.3.0"}}`

func TestHTTPTransportInitialize(t *testing.T) {
	var initCalls, notifyCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env, ok := decodeEnvelope(body)
		if !ok {
			t.Errorf("expected envelope, got %s", body)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch env.Method {
		case MethodInitialize:
			initCalls.Add(1)
			var params InitializeParams
			if err := json.Unmarshal(env.Params, &params); err != nil {
				t.Errorf("bad initialize params: %v", err)
			}
			if params.ProtocolVersion != MCPProtocolVersion {
				t.Errorf("protocolVersion = %q", params.ProtocolVersion)
			}
			if params.ClientInfo.Name != "halyard" {
				t.Errorf("clientInfo.name = %q", params.ClientInfo.Name)
			}
			w.Header().Set("Mcp-Session-Id", "sess-1")
			writeResult(w, env.ID, handshakeResult)
		case MethodInitialized:
			notifyCalls.Add(1)
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("unexpected method %q", env.Method)
			writeRPCError(w, env.ID, MethodNotFound, "unknown method")
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
	defer tr.Close()

	result, err := tr.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if result.ServerInfo.Name != "upstream" || result.ServerInfo.Version != "0.3.0" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}
	if result.Capabilities.Tools == nil {
		t.Error("tools capability should be set")
	}
	if !tr.Initialized() {
		t.Error("transport should report initialized")
	}
	if tr.SessionID() != "sess-1" {
		t.Errorf("session = %q", tr.SessionID())
	}

	// A second Initialize is served from cache.
	if _, err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if got := initCalls.Load(); got != 1 {
		t.Errorf("initialize hit upstream %d times, want 1", got)
	}
	if got := notifyCalls.Load(); got != 1 {
		t.Errorf("initialized notification sent %d times, want 1", got)
	}
}

func TestCallResourceAutoShortCircuit(t *testing.T) {
	var envelopeHits, simpleHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if env, ok := decodeEnvelope(body); ok {
			envelopeHits.Add(1)
			if env.Method != MethodResourcesCall {
				t.Errorf("method = %q", env.Method)
			}
			writeResult(w, env.ID, `{"value":42}`)
			return
		}
		simpleHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":"rest"}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL})
	defer tr.Close()

	result, err := tr.CallResource(context.Background(), "answer", nil)
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if string(result) != `{"value":42}` {
		t.Errorf("result = %s", result)
	}
	if envelopeHits.Load() != 1 || simpleHits.Load() != 0 {
		t.Errorf("hits = %d envelope, %d simple; the REST leg must never run after a usable JSON-RPC result",
			envelopeHits.Load(), simpleHits.Load())
	}
}

func TestCallResourceAutoRESTFallback(t *testing.T) {
	var envelopeHits, simpleHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if env, ok := decodeEnvelope(body); ok {
			envelopeHits.Add(1)
			writeResult(w, env.ID, `null`)
			return
		}
		simpleHits.Add(1)
		var simple struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(body, &simple); err != nil || simple.Method != MethodResourcesCall {
			t.Errorf("bad simplified body: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":"rest"}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL})
	defer tr.Close()

	result, err := tr.CallResource(context.Background(), "answer", nil)
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if string(result) != `{"value":"rest"}` {
		t.Errorf("result = %s", result)
	}
	if envelopeHits.Load() != 1 || simpleHits.Load() != 1 {
		t.Errorf("hits = %d envelope, %d simple; want exactly one of each", envelopeHits.Load(), simpleHits.Load())
	}
}

func TestCallResourceAutoNullOutcome(t *testing.T) {
	var simpleHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if env, ok := decodeEnvelope(body); ok {
			writeResult(w, env.ID, `null`)
			return
		}
		simpleHits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL})
	defer tr.Close()

	result, err := tr.CallResource(context.Background(), "void", nil)
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if result != nil {
		t.Errorf("result = %s, want nil", result)
	}
	if simpleHits.Load() != 1 {
		t.Errorf("REST attempted %d times, want exactly 1", simpleHits.Load())
	}
}

func TestCallResourceRetryBound(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC, MaxRetries: 2})
	defer tr.Close()
	tr.backoff = time.Millisecond

	_, err := tr.CallResource(context.Background(), "flaky", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("upstream hit %d times, want maxRetries+1 = 3", got)
	}
	if !strings.Contains(err.Error(), "Max retries exceeded") {
		t.Errorf("error %q should report retry exhaustion", err)
	}
	var mre *MaxRetriesError
	if !errors.As(err, &mre) || mre.Attempts != 3 {
		t.Errorf("expected MaxRetriesError with 3 attempts, got %v", err)
	}
	var se *ServerError
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError {
		t.Errorf("expected the last ServerError to unwrap, got %v", err)
	}
}

func TestCallResourceClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "no such resource", http.StatusNotFound)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC, MaxRetries: 5})
	defer tr.Close()
	tr.backoff = time.Millisecond

	_, err := tr.CallResource(context.Background(), "missing", nil)
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Status != http.StatusNotFound {
		t.Fatalf("expected ClientError 404, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hit %d times, want 1; 4xx must fail immediately", got)
	}
	var mre *MaxRetriesError
	if errors.As(err, &mre) {
		t.Error("4xx must not be wrapped in MaxRetriesError")
	}
}

func TestCallResourceCalc(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env, ok := decodeEnvelope(body)
		if !ok {
			t.Errorf("expected envelope, got %s", body)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch env.Method {
		case MethodInitialize:
			writeResult(w, env.ID, handshakeResult)
		case MethodInitialized:
			w.WriteHeader(http.StatusAccepted)
		case MethodResourcesCall:
			var params ResourceCallParams
			if err := json.Unmarshal(env.Params, &params); err != nil {
				t.Errorf("bad params: %v", err)
			}
			if params.Name != "add" {
				t.Errorf("resource name = %q", params.Name)
			}
			a, _ := params.Arguments["a"].(float64)
			b, _ := params.Arguments["b"].(float64)
			writeResult(w, env.ID, fmt.Sprintf(`{"sum":%d}`, int(a+b)))
		default:
			writeRPCError(w, env.ID, MethodNotFound, "unknown method")
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
	defer tr.Close()

	if _, err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	result, err := tr.CallResource(context.Background(), "add", map[string]interface{}{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if string(result) != `{"sum":5}` {
		t.Errorf(`result = %s, want {"sum":5}`, result)
	}
}

func TestSSECascadeGETWins(t *testing.T) {
	var gets, posts atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			posts.Add(1)
			http.Error(w, "POST not supported", http.StatusMethodNotAllowed)
			return
		}
		gets.Add(1)
		env, ok := decodeEnvelope([]byte(r.URL.Query().Get("message")))
		if !ok || env.Method != MethodResourcesCall {
			t.Errorf("bad message param: %q", r.URL.Query().Get("message"))
		}
		if r.URL.Query().Get("method") != MethodResourcesCall {
			t.Errorf("method param = %q", r.URL.Query().Get("method"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"jsonrpc":"2.0","id":1,"result":{"tail":"ok"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL + "/sse"})
	defer tr.Close()

	result, err := tr.CallResource(context.Background(), "tail", nil)
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if string(result) != `{"tail":"ok"}` {
		t.Errorf("result = %s", result)
	}
	if gets.Load() != 1 || posts.Load() != 0 {
		t.Errorf("hits = %d GET, %d POST; the first strategy should win", gets.Load(), posts.Load())
	}
}

func TestSSECascadeFallsThroughToPOST(t *testing.T) {
	var gets, posts atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
			http.Error(w, "no GET here", http.StatusNotFound)
			return
		}
		posts.Add(1)
		body, _ := io.ReadAll(r.Body)
		if _, ok := decodeEnvelope(body); ok {
			t.Errorf("second strategy should send the simplified body, got %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"winner":"post"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL + "/sse"})
	defer tr.Close()

	result, err := tr.CallResource(context.Background(), "tail", nil)
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if string(result) != `{"winner":"post"}` {
		t.Errorf("result = %s", result)
	}
	if gets.Load() != 1 || posts.Load() != 1 {
		t.Errorf("hits = %d GET, %d POST", gets.Load(), posts.Load())
	}
}

func TestSSECascadeFinalJSONRPC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first three strategies ask for an event stream; refuse them so
		// the plain JSON-RPC fallback has to carry the call.
		if r.Method == http.MethodGet || r.Header.Get("Accept") == "text/event-stream" {
			http.Error(w, "streaming unavailable", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		env, ok := decodeEnvelope(body)
		if !ok {
			t.Errorf("final strategy should send an envelope, got %s", body)
		}
		writeResult(w, env.ID, `{"final":true}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL + "/sse"})
	defer tr.Close()

	result, err := tr.CallResource(context.Background(), "tail", nil)
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if string(result) != `{"final":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestSSECascadeSurfacesFinalError(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL + "/sse"})
	defer tr.Close()

	_, err := tr.CallResource(context.Background(), "tail", nil)
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Status != http.StatusGone {
		t.Fatalf("expected the final strategy's ClientError, got %v", err)
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("upstream hit %d times, want all 4 strategies", got)
	}
}

func TestStreamResourceTermination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("method") != MethodResourcesCall {
			t.Errorf("method param = %q", r.URL.Query().Get("method"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"a\":1}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"b\":2}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		BaseURL: "http://unused.invalid/mcp",
		Stream:  StreamConfig{URL: srv.URL},
	})
	defer tr.Close()

	var chunks []string
	for payload, err := range tr.StreamResource(context.Background(), "ticker", nil) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		chunks = append(chunks, string(payload))
	}
	if len(chunks) != 1 || chunks[0] != `{"a":1}` {
		t.Errorf("chunks = %v; the sentinel must end the stream", chunks)
	}
}

func TestStreamResourceEnvelopeChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"n\":1}}\n\n")
		fmt.Fprint(w, "data: {\"n\":2}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		BaseURL: "http://unused.invalid/mcp",
		Stream:  StreamConfig{URL: srv.URL},
	})
	defer tr.Close()

	var chunks []string
	for payload, err := range tr.StreamResource(context.Background(), "ticker", nil) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		chunks = append(chunks, string(payload))
	}
	// Envelope chunks are unwrapped, bare JSON passes through, EOF ends cleanly.
	if len(chunks) != 2 || chunks[0] != `{"n":1}` || chunks[1] != `{"n":2}` {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestStreamResourceMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"ok\":1}\n\n")
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, "data: {\"never\":2}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		BaseURL: "http://unused.invalid/mcp",
		Stream:  StreamConfig{URL: srv.URL},
	})
	defer tr.Close()

	var chunks int
	var streamErr error
	for payload, err := range tr.StreamResource(context.Background(), "ticker", nil) {
		if err != nil {
			streamErr = err
			break
		}
		_ = payload
		chunks++
	}
	var pe *ProtocolError
	if !errors.As(streamErr, &pe) {
		t.Fatalf("expected ProtocolError for the malformed chunk, got %v", streamErr)
	}
	if chunks != 1 {
		t.Errorf("yielded %d chunks before the malformed one, want 1", chunks)
	}
}

func TestStreamResourceUnsupported(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{BaseURL: "http://example.invalid/mcp"})
	defer tr.Close()

	var streamErr error
	for _, err := range tr.StreamResource(context.Background(), "ticker", nil) {
		streamErr = err
		break
	}
	if !errors.Is(streamErr, ErrNoStreaming) {
		t.Errorf("expected ErrNoStreaming, got %v", streamErr)
	}
}

func TestStreamResourceContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"first\":1}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		BaseURL: "http://unused.invalid/mcp",
		Stream:  StreamConfig{URL: srv.URL},
	})
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var chunks int
	var streamErr error
	for _, err := range tr.StreamResource(ctx, "ticker", nil) {
		if err != nil {
			streamErr = err
			break
		}
		chunks++
		cancel()
	}
	if chunks != 1 {
		t.Errorf("chunks = %d, want 1", chunks)
	}
	if !errors.Is(streamErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", streamErr)
	}
}

func TestSupportsStreaming(t *testing.T) {
	tests := []struct {
		name   string
		cfg    HTTPConfig
		sse    bool
		stream bool
	}{
		{"plain url", HTTPConfig{BaseURL: "http://x/mcp"}, false, false},
		{"marker in url", HTTPConfig{BaseURL: "http://x/sse"}, true, true},
		{"marker uppercase", HTTPConfig{BaseURL: "http://x/SSE/v1"}, true, true},
		{"accept header", HTTPConfig{
			BaseURL: "http://x/mcp",
			Headers: map[string]string{"Accept": "text/event-stream"},
		}, true, true},
		{"accept header mixed case", HTTPConfig{
			BaseURL: "http://x/mcp",
			Headers: map[string]string{"accept": "application/json, TEXT/EVENT-STREAM"},
		}, true, true},
		{"forced jsonrpc beats marker", HTTPConfig{BaseURL: "http://x/sse", ForceJSONRPC: true}, false, false},
		{"dedicated stream url", HTTPConfig{
			BaseURL: "http://x/mcp",
			Stream:  StreamConfig{URL: "http://x/events"},
		}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewHTTPTransport(tt.cfg)
			if got := tr.supportsSSE(); got != tt.sse {
				t.Errorf("supportsSSE() = %v, want %v", got, tt.sse)
			}
			if got := tr.SupportsStreaming(); got != tt.stream {
				t.Errorf("SupportsStreaming() = %v, want %v", got, tt.stream)
			}
		})
	}
}

func TestApplyHeaders(t *testing.T) {
	var mu sync.Mutex
	var seen []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Clone())
		mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		env, _ := decodeEnvelope(body)
		w.Header().Set("Mcp-Session-Id", "s-9")
		writeResult(w, env.ID, `{"ok":true}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		BaseURL:   srv.URL,
		Format:    FormatJSONRPC,
		AuthToken: "secret",
		Headers:   map[string]string{"X-Org": "acme"},
	})
	defer tr.Close()

	for i := 0; i < 2; i++ {
		if _, err := tr.CallResource(context.Background(), "ok", nil); err != nil {
			t.Fatalf("CallResource %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("saw %d requests, want 2", len(seen))
	}
	first := seen[0]
	if got := first.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := first.Get("MCP-Protocol-Version"); got != MCPProtocolVersion {
		t.Errorf("MCP-Protocol-Version = %q", got)
	}
	if got := first.Get("X-Org"); got != "acme" {
		t.Errorf("X-Org = %q", got)
	}
	if got := first.Get("Accept"); got != "application/json, text/event-stream" {
		t.Errorf("Accept = %q", got)
	}
	if got := first.Get("Mcp-Session-Id"); got != "" {
		t.Errorf("first request carried session %q before one was assigned", got)
	}
	if got := seen[1].Get("Mcp-Session-Id"); got != "s-9" {
		t.Errorf("second request session = %q, want s-9", got)
	}
}

func TestApplyHeadersCustomAuthHeader(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		env, _ := decodeEnvelope(body)
		writeResult(w, env.ID, `{"ok":true}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		BaseURL:    srv.URL,
		Format:     FormatJSONRPC,
		AuthToken:  "raw-key",
		AuthHeader: "X-Api-Key",
	})
	defer tr.Close()

	if _, err := tr.CallResource(context.Background(), "ok", nil); err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if v, _ := got.Load().(string); v != "raw-key" {
		t.Errorf("X-Api-Key = %q; custom auth headers carry the token verbatim", v)
	}
}

func TestTestConnectionToleratesMissingPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env, _ := decodeEnvelope(body)
		writeRPCError(w, env.ID, MethodNotFound, "no ping")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
	defer tr.Close()

	if err := tr.TestConnection(context.Background()); err != nil {
		t.Errorf("a reachable server without ping should pass, got %v", err)
	}
}

func TestTestConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
	defer tr.Close()

	if err := tr.TestConnection(context.Background()); err == nil {
		t.Error("expected error from a 503 upstream")
	}
}

func TestListToolsBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
	defer tr.Close()

	tools, err := tr.ListTools(context.Background())
	if err != nil {
		t.Errorf("discovery must degrade, got error %v", err)
	}
	if tools != nil {
		t.Errorf("tools = %v, want nil", tools)
	}
}

func TestListToolsShapes(t *testing.T) {
	tests := []struct {
		name   string
		result string
	}{
		{"envelope", `{"tools":[{"name":"add","description":"adds"},{"name":"mul"}]}`},
		{"bare array", `[{"name":"add","description":"adds"},{"name":"mul"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				env, _ := decodeEnvelope(body)
				writeResult(w, env.ID, tt.result)
			}))
			defer srv.Close()

			tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
			defer tr.Close()

			tools, err := tr.ListTools(context.Background())
			if err != nil {
				t.Fatalf("ListTools: %v", err)
			}
			if len(tools) != 2 || tools[0].Name != "add" || tools[1].Name != "mul" {
				t.Errorf("tools = %+v", tools)
			}
		})
	}
}

func TestCallToolNormalizesResult(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		content string
		isError bool
	}{
		{"mcp content", `{"content":[{"type":"text","text":"hi"}],"isError":false}`, `[{"type":"text","text":"hi"}]`, false},
		{"mcp error", `{"content":[{"type":"text","text":"bad"}],"isError":true}`, `[{"type":"text","text":"bad"}]`, true},
		{"bare payload", `{"sum":5}`, `{"sum":5}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				env, _ := decodeEnvelope(body)
				var params ToolCallParams
				json.Unmarshal(env.Params, &params)
				if params.Name != "calc" {
					t.Errorf("tool name = %q", params.Name)
				}
				writeResult(w, env.ID, tt.result)
			}))
			defer srv.Close()

			tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
			defer tr.Close()

			result, err := tr.CallTool(context.Background(), "calc", map[string]interface{}{"x": 1})
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if string(result.Content) != tt.content || result.IsError != tt.isError {
				t.Errorf("result = %+v", result)
			}
		})
	}
}

func TestCallJSONRPCAcceptsSSEReply(t *testing.T) {
	// Some servers answer a plain POST with an event stream.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"via\":\"sse\"}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
	defer tr.Close()

	result, err := tr.CallResource(context.Background(), "tail", nil)
	if err != nil {
		t.Fatalf("CallResource: %v", err)
	}
	if string(result) != `{"via":"sse"}` {
		t.Errorf("result = %s", result)
	}
}

func TestCallRESTRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>login page</html>")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatREST})
	defer tr.Close()

	_, err := tr.CallResource(context.Background(), "x", nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError for an HTML body, got %v", err)
	}
}

func TestServerInfoInitializesLazily(t *testing.T) {
	var initCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env, _ := decodeEnvelope(body)
		switch env.Method {
		case MethodInitialize:
			initCalls.Add(1)
			writeResult(w, env.ID, handshakeResult)
		case MethodInitialized:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL, Format: FormatJSONRPC})
	defer tr.Close()

	info, err := tr.ServerInfo(context.Background())
	if err != nil {
		t.Fatalf("ServerInfo: %v", err)
	}
	if info.Name != "upstream" {
		t.Errorf("name = %q", info.Name)
	}
	if initCalls.Load() != 1 {
		t.Errorf("initialize sent %d times, want 1", initCalls.Load())
	}
}
