package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/halyard/halyard/internal/telemetry"
)

var httpTracer = otel.Tracer("halyard/mcp")

// Format selects the wire convention for non-streaming calls.
type Format string

const (
	// FormatAuto tries JSON-RPC first and falls back to REST once when the
	// JSON-RPC leg yields no usable result.
	FormatAuto Format = "auto"
	// FormatJSONRPC always sends JSON-RPC 2.0 envelopes.
	FormatJSONRPC Format = "jsonrpc"
	// FormatREST always sends simplified {"method": ..., "params": ...} bodies.
	FormatREST Format = "rest"
)

// streamMarker tags a URL as an SSE endpoint.
const streamMarker = "sse"

// StreamConfig overrides how long-lived streams are opened.
type StreamConfig struct {
	URL      string // dedicated streaming endpoint; empty means the base URL
	Method   string // GET (default) or POST
	JSONBody bool   // POST the full JSON-RPC envelope instead of the simplified body
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	BaseURL      string
	Headers      map[string]string
	AuthToken    string
	AuthHeader   string // defaults to Authorization with a Bearer prefix
	Timeout      time.Duration
	MaxRetries   int
	Format       Format
	ForceJSONRPC bool // pin plain JSON-RPC even for SSE-looking endpoints
	Stream       StreamConfig
}

// HTTPTransport speaks JSON-RPC 2.0 and a simplified REST convention to one
// remote MCP endpoint, with an SSE strategy cascade for streaming servers.
type HTTPTransport struct {
	httpClient   *http.Client
	streamClient *http.Client // no timeout; long-lived streams are bounded by ctx
	cfg          HTTPConfig

	mu          sync.RWMutex
	sessionID   string
	initialized bool
	initResult  *InitializeResult

	nextID  atomic.Int64
	backoff time.Duration // unit for exponential retry sleeps
}

var (
	_ TransportClient = (*HTTPTransport)(nil)
	_ Streamer        = (*HTTPTransport)(nil)
)

// NewHTTPTransport creates a transport client for the given endpoint.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = FormatAuto
	}
	if cfg.Stream.Method == "" {
		cfg.Stream.Method = http.MethodGet
	}
	return &HTTPTransport{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		cfg:          cfg,
		backoff:      time.Second,
	}
}

// supportsSSE decides whether plain calls are dispatched through the SSE
// cascade: the base URL carries the stream marker, or the configured Accept
// header asks for text/event-stream. ForceJSONRPC wins over both.
func (c *HTTPTransport) supportsSSE() bool {
	if c.cfg.ForceJSONRPC {
		return false
	}
	if strings.Contains(strings.ToLower(c.cfg.BaseURL), streamMarker) {
		return true
	}
	return strings.Contains(strings.ToLower(c.headerValue("Accept")), "text/event-stream")
}

// SupportsStreaming reports whether StreamResource can work at all. A
// dedicated stream URL counts even when plain calls stay on JSON-RPC.
func (c *HTTPTransport) SupportsStreaming() bool {
	if c.cfg.ForceJSONRPC {
		return false
	}
	return c.supportsSSE() || c.cfg.Stream.URL != ""
}

func (c *HTTPTransport) headerValue(name string) string {
	for k, v := range c.cfg.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (c *HTTPTransport) allocID() json.RawMessage {
	return json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10))
}

// Initialize performs the MCP handshake and caches the server's identity.
// Calling it again after a success is a no-op.
func (c *HTTPTransport) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.RLock()
	if c.initialized && c.initResult != nil {
		result := *c.initResult
		c.mu.RUnlock()
		return &result, nil
	}
	c.mu.RUnlock()

	result, err := c.call(ctx, MethodInitialize, NewInitializeParams())
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if usable(result) {
		if err := json.Unmarshal(result, &initResult); err != nil {
			log.Debug().Err(err).Str("url", c.cfg.BaseURL).Msg("Initialize result is not an MCP handshake payload")
		}
	}

	c.mu.Lock()
	c.initialized = true
	c.initResult = &initResult
	c.mu.Unlock()

	if err := c.notify(ctx, MethodInitialized, nil); err != nil {
		log.Warn().Err(err).Str("url", c.cfg.BaseURL).Msg("Failed to send initialized notification")
	}

	log.Debug().
		Str("url", c.cfg.BaseURL).
		Str("server", initResult.ServerInfo.Name).
		Str("version", initResult.ServerInfo.Version).
		Msg("MCP endpoint initialized")

	return &initResult, nil
}

// TestConnection sends a ping. A server that doesn't implement ping but
// still answers the request counts as reachable.
func (c *HTTPTransport) TestConnection(ctx context.Context) error {
	_, err := c.call(ctx, MethodPing, nil)
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.MethodNotFound() {
		return nil
	}
	return err
}

// ListTools fetches the tool catalogue. Discovery is best-effort: failures
// degrade to an empty slice with a logged warning.
func (c *HTTPTransport) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.call(ctx, MethodToolsList, nil)
	if err != nil {
		log.Warn().Err(err).Str("url", c.cfg.BaseURL).Msg("Tool discovery failed")
		return nil, nil
	}
	return decodeToolList(result), nil
}

// CallTool invokes a tool and normalizes the reply into a ToolCallResult.
func (c *HTTPTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	result, err := c.call(ctx, MethodToolsCall, &ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return decodeToolCallResult(result), nil
}

// ListResources fetches the resource catalogue. Best-effort like ListTools.
func (c *HTTPTransport) ListResources(ctx context.Context) ([]Resource, error) {
	result, err := c.call(ctx, MethodResourcesList, nil)
	if err != nil {
		log.Warn().Err(err).Str("url", c.cfg.BaseURL).Msg("Resource discovery failed")
		return nil, nil
	}
	return decodeResourceList(result), nil
}

// CallResource invokes the named resource and returns the raw result.
// Upstream 5xx and transport failures are retried with exponential backoff:
// attempt n sleeps 2^(n-1) backoff units before the next try. 4xx responses
// are final.
func (c *HTTPTransport) CallResource(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error) {
	callParams := &ResourceCallParams{Name: name, Arguments: params}
	attempts := c.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			telemetry.UpstreamRetriesTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("resource", name)))
		}
		result, err := c.call(ctx, MethodResourcesCall, callParams)
		if err == nil {
			return result, nil
		}
		if !Retryable(err) {
			return nil, err
		}
		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("resource", name).
			Str("url", c.cfg.BaseURL).
			Msg("Resource call failed")
		if attempt < attempts {
			wait := time.Duration(1<<uint(attempt-1)) * c.backoff
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, &MaxRetriesError{Attempts: attempts, Last: lastErr}
}

// call dispatches one logical request per the negotiation rules: SSE
// endpoints go through the strategy cascade, otherwise the configured format
// decides, with auto probing JSON-RPC before REST.
func (c *HTTPTransport) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.supportsSSE() {
		return c.callSSE(ctx, method, params)
	}
	switch c.cfg.Format {
	case FormatJSONRPC:
		return c.callJSONRPC(ctx, method, params)
	case FormatREST:
		return c.callREST(ctx, method, params)
	default:
		return c.callAuto(ctx, method, params)
	}
}

// callAuto sends JSON-RPC first; a usable result short-circuits and REST is
// never attempted. Otherwise REST runs exactly once. The caller only ever
// sees the winning payload, or null when neither leg produced one.
func (c *HTTPTransport) callAuto(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	result, jsonErr := c.callJSONRPC(ctx, method, params)
	if jsonErr == nil && usable(result) {
		return result, nil
	}

	restResult, restErr := c.callREST(ctx, method, params)
	if restErr == nil && usable(restResult) {
		return restResult, nil
	}

	if restErr == nil {
		// REST answered without a result; a JSON-RPC failure is moot now.
		if jsonErr != nil {
			log.Debug().Err(jsonErr).Str("method", method).Msg("JSON-RPC leg failed, REST answered null")
		}
		return nil, nil
	}
	if jsonErr == nil {
		return nil, nil
	}
	return nil, errors.Join(jsonErr, restErr)
}

// usable reports whether a result payload carries an actual value.
func usable(result json.RawMessage) bool {
	return len(result) > 0 && !bytes.Equal(result, []byte("null"))
}

// callJSONRPC sends a JSON-RPC 2.0 envelope via POST. Envelope replies are
// unwrapped; a bare JSON body is also accepted as the result.
func (c *HTTPTransport) callJSONRPC(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := c.buildEnvelope(method, params)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.applyHeaders(httpReq, "application/json, text/event-stream")

	res, err := c.doRequest(httpReq, method)
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusAccepted || len(res.body) == 0 {
		return nil, nil
	}
	if strings.Contains(res.contentType, "text/event-stream") {
		return decodeSSEBody(bytes.NewReader(res.body))
	}
	return decodeRPCBody(res.body)
}

// callREST sends the simplified {"method": ..., "params": ...} convention.
// Any successful JSON body is accepted.
func (c *HTTPTransport) callREST(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := buildSimpleBody(method, params)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.applyHeaders(httpReq, "application/json")

	res, err := c.doRequest(httpReq, method)
	if err != nil {
		return nil, err
	}
	if len(res.body) == 0 {
		return nil, nil
	}
	if !json.Valid(res.body) {
		return nil, &ProtocolError{Message: fmt.Sprintf("response is not JSON: %.200s", res.body)}
	}
	return json.RawMessage(res.body), nil
}

// callSSE runs the four-strategy cascade. The cascade is a compatibility
// shim for servers that predate the streamable convention; a well-behaved
// server answers strategy 3 (POST with the full JSON-RPC envelope).
// Failures before the last strategy are logged and swallowed; the final
// plain JSON-RPC fallback surfaces its errors.
func (c *HTTPTransport) callSSE(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if result, err := c.sseGET(ctx, method, params); err == nil && usable(result) {
		return result, nil
	} else if err != nil {
		log.Debug().Err(err).Str("method", method).Msg("SSE GET strategy failed")
	}

	if result, err := c.ssePOST(ctx, method, params, false); err == nil && usable(result) {
		return result, nil
	} else if err != nil {
		log.Debug().Err(err).Str("method", method).Msg("SSE simplified POST strategy failed")
	}

	if result, err := c.ssePOST(ctx, method, params, true); err == nil && usable(result) {
		return result, nil
	} else if err != nil {
		log.Debug().Err(err).Str("method", method).Msg("SSE envelope POST strategy failed")
	}

	return c.callJSONRPC(ctx, method, params)
}

// sseGET encodes the call into query parameters and reads the reply off an
// event stream.
func (c *HTTPTransport) sseGET(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	message, err := c.buildEnvelope(method, params)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("message", string(message))
	q.Set("method", method)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.applyHeaders(httpReq, "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.doStream(c.httpClient, httpReq, method)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeSSEBody(resp.Body)
}

// ssePOST sends a streaming POST. full selects the complete JSON-RPC
// envelope body, otherwise the simplified form is sent. The reply branches
// on Content-Type: JSON bodies decode directly, event streams parse as SSE.
func (c *HTTPTransport) ssePOST(ctx context.Context, method string, params interface{}, full bool) (json.RawMessage, error) {
	var body []byte
	var err error
	if full {
		body, err = c.buildEnvelope(method, params)
	} else {
		body, err = buildSimpleBody(method, params)
	}
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.applyHeaders(httpReq, "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.doStream(c.httpClient, httpReq, method)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "text/plain") {
		return decodeSSEBody(resp.Body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return decodeRPCBody(data)
}

// StreamResource opens a long-lived stream and yields each data payload in
// arrival order. The sequence is single-pass: breaking out closes the
// connection; [DONE] or EOF ends it cleanly.
func (c *HTTPTransport) StreamResource(ctx context.Context, name string, params map[string]interface{}) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		if !c.SupportsStreaming() {
			yield(nil, ErrNoStreaming)
			return
		}
		resp, err := c.openStream(ctx, name, params)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		reader := NewSSEReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			default:
			}

			event, err := reader.ReadEvent()
			if err != nil {
				if err != io.EOF {
					yield(nil, &NetworkError{Err: err})
				}
				return
			}

			data := strings.TrimSpace(event.Data)
			if data == "" {
				continue
			}
			if event.Done() {
				return
			}

			payload, err := decodeStreamPayload(data)
			if err != nil {
				yield(nil, err)
				return
			}
			telemetry.StreamChunksTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("resource", name)))
			if !yield(payload, nil) {
				return
			}
		}
	}
}

// openStream dials the streaming endpoint per the stream overrides: GET with
// query parameters by default, or POST with either body shape.
func (c *HTTPTransport) openStream(ctx context.Context, name string, params map[string]interface{}) (*http.Response, error) {
	callParams := &ResourceCallParams{Name: name, Arguments: params}
	target := c.cfg.Stream.URL
	if target == "" {
		target = c.cfg.BaseURL
	}

	var httpReq *http.Request
	if strings.EqualFold(c.cfg.Stream.Method, http.MethodPost) {
		var body []byte
		var err error
		if c.cfg.Stream.JSONBody {
			body, err = c.buildEnvelope(MethodResourcesCall, callParams)
		} else {
			body, err = buildSimpleBody(MethodResourcesCall, callParams)
		}
		if err != nil {
			return nil, err
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build stream request: %w", err)
		}
	} else {
		message, err := c.buildEnvelope(MethodResourcesCall, callParams)
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse stream url: %w", err)
		}
		q := u.Query()
		q.Set("message", string(message))
		q.Set("method", MethodResourcesCall)
		u.RawQuery = q.Encode()
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("build stream request: %w", err)
		}
	}

	c.applyHeaders(httpReq, "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	return c.doStream(c.streamClient, httpReq, MethodResourcesCall)
}

// notify sends a JSON-RPC notification. 200, 202 and 204 all count as
// delivered.
func (c *HTTPTransport) notify(ctx context.Context, method string, params interface{}) error {
	notif := &JSONRPCNotification{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = data
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.applyHeaders(httpReq, "application/json, text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("notification rejected: status %d", resp.StatusCode)
	}
}

// ServerInfo returns the upstream identity, initializing on first use.
func (c *HTTPTransport) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	c.mu.RLock()
	if c.initialized && c.initResult != nil {
		info := c.initResult.ServerInfo
		c.mu.RUnlock()
		return &info, nil
	}
	c.mu.RUnlock()

	result, err := c.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	info := result.ServerInfo
	return &info, nil
}

// Capabilities returns the capabilities reported during initialize, or nil
// before the handshake.
func (c *HTTPTransport) Capabilities() *ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.initResult == nil {
		return nil
	}
	caps := c.initResult.Capabilities
	return &caps
}

// Initialized reports whether the handshake completed.
func (c *HTTPTransport) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// SessionID returns the upstream-assigned session, if any.
func (c *HTTPTransport) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Close releases pooled connections. Safe to call multiple times.
func (c *HTTPTransport) Close() error {
	c.httpClient.CloseIdleConnections()
	c.streamClient.CloseIdleConnections()
	return nil
}

// httpResult is one fully read HTTP exchange.
type httpResult struct {
	status      int
	contentType string
	body        []byte
}

// doRequest executes a request, reads the whole body and maps the status:
// 2xx returns the body, 4xx becomes ClientError, everything else ServerError.
func (c *HTTPTransport) doRequest(httpReq *http.Request, method string) (*httpResult, error) {
	start := time.Now()
	ctx, span := httpTracer.Start(httpReq.Context(), "mcp.upstream",
		trace.WithAttributes(
			attribute.String("mcp.method", method),
			attribute.String("url.full", httpReq.URL.Redacted()),
		))
	defer span.End()
	httpReq = httpReq.WithContext(ctx)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		c.recordUpstreamMetrics(ctx, method, 0, start)
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		c.recordUpstreamMetrics(ctx, method, resp.StatusCode, start)
		return nil, &NetworkError{Err: err}
	}

	c.captureSession(resp)
	c.recordUpstreamMetrics(ctx, method, resp.StatusCode, start)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &httpResult{
			status:      resp.StatusCode,
			contentType: resp.Header.Get("Content-Type"),
			body:        body,
		}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &ClientError{Status: resp.StatusCode, Body: string(body)}
	default:
		return nil, &ServerError{Status: resp.StatusCode, Body: string(body)}
	}
}

// doStream executes a request whose body stays open for incremental reads.
// The caller owns resp.Body on success.
func (c *HTTPTransport) doStream(client *http.Client, httpReq *http.Request, method string) (*http.Response, error) {
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		c.recordUpstreamMetrics(httpReq.Context(), method, 0, start)
		return nil, &NetworkError{Err: err}
	}
	c.recordUpstreamMetrics(httpReq.Context(), method, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &ClientError{Status: resp.StatusCode, Body: string(body)}
		}
		return nil, &ServerError{Status: resp.StatusCode, Body: string(body)}
	}
	c.captureSession(resp)
	return resp, nil
}

func (c *HTTPTransport) captureSession(resp *http.Response) {
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
}

// applyHeaders sets the protocol headers. Configured custom headers are
// applied last so they can override any default, including Accept.
func (c *HTTPTransport) applyHeaders(httpReq *http.Request, accept string) {
	if httpReq.Method != http.MethodGet {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)

	c.mu.RLock()
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.mu.RUnlock()

	if c.cfg.AuthToken != "" {
		header := c.cfg.AuthHeader
		if header == "" || strings.EqualFold(header, "Authorization") {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		} else {
			httpReq.Header.Set(header, c.cfg.AuthToken)
		}
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
}

func (c *HTTPTransport) recordUpstreamMetrics(ctx context.Context, method string, status int, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("mcp.method", method),
		attribute.Int("http.status", status),
	)
	telemetry.UpstreamRequestsTotal.Add(ctx, 1, attrs)
	telemetry.UpstreamRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// buildEnvelope marshals a full JSON-RPC request with a fresh id.
func (c *HTTPTransport) buildEnvelope(method string, params interface{}) ([]byte, error) {
	req := &JSONRPCRequest{JSONRPC: JSONRPCVersion, ID: c.allocID(), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// buildSimpleBody marshals the simplified {"method", "params"} form.
func buildSimpleBody(method string, params interface{}) ([]byte, error) {
	payload := map[string]interface{}{"method": method}
	if params != nil {
		payload["params"] = params
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// decodeRPCBody unwraps a JSON-RPC envelope when one is present, otherwise
// accepts any valid JSON body as the result.
func decodeRPCBody(body []byte) (json.RawMessage, error) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(body, &resp); err == nil &&
		(resp.JSONRPC != "" || resp.Result != nil || resp.Error != nil) {
		if resp.Error != nil {
			return nil, &ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	return nil, &ProtocolError{Message: fmt.Sprintf("response is not JSON: %.200s", body)}
}

// decodeSSEBody reads an event stream until the first data payload, the done
// sentinel, or EOF. At most one logical result is produced.
func decodeSSEBody(r io.Reader) (json.RawMessage, error) {
	reader := NewSSEReader(r)
	for {
		event, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, &NetworkError{Err: err}
		}
		data := strings.TrimSpace(event.Data)
		if data == "" {
			continue
		}
		if event.Done() {
			return nil, nil
		}
		return decodeRPCBody([]byte(data))
	}
}

// decodeStreamPayload decodes one stream chunk. Full JSON-RPC envelopes are
// unwrapped; anything else must be valid JSON.
func decodeStreamPayload(data string) (json.RawMessage, error) {
	raw := []byte(data)
	var resp JSONRPCResponse
	if err := json.Unmarshal(raw, &resp); err == nil &&
		resp.JSONRPC != "" && (resp.Result != nil || resp.Error != nil) {
		if resp.Error != nil {
			return nil, &ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw), nil
	}
	return nil, &ProtocolError{Message: fmt.Sprintf("malformed stream payload: %.100s", data)}
}

// decodeToolList accepts either the MCP list envelope or a bare array.
func decodeToolList(result json.RawMessage) []Tool {
	if !usable(result) {
		return nil
	}
	var listResult ToolsListResult
	if err := json.Unmarshal(result, &listResult); err == nil && listResult.Tools != nil {
		return listResult.Tools
	}
	var tools []Tool
	if err := json.Unmarshal(result, &tools); err == nil {
		return tools
	}
	return nil
}

// decodeResourceList accepts either the MCP list envelope or a bare array.
func decodeResourceList(result json.RawMessage) []Resource {
	if !usable(result) {
		return nil
	}
	var listResult ResourcesListResult
	if err := json.Unmarshal(result, &listResult); err == nil && listResult.Resources != nil {
		return listResult.Resources
	}
	var resources []Resource
	if err := json.Unmarshal(result, &resources); err == nil {
		return resources
	}
	return nil
}

// decodeToolCallResult normalizes a reply into a ToolCallResult. REST
// servers may answer with a bare payload rather than MCP content.
func decodeToolCallResult(result json.RawMessage) *ToolCallResult {
	if !usable(result) {
		return &ToolCallResult{}
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err == nil && callResult.Content != nil {
		return &callResult
	}
	return &ToolCallResult{Content: result}
}
