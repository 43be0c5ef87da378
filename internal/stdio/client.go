package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halyard/halyard/internal/mcp"
	"github.com/halyard/halyard/internal/telemetry"
)

// Config holds configuration for a STDIO transport client.
type Config struct {
	Name    string // server name, for logging
	Command string
	Args    []string
	Dir     string
	Env     []string // KEY=VALUE pairs appended to the inherited environment
	Timeout time.Duration
	Grace   time.Duration // wait for voluntary exit before force-killing
}

// Client runs one long-lived child process speaking newline-delimited
// JSON-RPC on its standard streams. It implements mcp.TransportClient.
// The process is spawned lazily on first use; a spawn while one is alive
// is a no-op.
type Client struct {
	cfg Config

	procMu sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	closed bool

	mu          sync.RWMutex
	initialized bool
	initResult  *mcp.InitializeResult

	pending  map[string]chan *mcp.JSONRPCResponse
	pendMu   sync.Mutex
	nextID   atomic.Int64
	lastUsed atomic.Int64
}

var _ mcp.TransportClient = (*Client)(nil)

// NewClient creates a STDIO transport client. The child process is not
// started until the first request needs it.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Grace == 0 {
		cfg.Grace = 5 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		pending: make(map[string]chan *mcp.JSONRPCResponse),
	}
	c.lastUsed.Store(time.Now().Unix())
	return c
}

// start spawns the child process if none is alive. Idempotent.
func (c *Client) start() error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	if c.closed {
		return &mcp.ProcessError{Op: "spawn", Err: errors.New("client is closed")}
	}
	if c.alive() {
		return nil
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &mcp.ProcessError{Op: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &mcp.ProcessError{Op: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &mcp.ProcessError{Op: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &mcp.ProcessError{Op: "spawn", Err: fmt.Errorf("start command %q: %w", c.cfg.Command, err)}
	}

	c.cmd = cmd
	c.stdin = stdin
	c.done = make(chan struct{})
	c.pendMu.Lock()
	c.pending = make(map[string]chan *mcp.JSONRPCResponse)
	c.pendMu.Unlock()
	c.mu.Lock()
	c.initialized = false
	c.initResult = nil
	c.mu.Unlock()
	c.lastUsed.Store(time.Now().Unix())

	telemetry.StdioProcessesActive.Add(context.Background(), 1)
	go c.readLoop(stdout, c.done)
	go c.stderrLoop(stderr)

	log.Info().
		Str("server", c.cfg.Name).
		Str("command", c.cfg.Command).
		Int("pid", cmd.Process.Pid).
		Msg("Started STDIO MCP process")

	return nil
}

// alive is called with procMu held.
func (c *Client) alive() bool {
	if c.cmd == nil || c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// IsAlive reports whether the child process is currently running.
func (c *Client) IsAlive() bool {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	return c.alive()
}

// readLoop reads line-delimited JSON from stdout and routes responses.
func (c *Client) readLoop(stdout io.ReadCloser, done chan struct{}) {
	defer close(done)
	defer telemetry.StdioProcessesActive.Add(context.Background(), -1)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024) // 10MB max line

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp mcp.JSONRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().
				Str("server", c.cfg.Name).
				Str("line", string(line)).
				Err(err).
				Msg("Failed to parse STDIO response")
			continue
		}

		if resp.ID != nil {
			reqID := string(resp.ID)
			c.pendMu.Lock()
			if ch, ok := c.pending[reqID]; ok {
				ch <- &resp
				delete(c.pending, reqID)
			}
			c.pendMu.Unlock()
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Str("server", c.cfg.Name).Msg("STDIO stdout reader ended")
	}
}

// stderrLoop logs stderr output from the process.
func (c *Client) stderrLoop(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Debug().
			Str("server", c.cfg.Name).
			Str("stderr", scanner.Text()).
			Msg("STDIO process stderr")
	}
}

func (c *Client) allocID() json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", c.nextID.Add(1)))
}

// sendRequest spawns the process if needed, runs the handshake if this is
// the first exchange, writes the request and waits for its response.
func (c *Client) sendRequest(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	if err := c.start(); err != nil {
		return nil, err
	}
	if req.Method != mcp.MethodInitialize && !c.Initialized() {
		if _, err := c.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	return c.exchange(ctx, req)
}

// exchange writes one request and blocks for its response.
func (c *Client) exchange(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	c.lastUsed.Store(time.Now().Unix())

	c.procMu.Lock()
	stdin := c.stdin
	done := c.done
	c.procMu.Unlock()

	reqID := string(req.ID)
	responseCh := make(chan *mcp.JSONRPCResponse, 1)

	c.pendMu.Lock()
	c.pending[reqID] = responseCh
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, reqID)
		c.pendMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := stdin.Write(data); err != nil {
		return nil, &mcp.ProcessError{Op: "write", Err: err}
	}

	select {
	case resp := <-responseCh:
		return resp, nil
	case <-done:
		return nil, &mcp.ProcessError{Op: "request", Err: errors.New("process exited while awaiting response")}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.cfg.Timeout):
		return nil, &mcp.TimeoutError{Op: "STDIO response", Timeout: c.cfg.Timeout.String()}
	}
}

// sendNotification writes a notification to stdin (no response expected).
func (c *Client) sendNotification(notif *mcp.JSONRPCNotification) error {
	c.procMu.Lock()
	stdin := c.stdin
	c.procMu.Unlock()
	if stdin == nil {
		return &mcp.ProcessError{Op: "write", Err: errors.New("process not started")}
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	data = append(data, '\n')
	_, err = stdin.Write(data)
	return err
}

// Initialize spawns the process if needed and performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.RLock()
	if c.initialized && c.initResult != nil {
		result := *c.initResult
		c.mu.RUnlock()
		return &result, nil
	}
	c.mu.RUnlock()

	if err := c.start(); err != nil {
		return nil, err
	}

	req := &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      c.allocID(),
		Method:  mcp.MethodInitialize,
	}
	paramsJSON, err := json.Marshal(mcp.NewInitializeParams())
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req.Params = paramsJSON

	resp, err := c.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &mcp.ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &mcp.ProtocolError{Message: fmt.Sprintf("invalid initialize result: %v", err)}
	}

	c.mu.Lock()
	c.initialized = true
	c.initResult = &result
	c.mu.Unlock()

	notification := &mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodInitialized,
	}
	if err := c.sendNotification(notification); err != nil {
		log.Warn().Err(err).Str("server", c.cfg.Name).Msg("Failed to send initialized notification to STDIO process")
	}

	return &result, nil
}

// TestConnection sends a ping. A server that doesn't implement ping but
// still answers counts as reachable.
func (c *Client) TestConnection(ctx context.Context) error {
	req := &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      c.allocID(),
		Method:  mcp.MethodPing,
	}
	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil && resp.Error.Code != mcp.MethodNotFound {
		return &mcp.ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return nil
}

// ListTools retrieves the tool catalogue. Discovery is best-effort: failures
// degrade to an empty slice with a logged warning.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	req := &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      c.allocID(),
		Method:  mcp.MethodToolsList,
	}
	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("server", c.cfg.Name).Msg("Tool discovery failed")
		return nil, nil
	}
	if resp.Error != nil {
		log.Warn().
			Int("code", resp.Error.Code).
			Str("message", resp.Error.Message).
			Str("server", c.cfg.Name).
			Msg("Tool discovery failed")
		return nil, nil
	}

	var result mcp.ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &mcp.ProtocolError{Message: fmt.Sprintf("invalid tools/list result: %v", err)}
	}
	return result.Tools, nil
}

// CallTool calls a tool on the child process.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolCallResult, error) {
	req := &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      c.allocID(),
		Method:  mcp.MethodToolsCall,
	}
	paramsJSON, err := json.Marshal(&mcp.ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req.Params = paramsJSON

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &mcp.ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var result mcp.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &mcp.ProtocolError{Message: fmt.Sprintf("invalid tools/call result: %v", err)}
	}
	return &result, nil
}

// ListResources retrieves the resource catalogue. Best-effort like ListTools.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	req := &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      c.allocID(),
		Method:  mcp.MethodResourcesList,
	}
	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("server", c.cfg.Name).Msg("Resource discovery failed")
		return nil, nil
	}
	if resp.Error != nil {
		log.Warn().
			Int("code", resp.Error.Code).
			Str("message", resp.Error.Message).
			Str("server", c.cfg.Name).
			Msg("Resource discovery failed")
		return nil, nil
	}

	var result mcp.ResourcesListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &mcp.ProtocolError{Message: fmt.Sprintf("invalid resources/list result: %v", err)}
	}
	return result.Resources, nil
}

// CallResource invokes the named resource and returns the raw result.
func (c *Client) CallResource(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error) {
	req := &mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      c.allocID(),
		Method:  mcp.MethodResourcesCall,
	}
	paramsJSON, err := json.Marshal(&mcp.ResourceCallParams{Name: name, Arguments: params})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req.Params = paramsJSON

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &mcp.ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// ServerInfo returns the child's identity, initializing on first use.
func (c *Client) ServerInfo(ctx context.Context) (*mcp.ServerInfo, error) {
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
func (c *Client) Capabilities() *mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.initResult == nil {
		return nil
	}
	caps := c.initResult.Capabilities
	return &caps
}

// Initialized reports whether the handshake completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// LastUsed returns the last time a request touched the process.
func (c *Client) LastUsed() time.Time {
	return time.Unix(c.lastUsed.Load(), 0)
}

// PID returns the process ID, or 0 if not running.
func (c *Client) PID() int {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

// Close stops the child process: stdin is closed and SIGTERM sent, then the
// process is force-killed if it outlives the grace window. No child survives
// client teardown. Safe to call multiple times; the client stays closed.
func (c *Client) Close() error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	c.closed = true
	if c.cmd == nil {
		return nil
	}
	if !c.alive() {
		c.cmd = nil
		return nil
	}

	log.Info().
		Str("server", c.cfg.Name).
		Int("pid", c.cmd.Process.Pid).
		Msg("Stopping STDIO MCP process")

	c.stdin.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Signal(syscall.SIGTERM)
	}

	waitCh := make(chan error, 1)
	go func(cmd *exec.Cmd) { waitCh <- cmd.Wait() }(c.cmd)

	select {
	case <-waitCh:
		c.cmd = nil
		return nil
	case <-time.After(c.cfg.Grace):
		log.Warn().Str("server", c.cfg.Name).Msg("STDIO process did not exit gracefully, killing")
		var killErr error
		if c.cmd.Process != nil {
			killErr = c.cmd.Process.Kill()
		}
		<-waitCh
		c.cmd = nil
		if killErr != nil {
			return &mcp.ProcessError{Op: "terminate", Err: killErr}
		}
		return &mcp.ProcessError{Op: "terminate", Err: fmt.Errorf("force-killed after %s grace window", c.cfg.Grace)}
	}
}

// Stop closes the process but leaves the client usable: the next request
// respawns it. Used by the idle janitor.
func (c *Client) Stop() error {
	c.procMu.Lock()
	if c.cmd == nil || !c.alive() {
		c.cmd = nil
		c.procMu.Unlock()
		return nil
	}
	c.procMu.Unlock()

	err := c.Close()
	c.procMu.Lock()
	c.closed = false
	c.procMu.Unlock()
	return err
}
