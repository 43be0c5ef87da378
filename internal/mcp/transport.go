package mcp

import (
	"context"
	"encoding/json"
	"iter"
)

// TransportClient defines the interface for communicating with an MCP server.
// Both the HTTP transport and the STDIO client implement this interface.
type TransportClient interface {
	Initialize(ctx context.Context) (*InitializeResult, error)
	TestConnection(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error)
	ListResources(ctx context.Context) ([]Resource, error)
	CallResource(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error)
	ServerInfo(ctx context.Context) (*ServerInfo, error)
	Capabilities() *ServerCapabilities
	Initialized() bool
	Close() error
}

// Streamer is the optional streaming side of a transport. Callers type-assert
// for it; transports that cannot stream simply don't implement it.
type Streamer interface {
	// SupportsStreaming reports whether the transport can open SSE streams
	// at all, before any network round trip.
	SupportsStreaming() bool

	// StreamResource opens a long-lived stream for the named resource and
	// yields decoded payloads in arrival order. The sequence is single-pass:
	// breaking out of the range closes the underlying connection. A yielded
	// error is terminal.
	StreamResource(ctx context.Context, name string, params map[string]interface{}) iter.Seq2[json.RawMessage, error]
}
