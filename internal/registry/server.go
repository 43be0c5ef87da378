package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halyard/halyard/internal/mcp"
	"github.com/halyard/halyard/internal/stdio"
)

// Transport discriminators. A Server owns exactly one transport client,
// chosen at construction and immutable afterward.
const (
	TransportHTTP  = "http"
	TransportSTDIO = "stdio"
)

// ServerConfig is the union configuration for constructing a Server. The
// Transport discriminator defaults to stdio when Command is set, http
// otherwise.
type ServerConfig struct {
	Name      string
	Transport string
	Enabled   *bool // nil means enabled
	Metadata  map[string]interface{}

	// http
	URL          string
	Headers      map[string]string
	AuthToken    string
	AuthHeader   string
	Format       mcp.Format
	ForceJSONRPC bool
	Stream       mcp.StreamConfig

	// stdio
	Command string
	Args    []string
	Dir     string
	Env     []string
	Grace   time.Duration // wait for voluntary exit before force-killing

	// shared
	Timeout    time.Duration
	MaxRetries int

	// Discover triggers resource discovery during registration.
	Discover bool
}

// Server is a named endpoint owning one transport client and the Resources
// discovered through it.
type Server struct {
	name      string
	transport string
	url       string
	command   string
	args      []string

	client mcp.TransportClient

	mu         sync.RWMutex
	resources  map[string]*Resource
	enabled    bool
	discovered bool // resources/list attempted at least once
	metadata   map[string]interface{}
}

// NewServer constructs a Server and its transport client from config.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}

	transport := cfg.Transport
	if transport == "" {
		if cfg.Command != "" {
			transport = TransportSTDIO
		} else {
			transport = TransportHTTP
		}
	}

	var client mcp.TransportClient
	switch transport {
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %q: url is required for http transport", cfg.Name)
		}
		client = mcp.NewHTTPTransport(mcp.HTTPConfig{
			BaseURL:      cfg.URL,
			Headers:      cfg.Headers,
			AuthToken:    cfg.AuthToken,
			AuthHeader:   cfg.AuthHeader,
			Timeout:      cfg.Timeout,
			MaxRetries:   cfg.MaxRetries,
			Format:       cfg.Format,
			ForceJSONRPC: cfg.ForceJSONRPC,
			Stream:       cfg.Stream,
		})
	case TransportSTDIO:
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %q: command is required for stdio transport", cfg.Name)
		}
		client = stdio.NewClient(stdio.Config{
			Name:    cfg.Name,
			Command: cfg.Command,
			Args:    cfg.Args,
			Dir:     cfg.Dir,
			Env:     cfg.Env,
			Timeout: cfg.Timeout,
			Grace:   cfg.Grace,
		})
	default:
		return nil, fmt.Errorf("server %q: unknown transport %q", cfg.Name, transport)
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}
	metadata := cfg.Metadata
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	return &Server{
		name:      cfg.Name,
		transport: transport,
		url:       cfg.URL,
		command:   cfg.Command,
		args:      cfg.Args,
		client:    client,
		resources: make(map[string]*Resource),
		enabled:   enabled,
		metadata:  metadata,
	}, nil
}

// NewServerWithClient constructs a Server around an injected transport.
func NewServerWithClient(name, transport string, client mcp.TransportClient) *Server {
	return &Server{
		name:      name,
		transport: transport,
		client:    client,
		resources: make(map[string]*Resource),
		enabled:   true,
		metadata:  make(map[string]interface{}),
	}
}

func (s *Server) Name() string      { return s.name }
func (s *Server) Transport() string { return s.transport }
func (s *Server) URL() string       { return s.url }
func (s *Server) Command() string   { return s.command }

// Client exposes the transport for connection tests and the idle janitor.
func (s *Server) Client() mcp.TransportClient { return s.client }

// Enabled reports the administrative flag, checked before every outbound call.
func (s *Server) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *Server) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Connect runs the transport handshake.
func (s *Server) Connect(ctx context.Context) error {
	_, err := s.client.Initialize(ctx)
	return err
}

// TestConnection checks endpoint reachability without touching catalogue state.
func (s *Server) TestConnection(ctx context.Context) error {
	return s.client.TestConnection(ctx)
}

// ServerInfo returns the upstream identity reported during the handshake.
func (s *Server) ServerInfo(ctx context.Context) (*mcp.ServerInfo, error) {
	return s.client.ServerInfo(ctx)
}

// Capabilities returns the handshake capabilities, or nil before connect.
func (s *Server) Capabilities() *mcp.ServerCapabilities {
	return s.client.Capabilities()
}

// SupportsStreaming reports whether the transport can open streams.
func (s *Server) SupportsStreaming() bool {
	streamer, ok := s.client.(mcp.Streamer)
	return ok && streamer.SupportsStreaming()
}

// DiscoverResources queries resources/list and merges the catalogue into the
// resource map by name; rediscovery overwrites. It runs at most once per
// Server: repeated calls after the first attempt are no-ops regardless of
// outcome. Failures are logged, never fatal; an empty result is valid.
func (s *Server) DiscoverResources(ctx context.Context) error {
	s.mu.Lock()
	if s.discovered {
		s.mu.Unlock()
		return nil
	}
	s.discovered = true
	s.metadata["discovery_attempted"] = true
	s.mu.Unlock()

	return s.discover(ctx)
}

// Rediscover bypasses the attempt marker for admin-triggered refreshes.
func (s *Server) Rediscover(ctx context.Context) error {
	s.mu.Lock()
	s.discovered = true
	s.metadata["discovery_attempted"] = true
	s.mu.Unlock()

	return s.discover(ctx)
}

func (s *Server) discover(ctx context.Context) error {
	listed, err := s.client.ListResources(ctx)
	if err != nil {
		log.Warn().Err(err).Str("server", s.name).Msg("Resource discovery failed")
		return err
	}

	s.mu.Lock()
	for _, entry := range listed {
		s.resources[entry.Name] = &Resource{
			Name:        entry.Name,
			Description: entry.Description,
			URI:         entry.URI,
			MimeType:    entry.MimeType,
			Parameters:  make(map[string]*ParamSpec),
			Enabled:     true,
		}
	}
	count := len(s.resources)
	s.mu.Unlock()

	log.Debug().
		Str("server", s.name).
		Int("discovered", len(listed)).
		Int("total", count).
		Msg("Resource discovery complete")
	return nil
}

// DiscoveryAttempted reports whether resources/list ran at least once.
func (s *Server) DiscoveryAttempted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discovered
}

// AddResource inserts or replaces a resource by name.
func (s *Server) AddResource(r *Resource) {
	s.mu.Lock()
	s.resources[r.Name] = r
	s.mu.Unlock()
}

// Resource looks up a resource by name.
func (s *Server) Resource(name string) (*Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[name]
	return r, ok
}

// Resources returns a name-sorted snapshot of the resource map.
func (s *Server) Resources() []*Resource {
	s.mu.RLock()
	out := make([]*Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListTools queries the transport's tool catalogue. Best-effort.
func (s *Server) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return s.client.ListTools(ctx)
}

// CallTool invokes a wire tool. The enabled flag is checked before any I/O.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolCallResult, error) {
	if !s.Enabled() {
		return nil, &mcp.DisabledError{Kind: "server", Name: s.name}
	}
	return s.client.CallTool(ctx, name, args)
}

// CallResource invokes a discovered resource. Existence and enabled state
// are validated locally before delegating to the transport.
func (s *Server) CallResource(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error) {
	if !s.Enabled() {
		return nil, &mcp.DisabledError{Kind: "server", Name: s.name}
	}
	res, ok := s.Resource(name)
	if !ok {
		return nil, &mcp.NotFoundError{Kind: "resource", Name: name}
	}
	if !res.Enabled {
		return nil, &mcp.DisabledError{Kind: "resource", Name: name}
	}
	return s.client.CallResource(ctx, name, params)
}

// StreamResource opens a long-lived stream for a discovered resource.
// Streaming is only permitted on transports that support it; others fail
// fast with a capability error before any I/O.
func (s *Server) StreamResource(ctx context.Context, name string, params map[string]interface{}) iter.Seq2[json.RawMessage, error] {
	if !s.Enabled() {
		return failSeq(&mcp.DisabledError{Kind: "server", Name: s.name})
	}
	res, ok := s.Resource(name)
	if !ok {
		return failSeq(&mcp.NotFoundError{Kind: "resource", Name: name})
	}
	if !res.Enabled {
		return failSeq(&mcp.DisabledError{Kind: "resource", Name: name})
	}
	streamer, ok := s.client.(mcp.Streamer)
	if !ok || !streamer.SupportsStreaming() {
		return failSeq(fmt.Errorf("server %q: %w", s.name, mcp.ErrNoStreaming))
	}
	return streamer.StreamResource(ctx, name, params)
}

// failSeq yields a single terminal error.
func failSeq(err error) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		yield(nil, err)
	}
}

// Metadata returns a snapshot of the server's metadata map.
func (s *Server) Metadata() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata stores one metadata entry.
func (s *Server) SetMetadata(key string, value interface{}) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Close tears down the transport client. For STDIO servers this terminates
// the child process.
func (s *Server) Close() error {
	return s.client.Close()
}

// ServerSpec is the serializable projection of a Server.
type ServerSpec struct {
	Name      string                 `json:"name"`
	Transport string                 `json:"transport"`
	URL       string                 `json:"url,omitempty"`
	Command   string                 `json:"command,omitempty"`
	Args      []string               `json:"args,omitempty"`
	Enabled   bool                   `json:"enabled"`
	Resources []*Resource            `json:"resources,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Spec exports the server's reconstructible state.
func (s *Server) Spec() ServerSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resources := make([]*Resource, 0, len(s.resources))
	for _, r := range s.resources {
		resources = append(resources, r.Clone())
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].Name < resources[j].Name })

	metadata := make(map[string]interface{}, len(s.metadata))
	for k, v := range s.metadata {
		metadata[k] = v
	}

	return ServerSpec{
		Name:      s.name,
		Transport: s.transport,
		URL:       s.url,
		Command:   s.command,
		Args:      s.args,
		Enabled:   s.enabled,
		Resources: resources,
		Metadata:  metadata,
	}
}

// ServerFromSpec reconstructs a Server, including its resource map and
// enabled state. The discovery marker carries over via metadata.
func ServerFromSpec(spec ServerSpec) (*Server, error) {
	enabled := spec.Enabled
	srv, err := NewServer(ServerConfig{
		Name:      spec.Name,
		Transport: spec.Transport,
		URL:       spec.URL,
		Command:   spec.Command,
		Args:      spec.Args,
		Enabled:   &enabled,
		Metadata:  spec.Metadata,
	})
	if err != nil {
		return nil, err
	}
	for _, r := range spec.Resources {
		srv.AddResource(r.Clone())
	}
	if attempted, ok := spec.Metadata["discovery_attempted"].(bool); ok && attempted {
		srv.mu.Lock()
		srv.discovered = true
		srv.mu.Unlock()
	}
	return srv, nil
}
