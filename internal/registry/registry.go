package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/halyard/halyard/internal/mcp"
	"github.com/halyard/halyard/internal/stdio"
	"github.com/halyard/halyard/internal/telemetry"
)

var tracer = otel.Tracer("halyard/registry")

// Config tunes a Registry. Zero values disable the idle janitor.
type Config struct {
	// StdioIdleTTL stops STDIO child processes that have not served a
	// request for this long. The next call respawns them.
	StdioIdleTTL time.Duration
	// SweepInterval is how often the janitor scans. Defaults to one minute
	// when an idle TTL is set.
	SweepInterval time.Duration
}

// Stats is a snapshot of the catalogue. Structural counts are recomputed
// from the live collections after every mutation; the call counters are
// monotonic process-lifetime totals.
type Stats struct {
	TotalServers   int   `json:"total_servers"`
	EnabledServers int   `json:"enabled_servers"`
	TotalResources int   `json:"total_resources"`
	TotalTools     int   `json:"total_tools"`
	EnabledTools   int   `json:"enabled_tools"`
	CallsSucceeded int64 `json:"calls_succeeded"`
	CallsFailed    int64 `json:"calls_failed"`
}

// Registry is the process-wide catalogue of Servers, Resources and Tools,
// and the single execution entry point. Construct one explicitly and pass
// it where needed; there is no package-level instance.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	servers   map[string]*Server
	resources map[string]*Resource // flattened by registered (prefixed) name
	tools     map[string]*Tool
	stats     Stats

	callsSucceeded atomic.Int64
	callsFailed    atomic.Int64

	janitorStop chan struct{}
	janitorWG   sync.WaitGroup
	closeOnce   sync.Once
}

// New creates an empty Registry and starts the idle janitor when configured.
func New(cfg Config) *Registry {
	if cfg.StdioIdleTTL > 0 && cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	r := &Registry{
		cfg:       cfg,
		servers:   make(map[string]*Server),
		resources: make(map[string]*Resource),
		tools:     make(map[string]*Tool),
	}
	if cfg.StdioIdleTTL > 0 {
		r.janitorStop = make(chan struct{})
		r.janitorWG.Add(1)
		go r.janitorLoop()
	}
	return r
}

// AddServer constructs a Server from config, registers it and optionally
// runs discovery. An existing server under the same name is replaced and
// its transport closed. Discovery failures never fail registration.
func (r *Registry) AddServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	srv, err := NewServer(cfg)
	if err != nil {
		return nil, err
	}
	r.Register(srv)

	if cfg.Discover {
		if err := srv.DiscoverResources(ctx); err != nil {
			log.Warn().Err(err).Str("server", srv.Name()).Msg("Initial discovery failed")
		}
	}
	return srv, nil
}

// Register inserts a constructed Server, replacing any prior registration
// under the same name.
func (r *Registry) Register(srv *Server) {
	r.mu.Lock()
	if old, ok := r.servers[srv.Name()]; ok && old != srv {
		log.Info().Str("server", srv.Name()).Msg("Replacing registered server")
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Str("server", old.Name()).Msg("Failed to close replaced server")
		}
		r.dropServerEntries(old)
	}
	r.servers[srv.Name()] = srv
	r.recompute()
	r.mu.Unlock()
}

// RemoveServer closes a server's transport and drops its tools and
// flattened resources from the catalogue.
func (r *Registry) RemoveServer(name string) error {
	r.mu.Lock()
	srv, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return &mcp.NotFoundError{Kind: "server", Name: name}
	}
	delete(r.servers, name)
	r.dropServerEntries(srv)
	r.recompute()
	r.mu.Unlock()

	if err := srv.Close(); err != nil {
		log.Warn().Err(err).Str("server", name).Msg("Failed to close removed server")
	}
	return nil
}

// dropServerEntries removes catalogue entries owned by srv. Called with the
// registry lock held.
func (r *Registry) dropServerEntries(srv *Server) {
	for name, tool := range r.tools {
		if tool.Server == srv {
			delete(r.tools, name)
			delete(r.resources, name)
		}
	}
}

// Server looks up a server by name.
func (r *Registry) Server(name string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, ok := r.servers[name]
	return srv, ok
}

// Servers returns a name-sorted snapshot.
func (r *Registry) Servers() []*Server {
	r.mu.RLock()
	out := make([]*Server, 0, len(r.servers))
	for _, srv := range r.servers {
		out = append(out, srv)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AddTool registers a Tool and its resource under the tool's (possibly
// prefixed) name. Collision is last-write-wins.
func (r *Registry) AddTool(t *Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	if t.Resource != nil {
		r.resources[t.Name] = t.Resource
	}
	r.recompute()
	r.mu.Unlock()
}

// RemoveTool drops a Tool and its flattened resource entry.
func (r *Registry) RemoveTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return &mcp.NotFoundError{Kind: "tool", Name: name}
	}
	delete(r.tools, name)
	delete(r.resources, name)
	r.recompute()
	return nil
}

// Tool looks up a Tool by registered name.
func (r *Registry) Tool(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns a name-sorted snapshot.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resource looks up a flattened resource by registered name.
func (r *Registry) Resource(name string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[name]
	return res, ok
}

// ExecuteTool runs one tool invocation end to end: lookup, enablement,
// validation, then the invoker. Counters and logs record the outcome.
func (r *Registry) ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "registry.execute_tool",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	start := time.Now()
	tool, ok := r.Tool(name)
	if !ok {
		r.callsFailed.Add(1)
		r.recordToolCall(ctx, name, "not_found", start)
		return nil, &mcp.NotFoundError{Kind: "tool", Name: name}
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		r.callsFailed.Add(1)
		r.recordToolCall(ctx, name, "error", start)
		span.RecordError(err)
		log.Warn().
			Err(err).
			Str("tool", name).
			Str("server", tool.Server.Name()).
			Dur("duration", time.Since(start)).
			Msg("Tool execution failed")
		return nil, err
	}

	r.callsSucceeded.Add(1)
	r.recordToolCall(ctx, name, "ok", start)
	log.Info().
		Str("tool", name).
		Str("server", tool.Server.Name()).
		Dur("duration", time.Since(start)).
		Msg("Tool executed")
	return result, nil
}

func (r *Registry) recordToolCall(ctx context.Context, name, status string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("status", status),
	)
	telemetry.ToolCallsTotal.Add(ctx, 1, attrs)
	telemetry.ToolCallDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// CallResource invokes a resource directly on a named server, bypassing
// tool wrapping. Used by the administrative surface.
func (r *Registry) CallResource(ctx context.Context, serverName, resourceName string, params map[string]interface{}) (json.RawMessage, error) {
	srv, ok := r.Server(serverName)
	if !ok {
		return nil, &mcp.NotFoundError{Kind: "server", Name: serverName}
	}
	return srv.CallResource(ctx, resourceName, params)
}

// ToolDefinitions flattens the enabled Tools into the function-calling
// shape, sorted by name. This is the seam agent-orchestration layers consume.
func (r *Registry) ToolDefinitions() []ToolDefinition {
	r.mu.RLock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if !t.Enabled() {
			continue
		}
		defs = append(defs, t.Definition())
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// recompute derives the structural statistics from the live collections.
// Called with the registry lock held after every mutation so the numbers
// can never drift from the maps they describe.
func (r *Registry) recompute() {
	stats := Stats{
		TotalServers:   len(r.servers),
		TotalResources: len(r.resources),
		TotalTools:     len(r.tools),
	}
	for _, srv := range r.servers {
		if srv.Enabled() {
			stats.EnabledServers++
		}
	}
	for _, t := range r.tools {
		if t.Enabled() {
			stats.EnabledTools++
		}
	}
	r.stats = stats
}

// Stats returns a snapshot. Enabled counts are refreshed on read since
// enablement can be toggled without a catalogue mutation.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	r.recompute()
	stats := r.stats
	r.mu.Unlock()

	stats.CallsSucceeded = r.callsSucceeded.Load()
	stats.CallsFailed = r.callsFailed.Load()
	return stats
}

// janitorLoop periodically stops idle STDIO child processes.
func (r *Registry) janitorLoop() {
	defer r.janitorWG.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepIdle()
		case <-r.janitorStop:
			return
		}
	}
}

func (r *Registry) sweepIdle() {
	cutoff := time.Now().Add(-r.cfg.StdioIdleTTL)
	for _, srv := range r.Servers() {
		client, ok := srv.Client().(*stdio.Client)
		if !ok || !client.IsAlive() {
			continue
		}
		if client.LastUsed().After(cutoff) {
			continue
		}
		log.Info().
			Str("server", srv.Name()).
			Time("last_used", client.LastUsed()).
			Msg("Stopping idle STDIO process")
		if err := client.Stop(); err != nil {
			log.Warn().Err(err).Str("server", srv.Name()).Msg("Idle stop failed")
		}
	}
}

// Shutdown stops the janitor and closes every server's transport. STDIO
// children are terminated; none survive shutdown.
func (r *Registry) Shutdown() {
	r.closeOnce.Do(func() {
		if r.janitorStop != nil {
			close(r.janitorStop)
			r.janitorWG.Wait()
		}
		for _, srv := range r.Servers() {
			if err := srv.Close(); err != nil {
				log.Warn().Err(err).Str("server", srv.Name()).Msg("Failed to close server")
			}
		}
		log.Info().Msg("Registry shut down")
	})
}
